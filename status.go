package slasher

// CommitmentStatus is the lifecycle state of a node's ordering promise.
// PENDING is the only non-terminal state; OMITTED may still become
// REORDERED when the promised transaction shows up in a later block.
type CommitmentStatus int

const (
	CommitmentPending CommitmentStatus = iota
	CommitmentFulfilled
	CommitmentOmitted
	CommitmentReordered
	CommitmentRevoked
	CommitmentUnexpected
)

func (s CommitmentStatus) String() string {
	switch s {
	case CommitmentPending:
		return "pending"
	case CommitmentFulfilled:
		return "fulfilled"
	case CommitmentOmitted:
		return "omitted"
	case CommitmentReordered:
		return "reordered"
	case CommitmentRevoked:
		return "revoked"
	case CommitmentUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// TxStatus is the lifecycle state of a relayed transaction.
type TxStatus int

const (
	TxSubmitted TxStatus = iota
	TxInBlock
	TxError
)

func (s TxStatus) String() string {
	switch s {
	case TxSubmitted:
		return "submitted"
	case TxInBlock:
		return "in_block"
	case TxError:
		return "error"
	}
	return "unknown"
}
