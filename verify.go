package slasher

import (
	"context"
	"database/sql"
	"time"

	"github.com/bobg/multichan"
	"github.com/bobg/sqlutil"
	"github.com/chain/txvm/errors"
	"github.com/interstellar/starlight/net"
)

// Verifier reconciles stored blocks against the commitments a node
// issued, assigning every commitment a terminal status and advancing
// the per-block offset/shift state.
type Verifier struct {
	store *Store
}

// NewVerifier returns a verifier over store.
func NewVerifier(store *Store) *Verifier {
	return &Verifier{store: store}
}

var (
	// ErrBlockNotFound means the signaled block has no stored row yet.
	// The event may be redelivered once the block is ingested.
	ErrBlockNotFound = errors.New("block not found")

	// ErrPrevStateMissing means the state row for the preceding block is
	// absent, so the expected commitment window cannot be computed.
	ErrPrevStateMissing = errors.New("previous block state missing")
)

// verifyResult summarizes the commitment mutations of one block.
type verifyResult struct {
	node       string
	skipped    bool
	txCount    int
	fulfilled  int
	reordered  int
	unexpected int
	censored   int
	outOfRange int
	offset     int64
	shift      int64
}

// ProcessBlock runs the verification algorithm for block n in a single
// session. On error nothing is written and the block may be retried.
// Reprocessing a block that already has a state row is a no-op.
func (v *Verifier) ProcessBlock(ctx context.Context, n uint64) error {
	log.Infof("processing block %d for verification", n)

	var res *verifyResult
	err := v.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = verifyBlockTx(ctx, tx, n)
		return err
	})
	if err != nil {
		return err
	}
	if res.skipped {
		return nil
	}

	blocksVerified.Inc()
	commitmentResolutions.WithLabelValues(CommitmentFulfilled.String()).Add(float64(res.fulfilled))
	commitmentResolutions.WithLabelValues(CommitmentReordered.String()).Add(float64(res.reordered))
	commitmentResolutions.WithLabelValues(CommitmentUnexpected.String()).Add(float64(res.unexpected))
	commitmentResolutions.WithLabelValues(CommitmentOmitted.String()).Add(float64(res.censored))

	log.Infof(
		"block %d processed: %d txs, %d fulfilled, %d reordered, %d unexpected, %d omitted, offset %d, shift %d",
		n, res.txCount, res.fulfilled, res.reordered, res.unexpected, res.censored, res.offset, res.shift,
	)
	return nil
}

func verifyBlockTx(ctx context.Context, tx *sql.Tx, n uint64) (*verifyResult, error) {
	// Redelivery guard: a state row means the block was already processed.
	var processedCount int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_state WHERE block_number = $1`, n).Scan(&processedCount)
	if err != nil {
		return nil, errors.Wrapf(err, "checking state for block %d", n)
	}
	if processedCount > 0 {
		log.Warnf("block %d already processed, skipping", n)
		return &verifyResult{skipped: true}, nil
	}

	res := &verifyResult{}
	err = tx.QueryRowContext(ctx, `SELECT node_id FROM blocks WHERE number = $1`, n).Scan(&res.node)
	if err == sql.ErrNoRows {
		log.Errorf("block %d not found in database", n)
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading block %d", n)
	}

	var offset, shift int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT offset_index, shift_index FROM block_state WHERE block_number = $1`,
		n-1,
	).Scan(&offset, &shift)
	if err == sql.ErrNoRows {
		if n > 1 {
			log.Errorf("state for block %d not found, cannot process block %d", n-1, n)
			return nil, ErrPrevStateMissing
		}
		// First block: start from the zero state.
		offset, shift = 0, 0
	} else if err != nil {
		return nil, errors.Wrapf(err, "loading state for block %d", n-1)
	}

	var txs [][]byte
	err = sqlutil.ForQueryRows(
		ctx, tx,
		`SELECT tx_hash FROM block_transactions WHERE block_number = $1 ORDER BY ord`,
		n,
		func(hash []byte) {
			txs = append(txs, hash)
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "loading transactions of block %d", n)
	}
	res.txCount = len(txs)

	startRange := offset + 1
	processed := make(map[int64]bool)

	for _, txHash := range txs {
		_, err = tx.ExecContext(ctx, `UPDATE transactions SET status = $1 WHERE hash = $2`, TxInBlock, txHash)
		if err != nil {
			return nil, errors.Wrapf(err, "marking transaction %x in block", txHash)
		}

		// Replacement rule: an included transaction revokes the pending or
		// omitted commitment of the transaction it supersedes.
		var replaces []byte
		err = tx.QueryRowContext(ctx, `SELECT replaces FROM transactions WHERE hash = $1`, txHash).Scan(&replaces)
		if err != nil && err != sql.ErrNoRows {
			return nil, errors.Wrapf(err, "loading transaction %x", txHash)
		}
		if len(replaces) > 0 {
			_, err = tx.ExecContext(
				ctx,
				`UPDATE commitments SET status = $1 WHERE node = $2 AND tx_hash = $3 AND status IN ($4, $5)`,
				CommitmentRevoked, res.node, replaces, CommitmentPending, CommitmentOmitted,
			)
			if err != nil {
				return nil, errors.Wrapf(err, "revoking commitment replaced by %x", txHash)
			}
		}

		var (
			commIdx    int64
			commStatus CommitmentStatus
		)
		err = tx.QueryRowContext(
			ctx,
			`SELECT idx, status FROM commitments WHERE node = $1 AND tx_hash = $2`,
			res.node, txHash,
		).Scan(&commIdx, &commStatus)
		switch {
		case err == sql.ErrNoRows:
			// The node never promised this transaction. Record it under a
			// fresh per-block counter; UNEXPECTED rows may share an index
			// with a real commitment.
			log.Infof("unexpected transaction %x in block %d", txHash, n)
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO commitments (node, tx_hash, idx, status) VALUES ($1, $2, $3, $4)`,
				res.node, txHash, int64(res.unexpected)+1, CommitmentUnexpected,
			)
			if err != nil {
				return nil, errors.Wrapf(err, "recording unexpected transaction %x", txHash)
			}
			res.unexpected++

		case err != nil:
			return nil, errors.Wrapf(err, "loading commitment for %x", txHash)

		case commStatus == CommitmentOmitted:
			// Promised for an earlier window, delivered late.
			log.Infof("commitment %d reordered", commIdx)
			res.reordered++
			if err := setCommitmentStatus(ctx, tx, res.node, txHash, CommitmentReordered); err != nil {
				return nil, err
			}

		case commStatus == CommitmentPending:
			processed[commIdx] = true
			res.fulfilled++
			if err := setCommitmentStatus(ctx, tx, res.node, txHash, CommitmentFulfilled); err != nil {
				return nil, err
			}

		case commStatus == CommitmentReordered || commStatus == CommitmentFulfilled:
			log.Warnf("commitment %d already processed", commIdx)
		}
	}

	// The window the node was obligated to fulfill in this block. Late
	// arrivals from prior windows don't consume fresh slots.
	totalNew := int64(len(txs)) - int64(res.reordered)
	endRange := startRange + totalNew + shift

	for idx := range processed {
		if idx < startRange || idx >= endRange {
			res.outOfRange++
		}
	}

	// Sweep: promises inside the window that the block did not keep.
	var omittedHashes [][]byte
	err = sqlutil.ForQueryRows(
		ctx, tx,
		`SELECT tx_hash FROM commitments
			WHERE node = $1 AND status = $2 AND idx >= $3 AND idx < $4
			ORDER BY idx LIMIT $5`,
		res.node, CommitmentPending, startRange, endRange, totalNew,
		func(hash []byte) {
			omittedHashes = append(omittedHashes, hash)
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "selecting omitted commitments for block %d", n)
	}
	for _, hash := range omittedHashes {
		if err := setCommitmentStatus(ctx, tx, res.node, hash, CommitmentOmitted); err != nil {
			return nil, err
		}
	}
	res.censored = len(omittedHashes)

	res.offset = offset + totalNew
	res.shift = shift + int64(res.outOfRange)
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO block_state (block_number, offset_index, shift_index) VALUES ($1, $2, $3)`,
		n, res.offset, res.shift,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "writing state for block %d", n)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO node_stats (node, reordered_count, censored_count, last_updated)
			VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
			ON CONFLICT (node) DO UPDATE SET
				reordered_count = node_stats.reordered_count + excluded.reordered_count,
				censored_count = node_stats.censored_count + excluded.censored_count,
				last_updated = CURRENT_TIMESTAMP`,
		res.node, res.reordered, res.censored,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "updating stats for node %s", res.node)
	}
	return res, nil
}

func setCommitmentStatus(ctx context.Context, tx *sql.Tx, node string, txHash []byte, status CommitmentStatus) error {
	_, err := tx.ExecContext(
		ctx,
		`UPDATE commitments SET status = $1 WHERE node = $2 AND tx_hash = $3`,
		status, node, txHash,
	)
	return errors.Wrapf(err, "setting commitment %x to %s", txHash, status)
}

// RunVerifier runs as a goroutine. It first replays stored blocks past
// the last verified one, then consumes live "block stored" signals from
// the ingestor until ctx is canceled. A transient store error while
// reading the resume point is retried with backoff rather than ending
// the loop; live signals must keep a consumer for the process lifetime.
func (v *Verifier) RunVerifier(ctx context.Context, r *multichan.R) {
	defer log.Info("verifier exiting")

	var (
		backlog []uint64
		b       net.Backoff
	)
	b.Base = time.Second
	for {
		last, err := v.store.LastVerifiedBlock(ctx)
		if err == nil {
			backlog = backlog[:0]
			err = sqlutil.ForQueryRows(
				ctx, v.store.db,
				`SELECT number FROM blocks WHERE number > $1 ORDER BY number`,
				last,
				func(n uint64) {
					backlog = append(backlog, n)
				},
			)
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		dur := b.Next()
		if dur > maxSourceBackoff {
			dur = maxSourceBackoff
		}
		log.Errorf("reading verifier resume point: %s, retrying in %s", err, dur)
		t := time.NewTimer(dur)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	for _, n := range backlog {
		if ctx.Err() != nil {
			return
		}
		if err := v.ProcessBlock(ctx, n); err != nil {
			// A gap in the backlog needs operator attention; stop replaying
			// and let live events proceed from here.
			log.Errorf("replaying block %d: %s", n, err)
			break
		}
	}

	for {
		got, ok := r.Read(ctx)
		if !ok {
			return
		}
		n := got.(uint64)
		if err := v.ProcessBlock(ctx, n); err != nil {
			log.Errorf("verifying block %d: %s", n, err)
		}
	}
}
