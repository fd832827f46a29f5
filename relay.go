package slasher

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/chain/txvm/errors"
)

// SendRawTransaction relays an eth_sendRawTransaction call to the
// validator and records the node's ordering commitment from the
// extended result {txHash, commitment, txIndex}. The validator's
// response body is echoed to the client unchanged.
func (p *Proxy) SendRawTransaction(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "reading request body: %s", err)
		return
	}

	var rpcReq struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &rpcReq); err != nil {
		httpErrf(w, http.StatusBadRequest, "parsing request body: %s", err)
		return
	}
	if rpcReq.Method != "eth_sendRawTransaction" {
		httpErrf(w, http.StatusBadRequest, "invalid method %q", rpcReq.Method)
		return
	}
	if len(rpcReq.Params) != 1 {
		httpErrf(w, http.StatusBadRequest, "invalid params: want a single raw transaction")
		return
	}

	respBody, err := p.Client.Forward(ctx, body)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "Error forwarding to validator: %s", err)
		return
	}

	var rpcResp struct {
		Error  *rpcError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		httpErrf(w, http.StatusBadRequest, "Invalid result format from validator")
		return
	}
	if rpcResp.Error != nil {
		relayRejected.Inc()
		httpErrf(w, http.StatusBadRequest, "Transaction rejected: %s", rpcResp.Error.Message)
		return
	}

	txHash, commitment, txIndex, err := parseCommitmentResult(rpcResp.Result)
	if err != nil {
		log.Errorf("validator result unusable: %s", err)
		httpErrf(w, http.StatusBadRequest, "Invalid result format from validator")
		return
	}

	var recorded bool
	err = p.Store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		recorded, err = recordCommitment(ctx, tx, p.NodeID, txHash, commitment, txIndex, body)
		return err
	})
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "recording commitment: %s", err)
		return
	}

	if recorded {
		relayedTxs.Inc()
		log.Infof("relayed transaction %x, commitment index %d", txHash, txIndex)
	} else {
		log.Infof("transaction %x already recorded, relayed only", txHash)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBody)
}

// parseCommitmentResult enforces the extended validator reply contract.
func parseCommitmentResult(result json.RawMessage) (txHash, commitment []byte, txIndex int64, err error) {
	var parsed struct {
		TxHash     string `json:"txHash"`
		Commitment string `json:"commitment"`
		TxIndex    *int64 `json:"txIndex"`
	}
	if err = json.Unmarshal(result, &parsed); err != nil {
		return nil, nil, 0, errors.Wrap(err, "parsing result")
	}
	if parsed.TxHash == "" || parsed.Commitment == "" || parsed.TxIndex == nil {
		return nil, nil, 0, errors.New("result is missing txHash, commitment or txIndex")
	}
	txHash, err = hex.DecodeString(strings.TrimPrefix(parsed.TxHash, "0x"))
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "decoding txHash")
	}
	commitment, err = hex.DecodeString(strings.TrimPrefix(parsed.Commitment, "0x"))
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "decoding commitment")
	}
	return txHash, commitment, *parsed.TxIndex, nil
}

// recordCommitment stores the submitted transaction, its PENDING
// commitment and the node's submission counter in the caller's session.
// A resubmission of an already-committed transaction is recognized by
// the conflicting insert and leaves the counter alone, keeping
// total_transactions equal to the node's commitment row count.
func recordCommitment(ctx context.Context, tx *sql.Tx, node string, txHash, commitment []byte, txIndex int64, rawContent []byte) (recorded bool, err error) {
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO transactions (hash, status, raw_content) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		txHash, TxSubmitted, rawContent,
	)
	if err != nil {
		return false, errors.Wrapf(err, "inserting transaction %x", txHash)
	}
	execRes, err := tx.ExecContext(
		ctx,
		`INSERT INTO commitments (node, tx_hash, idx, accumulator, status) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
		node, txHash, txIndex, commitment, CommitmentPending,
	)
	if err != nil {
		return false, errors.Wrapf(err, "inserting commitment for %x", txHash)
	}
	inserted, err := execRes.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "counting inserted commitments for %x", txHash)
	}
	if inserted == 0 {
		return false, nil
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO node_stats (node, total_transactions, last_updated) VALUES ($1, 1, CURRENT_TIMESTAMP)
			ON CONFLICT (node) DO UPDATE SET
				total_transactions = node_stats.total_transactions + 1,
				last_updated = CURRENT_TIMESTAMP`,
		node,
	)
	return true, errors.Wrapf(err, "updating stats for node %s", node)
}
