package slasher

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/bobg/sqlutil"
)

// Read-only JSON enumerations of the underlying tables.
// These never open sessions; they read with the pool directly.

type txRecord struct {
	Hash     string `json:"hash"`
	Status   string `json:"status"`
	From     string `json:"from_address"`
	Nonce    uint64 `json:"nonce"`
	Replaces string `json:"replaces,omitempty"`
}

func (p *Proxy) DashboardTransactions(w http.ResponseWriter, req *http.Request) {
	var txs []txRecord
	err := sqlutil.ForQueryRows(
		req.Context(), p.Store.db,
		`SELECT hash, status, from_address, nonce, COALESCE(replaces, '') FROM transactions ORDER BY created_at`,
		func(hash []byte, status TxStatus, from string, nonce uint64, replaces []byte) {
			txs = append(txs, txRecord{
				Hash:     hexString(hash),
				Status:   status.String(),
				From:     from,
				Nonce:    nonce,
				Replaces: hexString(replaces),
			})
		},
	)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "listing transactions: %s", err)
		return
	}
	writeJSON(w, map[string]interface{}{"transactions": txs})
}

type commitmentRecord struct {
	Node        string `json:"node"`
	TxHash      string `json:"tx_hash"`
	Index       int64  `json:"index"`
	Accumulator string `json:"accumulator,omitempty"`
	Status      string `json:"status"`
}

func (p *Proxy) DashboardCommitments(w http.ResponseWriter, req *http.Request) {
	var comms []commitmentRecord
	err := sqlutil.ForQueryRows(
		req.Context(), p.Store.db,
		`SELECT node, tx_hash, idx, COALESCE(accumulator, ''), status FROM commitments ORDER BY node, idx`,
		func(node string, txHash []byte, idx int64, accumulator []byte, status CommitmentStatus) {
			comms = append(comms, commitmentRecord{
				Node:        node,
				TxHash:      hexString(txHash),
				Index:       idx,
				Accumulator: hexString(accumulator),
				Status:      status.String(),
			})
		},
	)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "listing commitments: %s", err)
		return
	}
	writeJSON(w, map[string]interface{}{"commitments": comms})
}

type blockRecord struct {
	Number  uint64 `json:"number"`
	Hash    string `json:"hash"`
	NodeID  string `json:"node_id"`
	TxCount int64  `json:"tx_count"`
}

func (p *Proxy) DashboardBlocks(w http.ResponseWriter, req *http.Request) {
	var blocks []blockRecord
	err := sqlutil.ForQueryRows(
		req.Context(), p.Store.db,
		`SELECT number, hash, node_id,
				(SELECT COUNT(*) FROM block_transactions bt WHERE bt.block_number = blocks.number)
			FROM blocks ORDER BY number`,
		func(number uint64, hash []byte, nodeID string, txCount int64) {
			blocks = append(blocks, blockRecord{
				Number:  number,
				Hash:    hexString(hash),
				NodeID:  nodeID,
				TxCount: txCount,
			})
		},
	)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "listing blocks: %s", err)
		return
	}
	writeJSON(w, map[string]interface{}{"blocks": blocks})
}

type nodeStatsRecord struct {
	Node              string `json:"node"`
	TotalTransactions int64  `json:"total_transactions"`
	ReorderedCount    int64  `json:"reordered_count"`
	CensoredCount     int64  `json:"censored_count"`
}

func (p *Proxy) DashboardNodeStats(w http.ResponseWriter, req *http.Request) {
	var stats []nodeStatsRecord
	err := sqlutil.ForQueryRows(
		req.Context(), p.Store.db,
		`SELECT node, total_transactions, reordered_count, censored_count FROM node_stats ORDER BY node`,
		func(node string, total, reordered, censored int64) {
			stats = append(stats, nodeStatsRecord{
				Node:              node,
				TotalTransactions: total,
				ReorderedCount:    reordered,
				CensoredCount:     censored,
			})
		},
	)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "listing node stats: %s", err)
		return
	}
	writeJSON(w, map[string]interface{}{"node_stats": stats})
}

func hexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("sending response: %s", err)
	}
}
