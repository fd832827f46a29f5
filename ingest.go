package slasher

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bobg/multichan"
	"github.com/chain/txvm/errors"
)

// BlockEvent announces that a block is available. Payload, when present,
// carries the push notification's full result object and is used in
// place of an RPC fetch; header-only notifications leave it nil.
type BlockEvent struct {
	Number  uint64
	Payload json.RawMessage
}

// Ingestor stores blocks delivered by the active event source and
// broadcasts the number of every durably stored block to the verifier.
type Ingestor struct {
	store  *Store
	client *ValidatorClient
	nodeID string
	w      *multichan.W
}

// NewIngestor returns an ingestor attributing blocks to nodeID.
func NewIngestor(store *Store, client *ValidatorClient, nodeID string) *Ingestor {
	return &Ingestor{
		store:  store,
		client: client,
		nodeID: nodeID,
		w:      multichan.New(uint64(0)),
	}
}

// BlockReader returns a new reader of "block stored" signals.
func (ing *Ingestor) BlockReader() *multichan.R {
	return ing.w.Reader()
}

// Run consumes block events until ctx is canceled or events is closed.
func (ing *Ingestor) Run(ctx context.Context, events <-chan BlockEvent) {
	defer log.Info("ingestor exiting")
	defer ing.w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ing.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent ingests one block event. Malformed blocks are logged and
// skipped with no partial state; stored blocks are signaled downstream.
func (ing *Ingestor) HandleEvent(ctx context.Context, ev BlockEvent) {
	if err := ing.ingest(ctx, ev); err != nil {
		log.Errorf("ingesting block %d: %s", ev.Number, err)
		return
	}
	ing.w.Write(ev.Number)
}

func (ing *Ingestor) ingest(ctx context.Context, ev BlockEvent) error {
	// Re-delivery of a stored block is a no-op; the verifier still gets
	// the signal and skips on its own if the block was processed.
	have, err := ing.store.HasBlock(ctx, ev.Number)
	if err != nil {
		return err
	}
	if have {
		return nil
	}

	result := ev.Payload
	if result == nil {
		result, err = ing.client.GetBlockByNumber(ctx, ev.Number)
		if err != nil {
			return err
		}
	}
	pb, err := parseBlock(result)
	if err != nil {
		return err
	}

	err = ing.store.WithTx(ctx, func(tx *sql.Tx) error {
		return saveBlock(ctx, tx, pb, ing.nodeID)
	})
	if err != nil {
		return errors.Wrapf(err, "storing block %d", pb.Number)
	}
	blocksIngested.Inc()
	log.Infof("block %d stored with %d transactions", pb.Number, len(pb.Txs))
	return nil
}

// parsedBlock is the canonical form of an eth_getBlockByNumber result.
type parsedBlock struct {
	Number uint64
	Hash   []byte
	Txs    []parsedTx
}

type parsedTx struct {
	Hash  []byte
	From  string
	Nonce uint64
}

// parseBlock canonicalizes a raw block object. A missing hash or number
// or a non-list transactions field makes the whole block malformed.
func parseBlock(result json.RawMessage) (*parsedBlock, error) {
	var raw struct {
		Hash         string            `json:"hash"`
		Number       string            `json:"number"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, errors.Wrap(err, "malformed block json")
	}
	if raw.Hash == "" {
		return nil, errors.New("malformed block: hash is required")
	}
	if raw.Number == "" {
		return nil, errors.New("malformed block: number is required")
	}

	hash, err := flexBytes(raw.Hash)
	if err != nil {
		return nil, errors.Wrap(err, "malformed block hash")
	}
	number, err := strconv.ParseUint(strings.TrimPrefix(raw.Number, "0x"), 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "malformed block number")
	}

	pb := &parsedBlock{Number: number, Hash: hash}
	for i, rawTx := range raw.Transactions {
		var tx struct {
			Hash  string `json:"hash"`
			From  string `json:"from"`
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(rawTx, &tx); err != nil || tx.Hash == "" {
			log.Warnf("invalid transaction at position %d of block %d", i+1, number)
			continue
		}
		txHash, err := flexBytes(tx.Hash)
		if err != nil {
			log.Warnf("invalid transaction hash at position %d of block %d", i+1, number)
			continue
		}
		var nonce uint64
		if tx.Nonce != "" {
			nonce, _ = strconv.ParseUint(strings.TrimPrefix(tx.Nonce, "0x"), 16, 64)
		}
		pb.Txs = append(pb.Txs, parsedTx{Hash: txHash, From: tx.From, Nonce: nonce})
	}
	return pb, nil
}

// saveBlock upserts the block row and its ordered transactions in the
// caller's session. Positions are 1-based.
func saveBlock(ctx context.Context, tx *sql.Tx, pb *parsedBlock, nodeID string) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO blocks (number, hash, node_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		pb.Number, pb.Hash, nodeID,
	)
	if err != nil {
		return errors.Wrap(err, "inserting block")
	}
	for i, ptx := range pb.Txs {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO transactions (hash, from_address, nonce) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			ptx.Hash, ptx.From, ptx.Nonce,
		)
		if err != nil {
			return errors.Wrapf(err, "inserting transaction %x", ptx.Hash)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO block_transactions (block_number, tx_hash, ord) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			pb.Number, ptx.Hash, i+1,
		)
		if err != nil {
			return errors.Wrapf(err, "inserting block transaction %x", ptx.Hash)
		}
	}
	return nil
}

// flexBytes decodes a 0x-prefixed hex string to raw bytes; a string
// without the prefix is taken literally. Chains that report non-hex
// identifiers still round-trip through the byte columns this way.
func flexBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		return hex.DecodeString(s[2:])
	}
	return []byte(s), nil
}
