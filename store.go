package slasher

import (
	"context"
	"database/sql"

	"github.com/chain/txvm/errors"
)

const (
	dbVersionKey     = "dbVersion"
	currentDBVersion = "20"
	networkNameKey   = "network"
)

// Store is the durable home of transactions, commitments, blocks and
// per-node verification state. All mutations happen inside WithTx
// sessions; the store relies on transactional isolation, not in-process
// locks.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database, creates the schema if needed, and
// checks the dbVersion and network sentinels. A sentinel mismatch is a
// fatal startup condition for the caller.
func OpenStore(ctx context.Context, driver, dsn, networkName string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	s := &Store{db: db}
	if err := s.init(ctx, networkName); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("database is successfully started up")
	return s, nil
}

func (s *Store) init(ctx context.Context, networkName string) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return errors.Wrap(err, "creating db schema")
	}
	return s.checkSentinels(ctx, networkName)
}

// checkSentinels verifies the persisted schema version and network name,
// writing both on a fresh database.
func (s *Store) checkSentinels(ctx context.Context, networkName string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var version string
		err := tx.QueryRowContext(ctx, `SELECT value FROM auxiliary_data WHERE key = $1`, dbVersionKey).Scan(&version)
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO auxiliary_data (key, value) VALUES ($1, $2), ($3, $4)`,
				dbVersionKey, currentDBVersion, networkNameKey, networkName,
			)
			return errors.Wrap(err, "recording db sentinels")
		}
		if err != nil {
			return errors.Wrap(err, "reading db version")
		}

		var name string
		err = tx.QueryRowContext(ctx, `SELECT value FROM auxiliary_data WHERE key = $1`, networkNameKey).Scan(&name)
		if err != nil && err != sql.ErrNoRows {
			return errors.Wrap(err, "reading network name")
		}
		if name != networkName {
			return errors.Wrapf(ErrSchemaMismatch, "db network name mismatch: want %s, have %s", networkName, name)
		}
		if version != currentDBVersion {
			return errors.Wrapf(ErrSchemaMismatch, "db version mismatch: want %s, have %s", currentDBVersion, version)
		}
		return nil
	})
}

// ErrSchemaMismatch means the database belongs to another schema version
// or network and must not be used.
var ErrSchemaMismatch = errors.New("schema mismatch")

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. The transaction is released on all exit paths,
// including panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning db transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing db transaction")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasBlock reports whether block n is already stored.
func (s *Store) HasBlock(ctx context.Context, n uint64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE number = $1`, n).Scan(&count)
	return count > 0, errors.Wrapf(err, "checking for block %d", n)
}

// LastVerifiedBlock returns the highest block number with a state row,
// or zero when no block has been verified yet. State rows form a
// contiguous prefix, so the maximum is the resume point.
func (s *Store) LastVerifiedBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(block_number), 0) FROM block_state`).Scan(&n)
	return n, errors.Wrap(err, "reading last verified block")
}

// BlockState is the verifier's durable resume point after a block.
type BlockState struct {
	BlockNumber uint64
	OffsetIndex int64
	ShiftIndex  int64
}

// GetBlockState loads the state row for block n.
// It returns sql.ErrNoRows when the block has not been verified.
func (s *Store) GetBlockState(ctx context.Context, n uint64) (*BlockState, error) {
	st := &BlockState{BlockNumber: n}
	err := s.db.QueryRowContext(
		ctx,
		`SELECT offset_index, shift_index FROM block_state WHERE block_number = $1`,
		n,
	).Scan(&st.OffsetIndex, &st.ShiftIndex)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetCommitmentStatus returns the status of the (node, txHash) commitment.
// It returns sql.ErrNoRows when no such commitment exists.
func (s *Store) GetCommitmentStatus(ctx context.Context, node string, txHash []byte) (CommitmentStatus, error) {
	var status CommitmentStatus
	err := s.db.QueryRowContext(
		ctx,
		`SELECT status FROM commitments WHERE node = $1 AND tx_hash = $2`,
		node, txHash,
	).Scan(&status)
	return status, err
}

// GetTxStatus returns the status of a stored transaction.
func (s *Store) GetTxStatus(ctx context.Context, txHash []byte) (TxStatus, error) {
	var status TxStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE hash = $1`, txHash).Scan(&status)
	return status, err
}
