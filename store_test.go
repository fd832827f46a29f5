package slasher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/chain/txvm/errors"
	_ "github.com/mattn/go-sqlite3"
)

// withTestStore runs fn against a fresh in-memory store. The database
// is named after the test so shared-cache connections of one test never
// see another's data.
func withTestStore(t *testing.T, fn func(ctx context.Context, s *Store)) {
	t.Helper()
	ctx := context.Background()
	s, err := OpenStore(ctx, "sqlite3", testDSN(t.Name()), "testnet")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.db.SetMaxOpenConns(1)
	fn(ctx, s)
}

func testDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(name, "/", "_"))
}

func TestOpenStoreSentinels(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		// Reopening with the same network succeeds against the recorded
		// sentinels.
		again, err := OpenStore(ctx, "sqlite3", testDSN(t.Name()), "testnet")
		if err != nil {
			t.Fatal(err)
		}
		again.Close()

		// A different network name must refuse to start.
		_, err = OpenStore(ctx, "sqlite3", testDSN(t.Name()), "othernet")
		if errors.Root(err) != ErrSchemaMismatch {
			t.Errorf("got error %v, want ErrSchemaMismatch", err)
		}
	})
}

func TestWithTxRollback(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO blocks (number, hash, node_id) VALUES (1, $1, 'nodeA')`, []byte("h1"))
			if err != nil {
				return err
			}
			return boom
		})
		if errors.Root(err) != boom {
			t.Fatalf("got error %v, want boom", err)
		}
		have, err := s.HasBlock(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if have {
			t.Error("block 1 persisted despite rollback")
		}
	})
}

func TestLastVerifiedBlock(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		n, err := s.LastVerifiedBlock(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("got resume point %d on empty store, want 0", n)
		}

		err = s.WithTx(ctx, func(tx *sql.Tx) error {
			for _, b := range []uint64{1, 2, 3} {
				_, err := tx.ExecContext(
					ctx,
					`INSERT INTO block_state (block_number, offset_index, shift_index) VALUES ($1, 0, 0)`,
					b,
				)
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		n, err = s.LastVerifiedBlock(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Errorf("got resume point %d, want 3", n)
		}
	})
}

func TestGetBlockStateMissing(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		_, err := s.GetBlockState(ctx, 7)
		if err != sql.ErrNoRows {
			t.Errorf("got %v, want sql.ErrNoRows", err)
		}
	})
}
