package slasher

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/chain/txvm/errors"
)

func createTestBlock(ctx context.Context, t *testing.T, s *Store, number uint64, node string, txHashes ...[]byte) {
	t.Helper()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO blocks (number, hash, node_id) VALUES ($1, $2, $3)`,
			number, []byte("block"+strconv.FormatUint(number, 10)), node,
		)
		if err != nil {
			return err
		}
		for i, hash := range txHashes {
			_, err = tx.ExecContext(ctx, `INSERT INTO transactions (hash) VALUES ($1) ON CONFLICT DO NOTHING`, hash)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO block_transactions (block_number, tx_hash, ord) VALUES ($1, $2, $3)`,
				number, hash, i+1,
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
}

func createTestCommitment(ctx context.Context, t *testing.T, s *Store, node string, idx int64, txHash []byte, status CommitmentStatus) {
	t.Helper()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO transactions (hash) VALUES ($1) ON CONFLICT DO NOTHING`, txHash)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO commitments (node, tx_hash, idx, status) VALUES ($1, $2, $3, $4)`,
			node, txHash, idx, status,
		)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func createTestTransaction(ctx context.Context, t *testing.T, s *Store, hash []byte, from string, nonce uint64, replaces []byte) {
	t.Helper()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO transactions (hash, from_address, nonce, replaces) VALUES ($1, $2, $3, $4)`,
			hash, from, nonce, replaces,
		)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func wantCommitmentStatus(ctx context.Context, t *testing.T, s *Store, node string, txHash []byte, want CommitmentStatus) {
	t.Helper()
	got, err := s.GetCommitmentStatus(ctx, node, txHash)
	if err != nil {
		t.Fatalf("commitment for %s: %s", txHash, err)
	}
	if got != want {
		t.Errorf("commitment for %s is %s, want %s", txHash, got, want)
	}
}

func wantBlockState(ctx context.Context, t *testing.T, s *Store, n uint64, offset, shift int64) {
	t.Helper()
	st, err := s.GetBlockState(ctx, n)
	if err != nil {
		t.Fatalf("state for block %d: %s", n, err)
	}
	if st.OffsetIndex != offset || st.ShiftIndex != shift {
		t.Errorf("block %d state is (%d, %d), want (%d, %d)", n, st.OffsetIndex, st.ShiftIndex, offset, shift)
	}
}

func getNodeStats(ctx context.Context, t *testing.T, s *Store, node string) (reordered, censored int64) {
	t.Helper()
	err := s.db.QueryRowContext(
		ctx,
		`SELECT reordered_count, censored_count FROM node_stats WHERE node = $1`,
		node,
	).Scan(&reordered, &censored)
	if err != nil {
		t.Fatalf("stats for %s: %s", node, err)
	}
	return reordered, censored
}

func TestVerifySunnyDay(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		createTestBlock(ctx, t, s, 1, "nodeA", []byte("abcdef"), []byte("123456"), []byte("deadbe"))
		createTestCommitment(ctx, t, s, "nodeA", 1, []byte("abcdef"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeA", 2, []byte("123456"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeA", 3, []byte("deadbe"), CommitmentPending)

		if err := NewVerifier(s).ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}

		for _, hash := range [][]byte{[]byte("abcdef"), []byte("123456"), []byte("deadbe")} {
			wantCommitmentStatus(ctx, t, s, "nodeA", hash, CommitmentFulfilled)
		}
		wantBlockState(ctx, t, s, 1, 3, 0)
	})
}

func TestVerifyEmptyBlock(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		createTestBlock(ctx, t, s, 1, "nodeX")
		if err := NewVerifier(s).ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}
		wantBlockState(ctx, t, s, 1, 0, 0)
	})
}

// An empty block must carry the previous state forward untouched.
func TestVerifyEmptyBlockKeepsState(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		v := NewVerifier(s)
		createTestBlock(ctx, t, s, 1, "nodeX", []byte("111111"))
		createTestCommitment(ctx, t, s, "nodeX", 1, []byte("111111"), CommitmentPending)
		if err := v.ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}
		createTestBlock(ctx, t, s, 2, "nodeX")
		if err := v.ProcessBlock(ctx, 2); err != nil {
			t.Fatal(err)
		}
		wantBlockState(ctx, t, s, 2, 1, 0)
	})
}

func TestVerifyMissingCommitment(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		createTestBlock(ctx, t, s, 1, "nodeB", []byte("ZZZZ"), []byte("111111"))
		createTestCommitment(ctx, t, s, "nodeB", 2, []byte("111111"), CommitmentPending)

		if err := NewVerifier(s).ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}

		wantCommitmentStatus(ctx, t, s, "nodeB", []byte("111111"), CommitmentFulfilled)
		wantCommitmentStatus(ctx, t, s, "nodeB", []byte("ZZZZ"), CommitmentUnexpected)

		var idx int64
		err := s.db.QueryRowContext(
			ctx,
			`SELECT idx FROM commitments WHERE node = 'nodeB' AND tx_hash = $1`,
			[]byte("ZZZZ"),
		).Scan(&idx)
		if err != nil {
			t.Fatal(err)
		}
		if idx != 1 {
			t.Errorf("unexpected commitment got index %d, want 1", idx)
		}
		wantBlockState(ctx, t, s, 1, 2, 0)
	})
}

func TestVerifyBlockNotFound(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		err := NewVerifier(s).ProcessBlock(ctx, 999)
		if errors.Root(err) != ErrBlockNotFound {
			t.Fatalf("got %v, want ErrBlockNotFound", err)
		}
		if _, err := s.GetBlockState(ctx, 999); err != sql.ErrNoRows {
			t.Errorf("state for block 999 written despite error")
		}
	})
}

func TestVerifyPrevStateMissing(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		createTestBlock(ctx, t, s, 2, "nodeC", []byte("222222"))
		err := NewVerifier(s).ProcessBlock(ctx, 2)
		if errors.Root(err) != ErrPrevStateMissing {
			t.Fatalf("got %v, want ErrPrevStateMissing", err)
		}
		if _, err := s.GetBlockState(ctx, 2); err != sql.ErrNoRows {
			t.Errorf("state for block 2 written despite error")
		}
	})
}

// A node omits a promised transaction, delivers it a block late, and
// includes one transaction it never promised. Offsets and shifts must
// track the slack across three blocks.
func TestVerifyOmissionThenReorder(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		v := NewVerifier(s)

		createTestBlock(ctx, t, s, 1, "nodeF", []byte("aaaaaa"), []byte("bbbbbb"))
		createTestCommitment(ctx, t, s, "nodeF", 1, []byte("aaaaaa"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeF", 2, []byte("bbbbbb"), CommitmentPending)
		if err := v.ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("aaaaaa"), CommitmentFulfilled)
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("bbbbbb"), CommitmentFulfilled)
		wantBlockState(ctx, t, s, 1, 2, 0)

		// Block 2 skips cccccc (index 3) and jumps ahead to dddddd
		// (index 4): the fulfillment lands outside the window, widening
		// it by one, and cccccc is swept to omitted.
		createTestCommitment(ctx, t, s, "nodeF", 3, []byte("cccccc"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeF", 4, []byte("dddddd"), CommitmentPending)
		createTestBlock(ctx, t, s, 2, "nodeF", []byte("dddddd"))
		if err := v.ProcessBlock(ctx, 2); err != nil {
			t.Fatal(err)
		}
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("cccccc"), CommitmentOmitted)
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("dddddd"), CommitmentFulfilled)
		wantBlockState(ctx, t, s, 2, 3, 1)

		reordered, censored := getNodeStats(ctx, t, s, "nodeF")
		if reordered != 0 || censored != 1 {
			t.Errorf("stats after block 2 are (%d, %d), want (0, 1)", reordered, censored)
		}

		// Block 3 delivers cccccc late (reordered), fulfills eeeeee,
		// includes an unpromised ffffaq, and omits ffffff.
		createTestCommitment(ctx, t, s, "nodeF", 5, []byte("eeeeee"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeF", 6, []byte("ffffff"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeF", 7, []byte("fffff2"), CommitmentPending)
		createTestBlock(ctx, t, s, 3, "nodeF", []byte("eeeeee"), []byte("cccccc"), []byte("ffffaq"))
		if err := v.ProcessBlock(ctx, 3); err != nil {
			t.Fatal(err)
		}
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("cccccc"), CommitmentReordered)
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("eeeeee"), CommitmentFulfilled)
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("ffffaq"), CommitmentUnexpected)
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("ffffff"), CommitmentOmitted)
		wantCommitmentStatus(ctx, t, s, "nodeF", []byte("fffff2"), CommitmentPending)
		wantBlockState(ctx, t, s, 3, 5, 1)

		reordered, censored = getNodeStats(ctx, t, s, "nodeF")
		if reordered != 1 || censored != 2 {
			t.Errorf("stats after block 3 are (%d, %d), want (1, 2)", reordered, censored)
		}
	})
}

// A pending commitment past the window's end is not swept.
func TestVerifyExtraPendingOutsideWindow(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		v := NewVerifier(s)
		createTestBlock(ctx, t, s, 1, "nodeE", []byte("111111"))
		createTestCommitment(ctx, t, s, "nodeE", 1, []byte("111111"), CommitmentPending)
		if err := v.ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}
		wantBlockState(ctx, t, s, 1, 1, 0)

		createTestBlock(ctx, t, s, 2, "nodeE", []byte("222222"), []byte("333333"))
		createTestCommitment(ctx, t, s, "nodeE", 2, []byte("222222"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeE", 3, []byte("333333"), CommitmentPending)
		createTestCommitment(ctx, t, s, "nodeE", 4, []byte("444444"), CommitmentPending)
		if err := v.ProcessBlock(ctx, 2); err != nil {
			t.Fatal(err)
		}

		wantCommitmentStatus(ctx, t, s, "nodeE", []byte("222222"), CommitmentFulfilled)
		wantCommitmentStatus(ctx, t, s, "nodeE", []byte("333333"), CommitmentFulfilled)
		wantCommitmentStatus(ctx, t, s, "nodeE", []byte("444444"), CommitmentPending)
		wantBlockState(ctx, t, s, 2, 3, 0)
	})
}

func TestVerifyReplacementRevocation(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		createTestCommitment(ctx, t, s, "nodeC", 1, []byte("oldtx"), CommitmentPending)
		createTestTransaction(ctx, t, s, []byte("newtx"), "dummy", 1, []byte("oldtx"))
		createTestBlock(ctx, t, s, 1, "nodeC", []byte("newtx"))

		if err := NewVerifier(s).ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}

		status, err := s.GetTxStatus(ctx, []byte("newtx"))
		if err != nil {
			t.Fatal(err)
		}
		if status != TxInBlock {
			t.Errorf("newtx status is %s, want in_block", status)
		}
		wantCommitmentStatus(ctx, t, s, "nodeC", []byte("newtx"), CommitmentUnexpected)
		wantCommitmentStatus(ctx, t, s, "nodeC", []byte("oldtx"), CommitmentRevoked)
	})
}

// The verifier replays stored but unverified blocks at startup, then
// follows live ingest signals.
func TestRunVerifierBacklogAndLive(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		createTestBlock(ctx, t, s, 1, "nodeA", []byte("aaaaaa"))
		createTestCommitment(ctx, t, s, "nodeA", 1, []byte("aaaaaa"), CommitmentPending)
		createTestBlock(ctx, t, s, 2, "nodeA", []byte("bbbbbb"))
		createTestCommitment(ctx, t, s, "nodeA", 2, []byte("bbbbbb"), CommitmentPending)

		ing := NewIngestor(s, nil, "nodeA")
		r := ing.BlockReader()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		go func() {
			NewVerifier(s).RunVerifier(runCtx, r)
			close(done)
		}()

		waitForBlockState(ctx, t, s, 2)
		wantBlockState(ctx, t, s, 1, 1, 0)
		wantBlockState(ctx, t, s, 2, 2, 0)

		// A live signal after the backlog drains.
		createTestBlock(ctx, t, s, 3, "nodeA", []byte("cccccc"))
		createTestCommitment(ctx, t, s, "nodeA", 3, []byte("cccccc"), CommitmentPending)
		ing.HandleEvent(ctx, BlockEvent{Number: 3, Payload: json.RawMessage(`{}`)})

		waitForBlockState(ctx, t, s, 3)
		wantBlockState(ctx, t, s, 3, 3, 0)

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("verifier did not exit on cancellation")
		}
	})
}

// A store error while reading the resume point must not end the
// verifier; it retries until canceled.
func TestRunVerifierRetriesResumePoint(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		ing := NewIngestor(s, nil, "nodeA")
		r := ing.BlockReader()

		s.db.Close()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		go func() {
			NewVerifier(s).RunVerifier(runCtx, r)
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("verifier gave up on a store error")
		case <-time.After(200 * time.Millisecond):
		}

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("verifier did not exit on cancellation")
		}
	})
}

func waitForBlockState(ctx context.Context, t *testing.T, s *Store, n uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.GetBlockState(ctx, n); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("block %d never verified", n)
}

// Reprocessing a verified block must mutate nothing.
func TestVerifyIdempotent(t *testing.T) {
	withTestStore(t, func(ctx context.Context, s *Store) {
		v := NewVerifier(s)
		createTestBlock(ctx, t, s, 1, "nodeD", []byte("abc123"))
		createTestCommitment(ctx, t, s, "nodeD", 1, []byte("abc123"), CommitmentPending)
		if err := v.ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}
		_, censored := getNodeStats(ctx, t, s, "nodeD")

		if err := v.ProcessBlock(ctx, 1); err != nil {
			t.Fatal(err)
		}
		wantBlockState(ctx, t, s, 1, 1, 0)
		_, censoredAgain := getNodeStats(ctx, t, s, "nodeD")
		if censoredAgain != censored {
			t.Errorf("reprocessing changed censored count %d -> %d", censored, censoredAgain)
		}
	})
}
