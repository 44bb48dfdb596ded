package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/voucher"
)

var testChannel = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, zap.NewNop())
}

func wantBalance(t *testing.T, l *Ledger, credit, pending int64) {
	t.Helper()
	gotCredit, gotPending, err := l.Balance(context.Background(), testChannel)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if gotCredit.Int64() != credit {
		t.Errorf("credit: got %s want %d", gotCredit, credit)
	}
	if gotPending.Int64() != pending {
		t.Errorf("pending: got %s want %d", gotPending, pending)
	}
}

// ── Reserve / Release ──────────────────────────────────────────────────────

func TestReserve_InsufficientOnEmptyChannel(t *testing.T) {
	l := newTestLedger(t)

	err := l.Reserve(context.Background(), testChannel, big.NewInt(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestReserve_RejectsNonPositiveAmounts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	// A negative hold would pass the availability check on any channel and
	// then mint funds on release; zero is equally meaningless.
	if err := l.Reserve(ctx, testChannel, big.NewInt(-50)); err == nil {
		t.Fatal("expected error for negative reserve")
	}
	if err := l.Reserve(ctx, testChannel, big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero reserve")
	}
	wantBalance(t, l, 100, 0)
}

func TestReserve_AgainstAvailableNotCredit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatalf("CreditIncrease: %v", err)
	}
	if err := l.Reserve(ctx, testChannel, big.NewInt(70)); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	// Credit is 100 but only 30 is available.
	err := l.Reserve(ctx, testChannel, big.NewInt(40))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	wantBalance(t, l, 100, 70)
}

func TestRelease_RestoresAvailable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, testChannel, big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, testChannel, big.NewInt(60)); err != nil {
		t.Fatalf("Release: %v", err)
	}
	wantBalance(t, l, 100, 0)

	if err := l.Reserve(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestRelease_DoubleReleaseClampsAtZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, testChannel, big.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, testChannel, big.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, testChannel, big.NewInt(40)); err != nil {
		t.Fatalf("double Release must not fail: %v", err)
	}
	wantBalance(t, l, 100, 0)
}

// ── Reconcile / Settle ─────────────────────────────────────────────────────

func TestReserveReconcileSettle_FullLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(1000)); err != nil {
		t.Fatal(err)
	}

	// Admit at the ceiling, reconcile down to the real cost.
	if err := l.Reserve(ctx, testChannel, big.NewInt(300)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reconcile(ctx, testChannel, big.NewInt(300), big.NewInt(120)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	wantBalance(t, l, 1000, 120)

	// On-chain redemption confirmed.
	if err := l.Settle(ctx, testChannel, big.NewInt(120)); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	wantBalance(t, l, 880, 0)
}

func TestReconcile_ActualEqualsReserved(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, testChannel, big.NewInt(200)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reconcile(ctx, testChannel, big.NewInt(200), big.NewInt(200)); err != nil {
		t.Fatal(err)
	}
	wantBalance(t, l, 500, 200)
}

func TestSettle_ClampsInsteadOfGoingNegative(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(50)); err != nil {
		t.Fatal(err)
	}
	if err := l.Settle(ctx, testChannel, big.NewInt(80)); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	wantBalance(t, l, 0, 0)
}

// ── CreditIncrease ─────────────────────────────────────────────────────────

func TestCreditIncrease_CreatesRow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	wantBalance(t, l, 0, 0)
	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(42)); err != nil {
		t.Fatal(err)
	}
	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(8)); err != nil {
		t.Fatal(err)
	}
	wantBalance(t, l, 50, 0)
}

func TestCreditIncrease_WeiScaleAmounts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// 5000 POL in wei overflows int64; the ledger must carry it exactly.
	amount, _ := new(big.Int).SetString("5000000000000000000000", 10)
	if err := l.CreditIncrease(ctx, testChannel, amount); err != nil {
		t.Fatal(err)
	}
	credit, _, err := l.Balance(ctx, testChannel)
	if err != nil {
		t.Fatal(err)
	}
	if credit.Cmp(amount) != 0 {
		t.Fatalf("credit: got %s want %s", credit, amount)
	}
}

// ── Concurrency ────────────────────────────────────────────────────────────

func TestReserve_ConcurrentNeverOversubscribes(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	// 10 workers race to reserve 30 each against 100 available. At most 3
	// can win regardless of interleaving.
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, testChannel, big.NewInt(30)); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won > 3 {
		t.Fatalf("%d reservations won, max affordable is 3", won)
	}
	_, pending, err := l.Balance(ctx, testChannel)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(won) * 30; pending.Int64() != want {
		t.Fatalf("pending: got %s want %d", pending, want)
	}
}

// ── Reservation markers ────────────────────────────────────────────────────

func TestSweepStaleReservations(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, zap.NewNop())
	ctx := context.Background()

	if err := l.CreditIncrease(ctx, testChannel, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, testChannel, big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkReservation(ctx, testChannel, big.NewInt(7), big.NewInt(60)); err != nil {
		t.Fatal(err)
	}

	// Fresh marker: nothing to sweep.
	swept, err := l.SweepStaleReservations(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStaleReservations: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept %d fresh reservations", swept)
	}

	// The claim a crashed request left behind, keyed like the authority's.
	nonceKey := fmt.Sprintf(voucher.NonceKeyFmt, testChannel.Hex(), "7")
	if err := rdb.Set(ctx, nonceKey, 1, 0).Err(); err != nil {
		t.Fatal(err)
	}

	// Backdate the marker past the bound and sweep again.
	key := reservationKey(testChannel, big.NewInt(7))
	rdb.HSet(ctx, key, "created_at", time.Now().Add(-2*time.Hour).Unix())

	swept, err = l.SweepStaleReservations(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept %d, want 1", swept)
	}
	wantBalance(t, l, 100, 0)

	if n, _ := rdb.Exists(ctx, key).Result(); n != 0 {
		t.Fatal("swept reservation marker should be deleted")
	}
	if n, _ := rdb.Exists(ctx, nonceKey).Result(); n != 0 {
		t.Fatal("sweep must return the nonce along with the funds")
	}
}

func TestClearReservation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, zap.NewNop())
	ctx := context.Background()

	if err := l.MarkReservation(ctx, testChannel, big.NewInt(3), big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	if err := l.ClearReservation(ctx, testChannel, big.NewInt(3)); err != nil {
		t.Fatal(err)
	}

	swept, err := l.SweepStaleReservations(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 0 {
		t.Fatal("cleared reservation must not be sweepable")
	}
}
