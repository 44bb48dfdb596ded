// Package ledger keeps the off-chain mirror of each channel's spendable
// funds: credit (deposits minus settled redemptions) and pending (outstanding
// reservations). Admission decisions may only use available = credit - pending.
//
// Every mutation is a single optimistic transaction over the channel's balance
// row, so operations on the same channel are linearized while channels never
// share a lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/voucher"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

const (
	balanceKeyFmt     = "balance:%s"        // %s = channel (checksummed)
	reservationKeyFmt = "reservation:%s:%s" // %s = channel, nonce
	reservationPrefix = "reservation:"

	maxTxRetries = 16
)

type Ledger struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, log: log}
}

func balanceKey(channel common.Address) string {
	return fmt.Sprintf(balanceKeyFmt, channel.Hex())
}

func reservationKey(channel common.Address, nonce *big.Int) string {
	return fmt.Sprintf(reservationKeyFmt, channel.Hex(), nonce.String())
}

// withBalance runs fn inside a WATCH transaction on the channel's balance row
// and commits the returned credit/pending pair. A nil return from fn leaves
// the row untouched. Conflicting writers are retried.
func (l *Ledger) withBalance(
	ctx context.Context,
	channel common.Address,
	fn func(credit, pending *big.Int) (*big.Int, *big.Int, error),
) error {
	key := balanceKey(channel)
	txf := func(tx *redis.Tx) error {
		credit, pending, err := readBalance(ctx, tx, key)
		if err != nil {
			return err
		}
		newCredit, newPending, err := fn(credit, pending)
		if err != nil {
			return err
		}
		if newCredit == nil && newPending == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newCredit != nil {
				pipe.HSet(ctx, key, "credit", newCredit.String())
			}
			if newPending != nil {
				pipe.HSet(ctx, key, "pending", newPending.String())
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("balance row %s: too many write conflicts", key)
}

func readBalance(ctx context.Context, tx *redis.Tx, key string) (credit, pending *big.Int, err error) {
	vals, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read balance row: %w", err)
	}
	return parseBalance(vals)
}

func parseBalance(vals map[string]string) (credit, pending *big.Int, err error) {
	credit, pending = new(big.Int), new(big.Int)
	if raw, ok := vals["credit"]; ok {
		if _, ok := credit.SetString(raw, 10); !ok {
			return nil, nil, fmt.Errorf("corrupt credit value %q", raw)
		}
	}
	if raw, ok := vals["pending"]; ok {
		if _, ok := pending.SetString(raw, 10); !ok {
			return nil, nil, fmt.Errorf("corrupt pending value %q", raw)
		}
	}
	return credit, pending, nil
}

// Reserve places a hold of amount against the channel's available balance.
// Amount must be positive: a zero or negative hold would let the admission
// check pass vacuously and drive pending below zero on release.
func (l *Ledger) Reserve(ctx context.Context, channel common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %s", amount)
	}
	return l.withBalance(ctx, channel, func(credit, pending *big.Int) (*big.Int, *big.Int, error) {
		available := new(big.Int).Sub(credit, pending)
		if available.Cmp(amount) < 0 {
			return nil, nil, ErrInsufficientBalance
		}
		return nil, new(big.Int).Add(pending, amount), nil
	})
}

// Release abandons a reservation before settlement. Double-release clamps at
// zero and logs the anomaly rather than driving pending negative.
func (l *Ledger) Release(ctx context.Context, channel common.Address, amount *big.Int) error {
	return l.withBalance(ctx, channel, func(credit, pending *big.Int) (*big.Int, *big.Int, error) {
		newPending := new(big.Int).Sub(pending, amount)
		if newPending.Sign() < 0 {
			l.log.Error("release exceeds pending, clamping to zero",
				zap.String("channel", channel.Hex()),
				zap.String("pending", pending.String()),
				zap.String("release", amount.String()),
			)
			newPending.SetInt64(0)
		}
		return nil, newPending, nil
	})
}

// Reconcile atomically replaces a reservation of reserved with the real cost:
// pending += actual - reserved. Callers cap actual at the voucher ceiling.
func (l *Ledger) Reconcile(ctx context.Context, channel common.Address, reserved, actual *big.Int) error {
	return l.withBalance(ctx, channel, func(credit, pending *big.Int) (*big.Int, *big.Int, error) {
		delta := new(big.Int).Sub(actual, reserved)
		newPending := new(big.Int).Add(pending, delta)
		if newPending.Sign() < 0 {
			l.log.Error("reconcile drives pending negative, clamping to zero",
				zap.String("channel", channel.Hex()),
				zap.String("pending", pending.String()),
				zap.String("reserved", reserved.String()),
				zap.String("actual", actual.String()),
			)
			newPending.SetInt64(0)
		}
		return nil, newPending, nil
	})
}

// Settle finalizes a confirmed on-chain redemption: credit -= amount,
// pending -= amount. Called only by the redemption batcher.
func (l *Ledger) Settle(ctx context.Context, channel common.Address, amount *big.Int) error {
	return l.withBalance(ctx, channel, func(credit, pending *big.Int) (*big.Int, *big.Int, error) {
		newCredit := new(big.Int).Sub(credit, amount)
		newPending := new(big.Int).Sub(pending, amount)
		if newCredit.Sign() < 0 || newPending.Sign() < 0 {
			l.log.Error("settle exceeds ledger state, clamping to zero",
				zap.String("channel", channel.Hex()),
				zap.String("credit", credit.String()),
				zap.String("pending", pending.String()),
				zap.String("amount", amount.String()),
			)
			if newCredit.Sign() < 0 {
				newCredit.SetInt64(0)
			}
			if newPending.Sign() < 0 {
				newPending.SetInt64(0)
			}
		}
		return newCredit, newPending, nil
	})
}

// CreditIncrease applies a confirmed deposit or top-up. Called only by the
// chain event ingestor; creates the balance row on first deposit.
func (l *Ledger) CreditIncrease(ctx context.Context, channel common.Address, amount *big.Int) error {
	return l.withBalance(ctx, channel, func(credit, pending *big.Int) (*big.Int, *big.Int, error) {
		return new(big.Int).Add(credit, amount), nil, nil
	})
}

// Balance returns the committed credit and pending for a channel. A channel
// with no row reads as zero/zero.
func (l *Ledger) Balance(ctx context.Context, channel common.Address) (credit, pending *big.Int, err error) {
	vals, err := l.rdb.HGetAll(ctx, balanceKey(channel)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read balance row: %w", err)
	}
	return parseBalance(vals)
}

// MarkReservation records a reservation marker used by the stale-reservation
// sweep. The marker lives exactly as long as the reservation is unresolved.
func (l *Ledger) MarkReservation(ctx context.Context, channel common.Address, nonce, amount *big.Int) error {
	return l.rdb.HSet(ctx, reservationKey(channel, nonce),
		"channel", channel.Hex(),
		"nonce", nonce.String(),
		"amount", amount.String(),
		"created_at", time.Now().Unix(),
	).Err()
}

// ClearReservation removes the marker once the reservation is settled or released.
func (l *Ledger) ClearReservation(ctx context.Context, channel common.Address, nonce *big.Int) error {
	return l.rdb.Del(ctx, reservationKey(channel, nonce)).Err()
}

// SweepStaleReservations releases reservations that were neither settled nor
// released within maxAge. These are operational anomalies (a crash between
// reserve and reconcile); they are logged loudly, never silently retried.
func (l *Ledger) SweepStaleReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	swept := 0
	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, reservationPrefix+"*", 100).Result()
		if err != nil {
			return swept, fmt.Errorf("scan reservations: %w", err)
		}
		for _, key := range keys {
			vals, err := l.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			createdAt, _ := new(big.Int).SetString(vals["created_at"], 10)
			if createdAt == nil || createdAt.Int64() > cutoff {
				continue
			}
			amount, ok := new(big.Int).SetString(vals["amount"], 10)
			if !ok {
				continue
			}
			channel := common.HexToAddress(vals["channel"])

			l.log.Error("reservation left unresolved past bound, releasing",
				zap.String("channel", channel.Hex()),
				zap.String("key", key),
				zap.String("amount", amount.String()),
			)
			if err := l.Release(ctx, channel, amount); err != nil {
				l.log.Error("sweep release failed", zap.String("key", key), zap.Error(err))
				continue
			}
			l.rdb.Del(ctx, key) //nolint:errcheck
			// Return the nonce with the funds, or the channel's next voucher
			// stays rejected as reused until the claim's TTL runs out.
			if nonce := vals["nonce"]; nonce != "" {
				l.rdb.Del(ctx, fmt.Sprintf(voucher.NonceKeyFmt, channel.Hex(), nonce)) //nolint:errcheck
			}
			swept++
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return swept, nil
}
