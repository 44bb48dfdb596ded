// Package redeemer periodically submits settlement-pending vouchers on-chain
// and finalizes the ledger once their redemption is confirmed. Vouchers are
// independent: one failed submission never blocks the rest of the cycle.
package redeemer

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/chain"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/config"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/store"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/voucher"
)

// Submitter submits one voucher redemption and waits for its receipt.
// Satisfied by *chain.Client.
type Submitter interface {
	Redeem(ctx context.Context, v *voucher.Voucher, amount *big.Int, sig []byte) error
}

// Settler finalizes the ledger for a confirmed redemption.
// Satisfied by *ledger.Ledger.
type Settler interface {
	Settle(ctx context.Context, channel common.Address, amount *big.Int) error
}

type Redeemer struct {
	store  *store.Store
	ledger Settler
	chain  Submitter
	cfg    config.RedeemerConfig
	log    *zap.Logger
}

func New(st *store.Store, ldg Settler, ch Submitter, cfg config.RedeemerConfig, log *zap.Logger) *Redeemer {
	return &Redeemer{store: st, ledger: ldg, chain: ch, cfg: cfg, log: log}
}

// Run executes redemption cycles on the configured interval until ctx is
// cancelled. Cycles never overlap; a slow cycle delays the next tick.
func (r *Redeemer) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.IntervalSec) * time.Second
	r.log.Info("redeemer started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("redeemer stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle submits every settlement-pending voucher once. Each voucher is a
// failure boundary of its own.
func (r *Redeemer) RunCycle(ctx context.Context) {
	pending, err := r.store.Pending(ctx)
	if err != nil {
		r.log.Error("list pending settlements", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	r.log.Info("redemption cycle started", zap.Int("pending", len(pending)))
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		r.redeemOne(ctx, &pending[i])
	}
}

func (r *Redeemer) redeemOne(ctx context.Context, rec *store.Settlement) {
	v := &voucher.Voucher{
		Channel:              rec.Channel,
		Nonce:                rec.Nonce,
		Deadline:             rec.Deadline,
		Model:                rec.Model,
		InputTokenAmount:     rec.InputTokenAmount,
		MaxOutputTokenAmount: rec.MaxOutputTokenAmount,
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.ConfirmTimeoutSec)*time.Second)
	err := r.chain.Redeem(cctx, v, rec.RealCost, rec.Signature)
	cancel()

	if err == nil {
		if err := r.store.MarkRedeemed(ctx, rec.Channel, rec.Nonce, time.Now().Unix()); err != nil {
			r.log.Error("mark redeemed failed, will retry next cycle",
				zap.String("channel", rec.Channel.Hex()),
				zap.String("nonce", rec.Nonce.String()),
				zap.Error(err),
			)
			return
		}
		if err := r.ledger.Settle(ctx, rec.Channel, rec.RealCost); err != nil {
			r.log.Error("ledger settle failed after confirmed redemption",
				zap.String("channel", rec.Channel.Hex()),
				zap.String("nonce", rec.Nonce.String()),
				zap.String("amount", rec.RealCost.String()),
				zap.Error(err),
			)
			return
		}
		r.log.Info("voucher redeemed",
			zap.String("channel", rec.Channel.Hex()),
			zap.String("nonce", rec.Nonce.String()),
			zap.String("amount", rec.RealCost.String()),
		)
		return
	}

	// A consumed nonce can never be redeemed; retrying is pointless. The
	// pending hold is left in place until an operator resolves the record.
	if errors.Is(err, chain.ErrNonceUsed) {
		r.log.Error("voucher nonce consumed on-chain, dead-lettering",
			zap.String("channel", rec.Channel.Hex()),
			zap.String("nonce", rec.Nonce.String()),
			zap.Error(err),
		)
		r.deadLetter(ctx, rec, "nonce consumed on-chain")
		return
	}

	attempts, rerr := r.store.RecordFailure(ctx, rec.Channel, rec.Nonce)
	if rerr != nil {
		r.log.Error("record redemption failure", zap.String("nonce", rec.Nonce.String()), zap.Error(rerr))
		return
	}
	r.log.Warn("redemption attempt failed",
		zap.String("channel", rec.Channel.Hex()),
		zap.String("nonce", rec.Nonce.String()),
		zap.Int64("attempts", attempts),
		zap.Error(err),
	)
	if attempts >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, rec, "max redemption attempts exceeded")
	}
}

func (r *Redeemer) deadLetter(ctx context.Context, rec *store.Settlement, reason string) {
	if err := r.store.DeadLetter(ctx, rec.Channel, rec.Nonce, reason); err != nil {
		r.log.Error("dead-letter failed",
			zap.String("channel", rec.Channel.Hex()),
			zap.String("nonce", rec.Nonce.String()),
			zap.Error(err),
		)
	}
}
