// Package ingest folds the contract's funding events into the credit ledger.
// Subscriptions can redeliver across reconnects and reorg handling, so every
// log is applied through a per-event idempotency key: conceptually the
// ingestor is a fold over a deduplicated event stream, not a raw callback.
package ingest

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/chain"
)

const eventKeyFmt = "event:%s:%d" // %s = tx hash, %d = log index

// ChannelEvents is the chain-side surface the ingestor needs.
// Satisfied by *chain.Client.
type ChannelEvents interface {
	WatchChannelEvents(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error)
	ParseDeposit(lg types.Log) (common.Address, *big.Int, error)
	ParseChannelToppedUp(lg types.Log) (common.Address, *big.Int, error)
}

// CreditSink receives confirmed funding amounts. Satisfied by *ledger.Ledger.
type CreditSink interface {
	CreditIncrease(ctx context.Context, channel common.Address, amount *big.Int) error
}

type Ingestor struct {
	rdb    *redis.Client
	events ChannelEvents
	ledger CreditSink
	log    *zap.Logger
}

func New(rdb *redis.Client, events ChannelEvents, ledger CreditSink, log *zap.Logger) *Ingestor {
	return &Ingestor{rdb: rdb, events: events, ledger: ledger, log: log}
}

// Run subscribes to funding logs and credits the ledger until ctx is
// cancelled, re-subscribing with a delay when the subscription drops.
func (i *Ingestor) Run(ctx context.Context) {
	i.log.Info("event ingestor started")
	for {
		if ctx.Err() != nil {
			i.log.Info("event ingestor stopped")
			return
		}
		if err := i.consume(ctx); err != nil && ctx.Err() == nil {
			i.log.Error("ingest: subscription lost", zap.Error(err))
			time.Sleep(5 * time.Second)
		}
	}
}

func (i *Ingestor) consume(ctx context.Context) error {
	sink := make(chan types.Log, 64)
	sub, err := i.events.WatchChannelEvents(ctx, sink)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-sink:
			i.Apply(ctx, lg)
		}
	}
}

// Apply processes a single log. Duplicate deliveries of the same on-chain
// event identifier (tx hash + log index) are skipped without touching the
// ledger; logs removed by a reorg are ignored.
func (i *Ingestor) Apply(ctx context.Context, lg types.Log) {
	if lg.Removed {
		i.log.Warn("ingest: log removed by reorg, skipping",
			zap.String("tx", lg.TxHash.Hex()),
			zap.Uint("index", lg.Index),
		)
		return
	}
	if len(lg.Topics) == 0 {
		return
	}

	var (
		user   common.Address
		amount *big.Int
		kind   string
		err    error
	)
	switch lg.Topics[0] {
	case chain.DepositTopic:
		user, amount, err = i.events.ParseDeposit(lg)
		kind = "deposit"
	case chain.ChannelToppedUpTopic:
		user, amount, err = i.events.ParseChannelToppedUp(lg)
		kind = "top-up"
	default:
		return
	}
	if err != nil {
		i.log.Error("ingest: parse log", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
		return
	}

	key := fmt.Sprintf(eventKeyFmt, lg.TxHash.Hex(), lg.Index)
	fresh, err := i.rdb.SetNX(ctx, key, 1, 0).Result()
	if err != nil {
		i.log.Error("ingest: claim event id", zap.String("key", key), zap.Error(err))
		return
	}
	if !fresh {
		i.log.Debug("ingest: duplicate event, skipping", zap.String("key", key))
		return
	}

	if err := i.ledger.CreditIncrease(ctx, user, amount); err != nil {
		// Undo the idempotency claim so a redelivery can retry the credit.
		i.rdb.Del(ctx, key) //nolint:errcheck
		i.log.Error("ingest: credit increase failed",
			zap.String("channel", user.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return
	}

	i.log.Info("channel funded",
		zap.String("kind", kind),
		zap.String("channel", user.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx", lg.TxHash.Hex()),
	)
}
