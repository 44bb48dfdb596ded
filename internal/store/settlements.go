// Package store persists settlement records: vouchers whose real cost is
// known but whose on-chain redemption has not yet been confirmed. Records are
// keyed by (channel, nonce) so cross-voucher operations never contend.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyFmt  = "settlement:%s:%s"        // %s = channel (checksummed), nonce
	historyKeyFmt = "settlement:history:%s"   // %s = channel
	pendingSetKey = "settlement:pending"      // members: "<channel>:<nonce>"
	dlqSetKey     = "settlement:dlq"
)

// Settlement is one voucher awaiting (or past) on-chain redemption. The
// voucher fields and signature are stored verbatim: the contract verifies the
// signature over them, so nothing may be recomputed at redemption time.
type Settlement struct {
	Channel              common.Address
	Nonce                *big.Int
	Deadline             *big.Int
	Model                string
	InputTokenAmount     *big.Int
	MaxOutputTokenAmount *big.Int
	Signature            []byte

	InputTokens  int64 // actual usage reported by the provider
	OutputTokens int64
	MaxDebit     *big.Int
	RealCost     *big.Int

	CreatedAt  int64
	RedeemedAt int64 // unix seconds; 0 until confirmed on-chain
	Attempts   int64
	DeadReason string // non-empty once dead-lettered
}

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func member(channel common.Address, nonce *big.Int) string {
	return channel.Hex() + ":" + nonce.String()
}

func recordKey(channel common.Address, nonce *big.Int) string {
	return fmt.Sprintf(recordKeyFmt, channel.Hex(), nonce.String())
}

// Create persists a new settlement-pending record and indexes it in the
// pending set and the channel's history.
func (s *Store) Create(ctx context.Context, rec *Settlement) error {
	key := recordKey(rec.Channel, rec.Nonce)
	if err := s.rdb.HSet(ctx, key,
		"channel", rec.Channel.Hex(),
		"nonce", rec.Nonce.String(),
		"deadline", rec.Deadline.String(),
		"model", rec.Model,
		"input_token_amount", rec.InputTokenAmount.String(),
		"max_output_token_amount", rec.MaxOutputTokenAmount.String(),
		"signature", hex.EncodeToString(rec.Signature),
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"max_debit", rec.MaxDebit.String(),
		"real_cost", rec.RealCost.String(),
		"created_at", rec.CreatedAt,
		"redeemed_at", rec.RedeemedAt,
		"attempts", rec.Attempts,
	).Err(); err != nil {
		return fmt.Errorf("write settlement record: %w", err)
	}
	if err := s.rdb.SAdd(ctx, pendingSetKey, member(rec.Channel, rec.Nonce)).Err(); err != nil {
		return fmt.Errorf("index pending settlement: %w", err)
	}
	return s.rdb.RPush(ctx, fmt.Sprintf(historyKeyFmt, rec.Channel.Hex()), member(rec.Channel, rec.Nonce)).Err()
}

// Pending returns all records awaiting redemption.
func (s *Store) Pending(ctx context.Context) ([]Settlement, error) {
	members, err := s.rdb.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	return s.loadMembers(ctx, members)
}

// History returns the channel's settlement records, oldest first.
func (s *Store) History(ctx context.Context, channel common.Address) ([]Settlement, error) {
	members, err := s.rdb.LRange(ctx, fmt.Sprintf(historyKeyFmt, channel.Hex()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list settlement history: %w", err)
	}
	return s.loadMembers(ctx, members)
}

func (s *Store) loadMembers(ctx context.Context, members []string) ([]Settlement, error) {
	out := make([]Settlement, 0, len(members))
	for _, m := range members {
		vals, err := s.rdb.HGetAll(ctx, "settlement:"+m).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		rec, err := settlementFromMap(vals)
		if err != nil {
			return nil, fmt.Errorf("settlement %s: %w", m, err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

// MarkRedeemed records a confirmed on-chain redemption and removes the record
// from the pending set. A record is marked redeemed at most once.
func (s *Store) MarkRedeemed(ctx context.Context, channel common.Address, nonce *big.Int, at int64) error {
	if err := s.rdb.HSet(ctx, recordKey(channel, nonce), "redeemed_at", at).Err(); err != nil {
		return fmt.Errorf("mark redeemed: %w", err)
	}
	return s.rdb.SRem(ctx, pendingSetKey, member(channel, nonce)).Err()
}

// RecordFailure increments and returns the record's failed redemption count.
func (s *Store) RecordFailure(ctx context.Context, channel common.Address, nonce *big.Int) (int64, error) {
	return s.rdb.HIncrBy(ctx, recordKey(channel, nonce), "attempts", 1).Result()
}

// DeadLetter moves a permanently failed record out of the pending set so it is
// surfaced for operator action instead of retried forever.
func (s *Store) DeadLetter(ctx context.Context, channel common.Address, nonce *big.Int, reason string) error {
	if err := s.rdb.HSet(ctx, recordKey(channel, nonce), "dead_reason", reason).Err(); err != nil {
		return fmt.Errorf("mark dead-lettered: %w", err)
	}
	if err := s.rdb.SRem(ctx, pendingSetKey, member(channel, nonce)).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, dlqSetKey, member(channel, nonce)).Err()
}

// DeadLettered lists records parked for operator attention.
func (s *Store) DeadLettered(ctx context.Context) ([]Settlement, error) {
	members, err := s.rdb.SMembers(ctx, dlqSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered settlements: %w", err)
	}
	return s.loadMembers(ctx, members)
}

func settlementFromMap(m map[string]string) (*Settlement, error) {
	nonce, ok := new(big.Int).SetString(m["nonce"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt nonce %q", m["nonce"])
	}
	deadline, ok := new(big.Int).SetString(m["deadline"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt deadline %q", m["deadline"])
	}
	inputAmount, ok := new(big.Int).SetString(m["input_token_amount"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt input_token_amount %q", m["input_token_amount"])
	}
	maxOutputAmount, ok := new(big.Int).SetString(m["max_output_token_amount"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt max_output_token_amount %q", m["max_output_token_amount"])
	}
	maxDebit, ok := new(big.Int).SetString(m["max_debit"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt max_debit %q", m["max_debit"])
	}
	realCost, ok := new(big.Int).SetString(m["real_cost"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt real_cost %q", m["real_cost"])
	}
	sig, err := hex.DecodeString(m["signature"])
	if err != nil {
		return nil, fmt.Errorf("corrupt signature: %w", err)
	}

	inputTokens, _ := strconv.ParseInt(m["input_tokens"], 10, 64)
	outputTokens, _ := strconv.ParseInt(m["output_tokens"], 10, 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	redeemedAt, _ := strconv.ParseInt(m["redeemed_at"], 10, 64)
	attempts, _ := strconv.ParseInt(m["attempts"], 10, 64)

	return &Settlement{
		Channel:              common.HexToAddress(m["channel"]),
		Nonce:                nonce,
		Deadline:             deadline,
		Model:                m["model"],
		InputTokenAmount:     inputAmount,
		MaxOutputTokenAmount: maxOutputAmount,
		Signature:            sig,
		InputTokens:          inputTokens,
		OutputTokens:         outputTokens,
		MaxDebit:             maxDebit,
		RealCost:             realCost,
		CreatedAt:            createdAt,
		RedeemedAt:           redeemedAt,
		Attempts:             attempts,
		DeadReason:           m["dead_reason"],
	}, nil
}
