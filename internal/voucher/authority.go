package voucher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = errors.New("invalid voucher signature")
	ErrExpired          = errors.New("voucher expired")
	ErrNonceReused      = errors.New("voucher nonce already used")
)

// NonceSource reports the on-chain replay state: nonces(channel) is the next
// unused nonce for that channel. Satisfied by *chain.Client.
type NonceSource interface {
	Nonces(ctx context.Context, channel common.Address) (*big.Int, error)
}

// Authority validates voucher authenticity, freshness, and single use.
//
// The Redis seen-set is a fast-reject cache in front of the contract's nonce
// bookkeeping: a claim here does not guarantee redemption will succeed, it
// only prevents two concurrent requests from spending the same nonce before
// either reaches the chain.
type Authority struct {
	rdb          *redis.Client
	nonces       NonceSource
	chainID      *big.Int
	contractAddr common.Address
	log          *zap.Logger
}

func NewAuthority(rdb *redis.Client, nonces NonceSource, chainID *big.Int, contractAddr common.Address, log *zap.Logger) *Authority {
	return &Authority{
		rdb:          rdb,
		nonces:       nonces,
		chainID:      chainID,
		contractAddr: contractAddr,
		log:          log,
	}
}

func nonceKey(v *Voucher) string {
	return fmt.Sprintf(NonceKeyFmt, v.Channel.Hex(), v.Nonce.String())
}

// Verify checks, in order: deadline, signature, nonce single-use. On success
// the nonce is claimed in the seen-set; callers that abort before persisting a
// settlement must ReleaseNonce so the client can retry the same voucher.
func (a *Authority) Verify(ctx context.Context, v *Voucher, sig []byte) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if v.Deadline.Cmp(big.NewInt(time.Now().Unix())) < 0 {
		return ErrExpired
	}

	signer, err := RecoverSigner(v, sig, a.chainID, a.contractAddr)
	if err != nil || signer != v.Channel {
		return ErrInvalidSignature
	}

	// The contract is authoritative for consumed nonces. An RPC failure here
	// is not fatal: the seen-set still guards the off-chain path, and a stale
	// nonce that slips through fails terminally at redemption.
	if a.nonces != nil {
		next, err := a.nonces.Nonces(ctx, v.Channel)
		if err != nil {
			a.log.Warn("nonce authority unavailable, relying on seen-set",
				zap.String("channel", v.Channel.Hex()),
				zap.Error(err),
			)
		} else if v.Nonce.Cmp(next) < 0 {
			return ErrNonceReused
		}
	}

	// The claim expires shortly after the voucher does: past the deadline the
	// voucher can never verify again, so an orphaned claim (crash between
	// Verify and settlement) must not outlive it and brick the channel's
	// current nonce.
	ttl := time.Until(time.Unix(v.Deadline.Int64(), 0).Add(time.Minute))
	claimed, err := a.rdb.SetNX(ctx, nonceKey(v), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("claim nonce: %w", err)
	}
	if !claimed {
		return ErrNonceReused
	}
	return nil
}

// ReleaseNonce un-claims a nonce whose request failed before settlement. The
// voucher was never spent, so the signer may present it again.
func (a *Authority) ReleaseNonce(ctx context.Context, v *Voucher) {
	if err := a.rdb.Del(ctx, nonceKey(v)).Err(); err != nil {
		a.log.Warn("release nonce claim",
			zap.String("channel", v.Channel.Hex()),
			zap.String("nonce", v.Nonce.String()),
			zap.Error(err),
		)
	}
}
