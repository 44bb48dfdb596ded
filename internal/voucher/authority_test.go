package voucher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// fakeNonces serves a fixed next-nonce per channel, or an error.
type fakeNonces struct {
	next *big.Int
	err  error
}

func (f *fakeNonces) Nonces(_ context.Context, _ common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.next), nil
}

func newTestAuthority(t *testing.T, nonces NonceSource) *Authority {
	t.Helper()
	return NewAuthority(newTestRedis(t), nonces, testChainID, testContractAddr, zap.NewNop())
}

func signedVoucher(t *testing.T, nonce int64) (*Voucher, []byte) {
	t.Helper()
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v := &Voucher{
		Channel:              crypto.PubkeyToAddress(privKey.PublicKey),
		Nonce:                big.NewInt(nonce),
		Deadline:             big.NewInt(time.Now().Add(time.Hour).Unix()),
		Model:                "gpt-4o",
		InputTokenAmount:     big.NewInt(1000),
		MaxOutputTokenAmount: big.NewInt(4000),
	}
	sig, err := Sign(v, privKey, testChainID, testContractAddr)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return v, sig
}

// ── Verify ─────────────────────────────────────────────────────────────────

func TestVerify_Accepts(t *testing.T) {
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(1)})
	v, sig := signedVoucher(t, 1)

	if err := a.Verify(context.Background(), v, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(1)})
	v, sig := signedVoucher(t, 1)
	v.Deadline = big.NewInt(time.Now().Add(-time.Minute).Unix())

	err := a.Verify(context.Background(), v, sig)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(1)})
	v, sig := signedVoucher(t, 1)
	// The voucher claims a channel the key does not control.
	v.Channel = common.HexToAddress("0x0000000000000000000000000000000000000042")

	err := a.Verify(context.Background(), v, sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_GarbageSignature(t *testing.T) {
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(1)})
	v, _ := signedVoucher(t, 1)

	err := a.Verify(context.Background(), v, []byte("nonsense"))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_SecondUseRejected(t *testing.T) {
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(1)})
	v, sig := signedVoucher(t, 1)
	ctx := context.Background()

	if err := a.Verify(ctx, v, sig); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	err := a.Verify(ctx, v, sig)
	if !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused on second use, got %v", err)
	}
}

func TestVerify_NonceConsumedOnChain(t *testing.T) {
	// The contract reports next nonce 5; anything below is spent.
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(5)})
	v, sig := signedVoucher(t, 3)

	err := a.Verify(context.Background(), v, sig)
	if !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused for consumed nonce, got %v", err)
	}
}

func TestVerify_NonceSourceUnavailable(t *testing.T) {
	// An RPC failure must not reject the request; the seen-set still guards.
	a := newTestAuthority(t, &fakeNonces{err: errors.New("rpc down")})
	v, sig := signedVoucher(t, 1)

	if err := a.Verify(context.Background(), v, sig); err != nil {
		t.Fatalf("Verify with unavailable nonce source: %v", err)
	}
}

func TestVerify_NonceClaimExpiresWithVoucher(t *testing.T) {
	rdb := newTestRedis(t)
	a := NewAuthority(rdb, &fakeNonces{next: big.NewInt(1)}, testChainID, testContractAddr, zap.NewNop())
	v, sig := signedVoucher(t, 1)
	ctx := context.Background()

	if err := a.Verify(ctx, v, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// A claim orphaned by a crash must die with the voucher's deadline, not
	// block the channel's current nonce forever.
	ttl, err := rdb.TTL(ctx, nonceKey(v)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 {
		t.Fatal("nonce claim has no expiry")
	}
	if ttl > time.Hour+time.Minute {
		t.Fatalf("nonce claim outlives the voucher deadline: ttl %v", ttl)
	}
}

// ── ReleaseNonce ───────────────────────────────────────────────────────────

func TestReleaseNonce_AllowsRetry(t *testing.T) {
	a := newTestAuthority(t, &fakeNonces{next: big.NewInt(1)})
	v, sig := signedVoucher(t, 1)
	ctx := context.Background()

	if err := a.Verify(ctx, v, sig); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	// A request that failed before settlement returns the nonce.
	a.ReleaseNonce(ctx, v)

	if err := a.Verify(ctx, v, sig); err != nil {
		t.Fatalf("Verify after release: %v", err)
	}
}
