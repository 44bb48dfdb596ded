package voucher

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Voucher is a signed, bounded spending authorization scoped to one nonce.
// The signature is detached; it travels next to the voucher in the request's
// Authorization payload and is stored with the settlement record so the
// redeemer can present it on-chain unchanged.
type Voucher struct {
	Channel              common.Address `json:"channel"`
	Nonce                *big.Int       `json:"nonce"`
	Deadline             *big.Int       `json:"deadline"`
	Model                string         `json:"model"`
	InputTokenAmount     *big.Int       `json:"inputTokenAmount"`
	MaxOutputTokenAmount *big.Int       `json:"maxOutputTokenAmount"`
}

// Validate rejects vouchers with missing or out-of-range numeric fields
// before any hashing. Token amounts are bounded to int64: the pricing path
// multiplies them as int64, and no real request carries more than 9.2e18
// tokens, so anything larger is a forged bound, not a workload.
func (v *Voucher) Validate() error {
	if v == nil {
		return errors.New("voucher missing")
	}
	if v.Nonce == nil || v.Deadline == nil || v.InputTokenAmount == nil || v.MaxOutputTokenAmount == nil {
		return errors.New("voucher field missing")
	}
	if v.Nonce.Sign() < 0 || v.Deadline.Sign() < 0 ||
		v.InputTokenAmount.Sign() < 0 || v.MaxOutputTokenAmount.Sign() < 0 {
		return errors.New("voucher field negative")
	}
	if !v.Deadline.IsInt64() || !v.InputTokenAmount.IsInt64() || !v.MaxOutputTokenAmount.IsInt64() {
		return errors.New("voucher field out of range")
	}
	if v.Model == "" {
		return errors.New("voucher model missing")
	}
	return nil
}

// Redis key template for the off-chain nonce seen-set.
const NonceKeyFmt = "voucher:nonce:%s:%s" // %s = channel (checksummed), nonce
