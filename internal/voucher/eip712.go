package voucher

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var voucherTypeHash = crypto.Keccak256Hash([]byte(
	"Voucher(address channel,uint256 nonce,uint256 deadline,string model,uint256 inputTokenAmount,uint256 maxOutputTokenAmount)",
))

// domainSeparator computes the EIP-712 domain separator bound to the deployed
// contract. It must match the domain wallets sign against, field for field.
func domainSeparator(chainID *big.Int, contractAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("PolyMirrorChannel"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	// Each element occupies a 32-byte slot; the address is right-aligned.
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes())

	return crypto.Keccak256Hash(encoded)
}

func hashVoucher(v *Voucher, chainID *big.Int, contractAddr common.Address) [32]byte {
	// structHash = keccak256(typeHash || abi.encode(fields)).
	// The dynamic string field is represented by its keccak hash per EIP-712.
	modelHash := crypto.Keccak256Hash([]byte(v.Model))

	encoded := make([]byte, 7*32)
	copy(encoded[0:32], voucherTypeHash[:])
	copy(encoded[44:64], v.Channel.Bytes()) // addr right-aligned in its slot
	v.Nonce.FillBytes(encoded[64:96])
	v.Deadline.FillBytes(encoded[96:128])
	copy(encoded[128:160], modelHash[:])
	v.InputTokenAmount.FillBytes(encoded[160:192])
	v.MaxOutputTokenAmount.FillBytes(encoded[192:224])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(chainID, contractAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign produces a detached 65-byte signature over the voucher. Production
// vouchers are signed by wallets; this is used by tests and tooling.
func Sign(v *Voucher, privKey *ecdsa.PrivateKey, chainID *big.Int, contractAddr common.Address) ([]byte, error) {
	digest := hashVoucher(v, chainID, contractAddr)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return nil, err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the address that signed the voucher.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func RecoverSigner(v *Voucher, sig []byte, chainID *big.Int, contractAddr common.Address) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	digest := hashVoucher(v, chainID, contractAddr)
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
