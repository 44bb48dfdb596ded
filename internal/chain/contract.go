package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// polyMirrorChannelABI is the subset of the deployed contract surface this
// service consumes. deposit/topUpChannel/closeChannel are caller-funded and
// invoked by wallets, not by us; they appear here only so the ABI matches the
// deployed artifact's event layout.
const polyMirrorChannelABI = `[
  {"type":"function","name":"channel","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
    {"name":"voucher","type":"tuple","components":[
      {"name":"channel","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"deadline","type":"uint256"},
      {"name":"model","type":"string"},
      {"name":"inputTokenAmount","type":"uint256"},
      {"name":"maxOutputTokenAmount","type":"uint256"}]},
    {"name":"amount","type":"uint256"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Deposit","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"tokenIn","type":"uint256","indexed":false},
    {"name":"amountOut","type":"uint256","indexed":false}]},
  {"type":"event","name":"ChannelToppedUp","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"newBalance","type":"uint256","indexed":false}]}
]`

// channelVoucher mirrors the contract's Voucher struct for ABI encoding.
type channelVoucher struct {
	Channel              common.Address
	Nonce                *big.Int
	Deadline             *big.Int
	Model                string
	InputTokenAmount     *big.Int
	MaxOutputTokenAmount *big.Int
}

// Topic hashes for the two funding events, used to dispatch subscribed logs.
var (
	DepositTopic         = crypto.Keccak256Hash([]byte("Deposit(address,uint256,uint256)"))
	ChannelToppedUpTopic = crypto.Keccak256Hash([]byte("ChannelToppedUp(address,uint256,uint256)"))
)
