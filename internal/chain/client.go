package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/config"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/voucher"
)

// ErrNonceUsed marks a redemption that reverted because the voucher's nonce
// was already consumed on-chain. Retrying can never succeed.
var ErrNonceUsed = errors.New("voucher nonce already consumed on-chain")

// Client wraps go-ethereum with a slim binding over the PolyMirrorChannel
// contract. The contract is consumed only through its public operations;
// redeem is atomic-or-reverted.
type Client struct {
	eth          *ethclient.Client
	contract     *bind.BoundContract
	abi          abi.ABI
	contractAddr common.Address
	chainID      *big.Int
	ownerKey     *ecdsa.PrivateKey
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	ownerKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.OwnerPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse owner private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(polyMirrorChannelABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	addr := common.HexToAddress(cfg.Chain.ContractAddress)
	return &Client{
		eth:          eth,
		contract:     bind.NewBoundContract(addr, parsed, eth, eth, eth),
		abi:          parsed,
		contractAddr: addr,
		chainID:      big.NewInt(cfg.Chain.ChainID),
		ownerKey:     ownerKey,
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the channel contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// transactOpts builds a *bind.TransactOpts signed by the owner key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.ownerKey, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// ChannelBalance reads the channel's on-chain balance.
func (c *Client) ChannelBalance(ctx context.Context, user common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "channel", user); err != nil {
		return nil, fmt.Errorf("channel(%s): %w", user.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Nonces returns the next unused voucher nonce for a channel. The contract is
// the final arbiter of replay; anything below this value is consumed.
func (c *Client) Nonces(ctx context.Context, user common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "nonces", user); err != nil {
		return nil, fmt.Errorf("nonces(%s): %w", user.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Redeem submits a signed voucher for amount and waits for confirmation.
// ctx bounds both submission and the wait; a reverted receipt is classified
// as ErrNonceUsed when the contract reports the nonce consumed.
func (c *Client) Redeem(ctx context.Context, v *voucher.Voucher, amount *big.Int, sig []byte) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return fmt.Errorf("build tx opts: %w", err)
	}

	cv := channelVoucher{
		Channel:              v.Channel,
		Nonce:                v.Nonce,
		Deadline:             v.Deadline,
		Model:                v.Model,
		InputTokenAmount:     v.InputTokenAmount,
		MaxOutputTokenAmount: v.MaxOutputTokenAmount,
	}
	tx, err := c.contract.Transact(opts, "redeem", cv, amount, sig)
	if err != nil {
		return fmt.Errorf("redeem tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		if used, cerr := c.nonceConsumed(ctx, v); cerr == nil && used {
			return fmt.Errorf("%w: tx %s", ErrNonceUsed, tx.Hash().Hex())
		}
		return fmt.Errorf("redeem reverted: tx %s", tx.Hash().Hex())
	}
	return nil
}

func (c *Client) nonceConsumed(ctx context.Context, v *voucher.Voucher) (bool, error) {
	next, err := c.Nonces(ctx, v.Channel)
	if err != nil {
		return false, err
	}
	return v.Nonce.Cmp(next) < 0, nil
}

// Claim withdraws accumulated provider earnings to the owner wallet.
func (c *Client) Claim(ctx context.Context, amount *big.Int) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := c.contract.Transact(opts, "claim", amount)
	if err != nil {
		return fmt.Errorf("claim tx: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return fmt.Errorf("claim reverted: tx %s", tx.Hash().Hex())
	}
	return nil
}

// WatchChannelEvents subscribes to the contract's Deposit and ChannelToppedUp
// logs. The caller owns the subscription lifecycle.
func (c *Client) WatchChannelEvents(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.contractAddr},
		Topics:    [][]common.Hash{{DepositTopic, ChannelToppedUpTopic}},
	}
	return c.eth.SubscribeFilterLogs(ctx, q, sink)
}

// ParseDeposit unpacks a Deposit log, returning the funded channel and the
// credited amount (amountOut, the converted value, not the token paid in).
func (c *Client) ParseDeposit(lg types.Log) (common.Address, *big.Int, error) {
	vals, err := c.abi.Unpack("Deposit", lg.Data)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("unpack Deposit: %w", err)
	}
	if len(lg.Topics) < 2 || len(vals) != 2 {
		return common.Address{}, nil, errors.New("malformed Deposit log")
	}
	user := common.BytesToAddress(lg.Topics[1].Bytes())
	return user, vals[1].(*big.Int), nil
}

// ParseChannelToppedUp unpacks a ChannelToppedUp log, returning the channel
// and the top-up amount.
func (c *Client) ParseChannelToppedUp(lg types.Log) (common.Address, *big.Int, error) {
	vals, err := c.abi.Unpack("ChannelToppedUp", lg.Data)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("unpack ChannelToppedUp: %w", err)
	}
	if len(lg.Topics) < 2 || len(vals) != 2 {
		return common.Address{}, nil, errors.New("malformed ChannelToppedUp log")
	}
	user := common.BytesToAddress(lg.Topics[1].Bytes())
	return user, vals[0].(*big.Int), nil
}
