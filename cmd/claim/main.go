// Command claim withdraws accumulated provider earnings from the channel
// contract to the owner wallet. Amount is in wei; run with no arguments to
// print the contract's view of a channel instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/chain"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/config"
)

func main() {
	amountStr := flag.String("amount", "", "amount to claim, in wei")
	channelStr := flag.String("channel", "", "channel address to inspect")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}
	c, err := chain.NewClient(cfg)
	if err != nil {
		fatal("chain client: %v", err)
	}
	ctx := context.Background()

	if *channelStr != "" {
		if !common.IsHexAddress(*channelStr) {
			fatal("invalid channel address %q", *channelStr)
		}
		addr := common.HexToAddress(*channelStr)
		balance, err := c.ChannelBalance(ctx, addr)
		if err != nil {
			fatal("channel balance: %v", err)
		}
		nonce, err := c.Nonces(ctx, addr)
		if err != nil {
			fatal("nonces: %v", err)
		}
		fmt.Printf("channel:    %s\n", addr.Hex())
		fmt.Printf("balance:    %s wei\n", balance)
		fmt.Printf("next nonce: %s\n", nonce)
		return
	}

	if *amountStr == "" {
		fatal("either -amount or -channel is required")
	}
	amount, ok := new(big.Int).SetString(*amountStr, 10)
	if !ok || amount.Sign() <= 0 {
		fatal("invalid amount %q", *amountStr)
	}

	if err := c.Claim(ctx, amount); err != nil {
		fatal("claim: %v", err)
	}
	fmt.Printf("claimed %s wei\n", amount)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
