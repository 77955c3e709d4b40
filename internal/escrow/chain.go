package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const weiDecimals = 18

// chainReader is the subset of *ethclient.Client the verifier needs.
type chainReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ChainVerifier reads escrow state straight from an EVM node so the backend's
// numbers can be cross-checked.
type ChainVerifier struct {
	reader       chainReader
	pollInterval time.Duration
}

func DialChain(ctx context.Context, rpcURL string) (*ChainVerifier, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newChainVerifier(cli), nil
}

func newChainVerifier(reader chainReader) *ChainVerifier {
	return &ChainVerifier{reader: reader, pollInterval: 2 * time.Second}
}

// Balance returns the native balance of address in whole units.
func (v *ChainVerifier) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid escrow address %q", address)
	}
	wei, err := v.reader.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance at %s: %w", address, err)
	}
	return decimal.NewFromBigInt(wei, -weiDecimals), nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done and
// reports whether it succeeded.
func (v *ChainVerifier) WaitForReceipt(ctx context.Context, txHash string) (bool, error) {
	if !ValidTxHash(txHash) {
		return false, fmt.Errorf("invalid tx hash %q", txHash)
	}
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := v.reader.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt.Status == types.ReceiptStatusSuccessful, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *ChainVerifier) Ping(ctx context.Context) error {
	_, err := v.reader.BlockNumber(ctx)
	return err
}

// ValidTxHash reports whether s is a 0x-prefixed 32 byte hash.
func ValidTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	raw, err := hexutil.Decode(s)
	return err == nil && len(raw) == common.HashLength
}

// TxURL builds a block explorer link, or "" when hash is not a tx hash.
func TxURL(explorerURL, hash string) string {
	if explorerURL == "" || !ValidTxHash(hash) {
		return ""
	}
	return strings.TrimRight(explorerURL, "/") + "/tx/" + hash
}
