// Package wallet watches on-chain deposits and drives withdrawals for
// agent balances. It never mints or destroys credits itself beyond what
// a confirmed deposit or a refunded failed withdrawal justifies; every
// balance mutation runs inside the same row-locked transaction as the
// deposit/withdrawal row it is derived from.
package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinConfirmations is the default number of on-chain confirmations
// required before a deposit is credited.
const MinConfirmations = 12

// MinDepositUSDC is the smallest deposit the watcher will credit;
// dust transfers below this are recorded but never credited.
const MinDepositUSDC = 1.0

// Transaction is the chain-observed shape of a transfer, as reported by
// ChainClient.
type Transaction struct {
	TxHash        string
	ToAddress     string
	AmountUSDC    float64
	Confirmations int
	BlockNumber   int64
	Mined         bool
}

// ChainClient is the out-of-scope external collaborator: the RPC client
// for the chain USDC transfers settle on. wallet never constructs one
// itself.
type ChainClient interface {
	GetTransaction(ctx context.Context, txHash string) (Transaction, error)
	Confirmations(ctx context.Context, txHash string) (int, error)
	BroadcastTransfer(ctx context.Context, toAddress string, amountUSDC float64) (txHash string, err error)
}

// DeriveAddress derives the deposit address for derivationIndex from
// masterSecret using HKDF-SHA256. masterSecret is loaded once at
// startup from the configured secrets backend and is never logged or
// persisted by this package; only the derived, public address is ever
// written to storage.
func DeriveAddress(masterSecret []byte, derivationIndex uint64) (string, error) {
	if len(masterSecret) == 0 {
		return "", errors.New("wallet: master secret is empty")
	}
	info := make([]byte, 8)
	for i := 0; i < 8; i++ {
		info[i] = byte(derivationIndex >> (8 * uint(7-i)))
	}
	reader := hkdf.New(sha256.New, masterSecret, nil, info)
	key := make([]byte, 20)
	if _, err := io.ReadFull(reader, key); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(key), nil
}
