package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"grandeapp/internal/models"
)

// FakeClient keeps escrows in memory and derives addresses and tx hashes
// from the request id so runs are reproducible.
type FakeClient struct {
	mu      sync.Mutex
	records map[string]models.EscrowRecord
	network string

	StatusCalls  int
	CreateCalls  int
	ReleaseCalls int
}

func NewFakeClient(network string) *FakeClient {
	return &FakeClient{
		records: make(map[string]models.EscrowRecord),
		network: network,
	}
}

func (f *FakeClient) Status(_ context.Context, requestID string) (models.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	rec, ok := f.records[requestID]
	if !ok {
		return models.EscrowRecord{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return rec, nil
}

func (f *FakeClient) Create(_ context.Context, req CreateRequest) (models.EscrowRecord, error) {
	if err := req.Validate(); err != nil {
		return models.EscrowRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	rec := models.EscrowRecord{
		RequestID:     req.RequestID,
		EscrowAddress: fakeAddress(req.RequestID),
		Balance:       decimal.Zero,
		Required:      req.DepositAmount,
		EscrowStatus:  models.EscrowWaitingDeposit,
		Network:       f.network,
	}
	f.records[req.RequestID] = rec
	return rec, nil
}

func (f *FakeClient) CheckFunded(ctx context.Context, requestID string) (models.EscrowRecord, error) {
	return f.Status(ctx, requestID)
}

func (f *FakeClient) Release(_ context.Context, requestID string) (models.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReleaseCalls++
	rec, ok := f.records[requestID]
	if !ok {
		return models.ReleaseResult{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if rec.EscrowStatus == models.EscrowReleased {
		return models.ReleaseResult{}, ErrAlreadyReleased
	}
	if !rec.Funded() {
		return models.ReleaseResult{}, ErrNotFunded
	}
	rec.EscrowStatus = models.EscrowReleased
	f.records[requestID] = rec
	return models.ReleaseResult{
		FeeTx:   fakeHash("fee:" + requestID),
		BuyerTx: fakeHash("buyer:" + requestID),
	}, nil
}

// Deposit credits the escrow and flips it to funded once it covers Required.
func (f *FakeClient) Deposit(requestID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	rec.Balance = rec.Balance.Add(amount)
	if rec.Funded() && rec.EscrowStatus == models.EscrowWaitingDeposit {
		rec.EscrowStatus = models.EscrowFunded
	}
	f.records[requestID] = rec
	return nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}

func fakeAddress(input string) string {
	sum := sha256.Sum256([]byte("escrow:" + input))
	return "0x" + hex.EncodeToString(sum[:20])
}
