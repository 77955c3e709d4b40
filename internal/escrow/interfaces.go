package escrow

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"grandeapp/internal/models"
)

var (
	ErrNotFound        = errors.New("escrow not found")
	ErrNotFunded       = errors.New("escrow is not funded")
	ErrAlreadyReleased = errors.New("escrow already released")
)

// Client abstracts the remote escrow service.
type Client interface {
	// Status returns ErrNotFound when no escrow exists for the request.
	Status(ctx context.Context, requestID string) (models.EscrowRecord, error)
	Create(ctx context.Context, req CreateRequest) (models.EscrowRecord, error)
	CheckFunded(ctx context.Context, requestID string) (models.EscrowRecord, error)
	Release(ctx context.Context, requestID string) (models.ReleaseResult, error)
}

// HealthChecker is implemented by clients that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type CreateRequest struct {
	DepositAmount decimal.Decimal
	RequestID     string
	BuyerEmail    string
	SellerEmail   string
}

func (r CreateRequest) Validate() error {
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	if r.BuyerEmail == "" {
		return errors.New("buyerEmail is required")
	}
	if r.SellerEmail == "" {
		return errors.New("sellerEmail is required")
	}
	if !r.DepositAmount.IsPositive() {
		return errors.New("depositAmount must be positive")
	}
	return nil
}
