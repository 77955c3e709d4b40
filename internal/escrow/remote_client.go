package escrow

import (
	"context"
	"fmt"

	"grandeapp/internal/backend"
	"grandeapp/internal/models"
)

// RemoteClient drives the backend's /api/escrow endpoints.
type RemoteClient struct {
	api *backend.Client
}

func NewRemoteClient(api *backend.Client) *RemoteClient {
	return &RemoteClient{api: api}
}

func (c *RemoteClient) Status(ctx context.Context, requestID string) (models.EscrowRecord, error) {
	rec, err := c.api.GetEscrowStatus(ctx, requestID)
	if backend.IsNotFound(err) {
		return models.EscrowRecord{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("escrow status: %w", err)
	}
	if rec.RequestID == "" {
		rec.RequestID = requestID
	}
	return rec, nil
}

func (c *RemoteClient) Create(ctx context.Context, req CreateRequest) (models.EscrowRecord, error) {
	rec, err := c.api.CreateEVMEscrow(ctx, backend.EVMEscrowInput{
		DepositAmount: req.DepositAmount,
		RequestID:     req.RequestID,
		BuyerEmail:    req.BuyerEmail,
		SellerEmail:   req.SellerEmail,
	})
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("create escrow: %w", err)
	}
	if rec.RequestID == "" {
		rec.RequestID = req.RequestID
	}
	return rec, nil
}

func (c *RemoteClient) CheckFunded(ctx context.Context, requestID string) (models.EscrowRecord, error) {
	rec, err := c.api.CheckFunded(ctx, requestID)
	if backend.IsNotFound(err) {
		return models.EscrowRecord{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return models.EscrowRecord{}, fmt.Errorf("check funded: %w", err)
	}
	if rec.RequestID == "" {
		rec.RequestID = requestID
	}
	return rec, nil
}

func (c *RemoteClient) Release(ctx context.Context, requestID string) (models.ReleaseResult, error) {
	res, err := c.api.ReleaseEVM(ctx, requestID)
	if err != nil {
		return models.ReleaseResult{}, fmt.Errorf("release escrow: %w", err)
	}
	return res, nil
}

func (c *RemoteClient) Ping(ctx context.Context) error {
	return c.api.Ping(ctx)
}
