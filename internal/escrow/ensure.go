package escrow

import (
	"context"
	"errors"

	"grandeapp/internal/models"
)

// Ensure returns the request's escrow, creating it only when the status
// check reports none. created is true when a POST was issued. Any status
// error other than ErrNotFound is returned as is; there is no retry.
func Ensure(ctx context.Context, client Client, req CreateRequest) (rec models.EscrowRecord, created bool, err error) {
	if err := req.Validate(); err != nil {
		return models.EscrowRecord{}, false, err
	}

	existing, err := client.Status(ctx, req.RequestID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.EscrowRecord{}, false, err
	}

	rec, err = client.Create(ctx, req)
	if err != nil {
		return models.EscrowRecord{}, false, err
	}
	return rec, true, nil
}
