package escrow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"grandeapp/internal/models"
)

// ReceiptWaiter waits for a transaction to be mined.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, txHash string) (bool, error)
}

type ReleaserConfig struct {
	ExplorerURL string
	// ReceiptWait bounds the wait for the buyer tx; zero skips waiting.
	ReceiptWait time.Duration
	// CallTimeout bounds a shared release, which outlives the caller that
	// started it. Defaults to one minute plus ReceiptWait.
	CallTimeout time.Duration
}

// Releaser releases funded escrows. Concurrent calls for the same request
// share one backend call, and a caller that goes away does not cancel it.
type Releaser struct {
	client   Client
	receipts ReceiptWaiter
	cfg      ReleaserConfig
	group    singleflight.Group
}

func NewReleaser(client Client, receipts ReceiptWaiter, cfg ReleaserConfig) *Releaser {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = time.Minute + cfg.ReceiptWait
	}
	return &Releaser{client: client, receipts: receipts, cfg: cfg}
}

func (r *Releaser) Release(ctx context.Context, requestID string) (models.ReleaseResult, error) {
	ch := r.group.DoChan(requestID, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CallTimeout)
		defer cancel()
		return r.release(callCtx, requestID)
	})
	select {
	case <-ctx.Done():
		return models.ReleaseResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.ReleaseResult{}, res.Err
		}
		return res.Val.(models.ReleaseResult), nil
	}
}

func (r *Releaser) release(ctx context.Context, requestID string) (models.ReleaseResult, error) {
	rec, err := r.client.CheckFunded(ctx, requestID)
	if err != nil {
		return models.ReleaseResult{}, err
	}
	if err := releasable(rec); err != nil {
		return models.ReleaseResult{}, err
	}

	res, err := r.client.Release(ctx, requestID)
	if err != nil {
		return models.ReleaseResult{}, err
	}
	res.FeeTxURL = TxURL(r.cfg.ExplorerURL, res.FeeTx)
	res.BuyerTxURL = TxURL(r.cfg.ExplorerURL, res.BuyerTx)

	if r.receipts != nil && r.cfg.ReceiptWait > 0 && ValidTxHash(res.BuyerTx) {
		waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ReceiptWait)
		ok, werr := r.receipts.WaitForReceipt(waitCtx, res.BuyerTx)
		cancel()
		res.BuyerTxMined = werr == nil && ok
	}
	return res, nil
}

func releasable(rec models.EscrowRecord) error {
	switch rec.EscrowStatus {
	case models.EscrowReleased, models.EscrowProcessingRelease:
		return ErrAlreadyReleased
	case models.EscrowFunded, models.EscrowPendingRelease:
	default:
		return fmt.Errorf("%w: status %q", ErrNotFunded, rec.EscrowStatus)
	}
	if !rec.Required.IsZero() && rec.Balance.LessThan(rec.Required) {
		return fmt.Errorf("%w: balance %s below required %s", ErrNotFunded, rec.Balance, rec.Required)
	}
	return nil
}
