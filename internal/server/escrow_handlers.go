package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"grandeapp/internal/backend"
	"grandeapp/internal/escrow"
	"grandeapp/internal/idempotency"
	"grandeapp/internal/models"
)

const headerIdempotencyKey = "X-Idempotency-Key"

type ensureEscrowRequest struct {
	RequestID     string          `json:"requestId"`
	DepositAmount decimal.Decimal `json:"depositAmount"`
	BuyerEmail    string          `json:"buyerEmail"`
	SellerEmail   string          `json:"sellerEmail"`
}

type ensureEscrowResponse struct {
	Escrow  models.EscrowRecord `json:"escrow"`
	Created bool                `json:"created"`
}

func (s *Server) handleEnsureEscrow(w http.ResponseWriter, r *http.Request) {
	var payload ensureEscrowRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := escrow.CreateRequest{
		DepositAmount: payload.DepositAmount,
		RequestID:     payload.RequestID,
		BuyerEmail:    payload.BuyerEmail,
		SellerEmail:   payload.SellerEmail,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, created, err := escrow.Ensure(r.Context(), s.deps.Escrow, req)
	if err != nil {
		s.metrics.incEscrow("failed")
		s.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.metrics.incEscrow("created")
		s.log.WithFields(logrus.Fields{
			"request_id":     rec.RequestID,
			"escrow_address": rec.EscrowAddress,
		}).Info("escrow wallet created")
	} else {
		s.metrics.incEscrow("existing")
	}
	writeJSON(w, status, ensureEscrowResponse{Escrow: rec, Created: created})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	view, err := escrow.CheckBalance(r.Context(), s.deps.Escrow, s.deps.Chain, s.cfg.Chain.Network, mux.Vars(r)["requestId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRelease releases a funded escrow. With an X-Idempotency-Key the first
// successful response is replayed for repeats inside the idempotency window.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := mux.Vars(r)["requestId"]

	var storeKey, fingerprint string
	if key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); key != "" && s.deps.Store != nil {
		storeKey = "release:" + key
		fingerprint = idempotency.Fingerprint(r.Method, r.URL.Path)
		existing, err := idempotency.Lookup(ctx, s.deps.Store, storeKey, fingerprint)
		if errors.Is(err, idempotency.ErrKeyReused) {
			s.fail(w, r, err)
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("idempotency lookup failed")
		}
		if existing != nil {
			s.metrics.incRelease("cached")
			replay(w, existing)
			return
		}
	}

	result, err := s.deps.Releaser.Release(ctx, requestID)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrNotFunded), errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrNotFound):
			s.metrics.incRelease("refused")
		case errors.Is(err, context.Canceled):
			// The caller left; the shared release carries on without it.
			s.metrics.incRelease("abandoned")
			s.log.WithField("request_id", requestID).Info("release caller went away")
			return
		default:
			s.metrics.incRelease("failed")
			s.writeDLQ("release", requestID, map[string]string{"requestId": requestID}, err)
		}
		s.fail(w, r, err)
		return
	}

	body, _ := json.Marshal(result)
	if storeKey != "" {
		now := time.Now()
		rec := idempotency.Record{
			StatusCode:  http.StatusOK,
			Response:    body,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Idempotency.Window),
		}
		if err := s.deps.Store.Save(ctx, storeKey, rec); err != nil {
			s.log.WithError(err).Warn("idempotency save failed")
		}
	}

	s.metrics.incRelease("released")
	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"fee_tx":     result.FeeTx,
		"buyer_tx":   result.BuyerTx,
	}).Info("escrow released")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func replay(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Response)
}

type escrowCallbackRequest struct {
	RequestID    string              `json:"requestId"`
	EscrowStatus models.EscrowStatus `json:"escrowStatus"`
	TxHash       string              `json:"txHash,omitempty"`
}

type escrowCallbackResponse struct {
	Status       string              `json:"status"`
	RequestID    string              `json:"requestId"`
	EscrowStatus models.EscrowStatus `json:"escrowStatus"`
	Funded       bool                `json:"funded"`
}

const callbackKeyPrefix = "callback:"

// handleEscrowCallback confirms a pushed status change against the backend
// before acknowledging it. Unknown escrows are refused with 404; other
// confirmation failures go to the DLQ.
func (s *Server) handleEscrowCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload escrowCallbackRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.RequestID == "" {
		writeError(w, http.StatusBadRequest, errors.New("requestId is required"))
		return
	}

	key := callbackKeyPrefix + payload.RequestID + ":" + string(payload.EscrowStatus)
	if s.deps.Store != nil {
		if existing, _ := s.deps.Store.Get(ctx, key); existing != nil {
			s.metrics.incCallback("cached")
			replay(w, existing)
			return
		}
	}

	rec, err := s.confirmWithRetry(ctx, payload.RequestID)
	if errors.Is(err, escrow.ErrNotFound) {
		s.metrics.incCallback("unknown")
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.metrics.incCallback("failed")
		s.writeDLQ("callback", payload.RequestID, payload, err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("confirm escrow: %w", err))
		return
	}

	resp := escrowCallbackResponse{
		Status:       "processed",
		RequestID:    payload.RequestID,
		EscrowStatus: rec.EscrowStatus,
		Funded:       rec.Funded(),
	}
	body, _ := json.Marshal(resp)
	if s.deps.Store != nil {
		now := time.Now()
		_ = s.deps.Store.Save(ctx, key, idempotency.Record{
			StatusCode: http.StatusOK,
			Response:   body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Idempotency.Window),
		})
	}

	entry := s.log.WithFields(logrus.Fields{
		"request_id":    payload.RequestID,
		"pushed_status": payload.EscrowStatus,
		"escrow_status": rec.EscrowStatus,
	})
	if resp.Funded {
		entry.Info("escrow funded")
	} else {
		entry.Debug("escrow callback processed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	s.metrics.incCallback("processed")
	s.updateDLQDepth()
}

func (s *Server) confirmWithRetry(ctx context.Context, requestID string) (models.EscrowRecord, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := s.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		rec, err := s.deps.Escrow.CheckFunded(ctx, requestID)
		if err == nil {
			s.metrics.incRetry("success")
			return rec, nil
		}
		if !isRetryable(err) || i == attempts {
			s.metrics.incRetry("failed")
			return models.EscrowRecord{}, err
		}

		s.metrics.incRetry("retry")
		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return models.EscrowRecord{}, ctx.Err()
		}
		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(s.cfg.Retry.BackoffMultiplier)
		}
	}
	return models.EscrowRecord{}, errors.New("exhausted retries")
}

// isRetryable is false for answers that will not change on a retry.
func isRetryable(err error) bool {
	if errors.Is(err, escrow.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	code := backend.StatusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

type dlqEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      string      `json:"kind"`
	RequestID string      `json:"requestId"`
	Payload   interface{} `json:"payload"`
	Error     string      `json:"error"`
}

func (s *Server) writeDLQ(kind, requestID string, payload interface{}, cause error) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	data, err := json.MarshalIndent(dlqEntry{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		RequestID: requestID,
		Payload:   payload,
		Error:     cause.Error(),
	}, "", "  ")
	if err != nil {
		s.log.WithError(err).Error("dlq marshal")
		return
	}
	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.log.WithError(err).Error("dlq mkdir")
		return
	}

	name := fmt.Sprintf("%d-%s-%s.json", time.Now().UnixNano(), kind, safeName(requestID))
	if err := os.WriteFile(filepath.Join(s.cfg.Service.DLQPath, name), data, 0o600); err != nil {
		s.log.WithError(err).Error("dlq write")
	}
	s.updateDLQDepth()
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	s.metrics.setDLQDepth(depth)
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).Warn("dlq read")
		}
		return 0
	}
	return len(entries)
}
