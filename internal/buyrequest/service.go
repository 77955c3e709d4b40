// Package buyrequest tracks a seller's buy-request queue and drives the
// approve / deny / cancel transitions against the backend.
package buyrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"grandeapp/internal/backend"
	"grandeapp/internal/models"
)

//go:generate mockgen -destination=./mocks/mock_backend.go -package=mocks grandeapp/internal/buyrequest Backend

// Backend is the slice of the marketplace API the lifecycle needs.
type Backend interface {
	GetSellerBuyRequests(ctx context.Context, listingID string) ([]models.BuyRequest, error)
	UpdateBuyRequestStatus(ctx context.Context, requestID string, status models.BuyRequestStatus) error
	CreateBuyRequest(ctx context.Context, in backend.CreateBuyRequestInput) (models.BuyRequest, error)
	SendBuyRequestEmail(ctx context.Context, in backend.BuyRequestEmail) error
}

var (
	ErrNotFound    = errors.New("buy request not found")
	ErrNotApproved = errors.New("buy request is not approved")
)

type Service struct {
	api Backend
	log logrus.FieldLogger
	now func() time.Time

	mu     sync.Mutex
	boards map[string]*Board
}

func NewService(api Backend, log logrus.FieldLogger) *Service {
	return &Service{
		api:    api,
		log:    log,
		now:    time.Now,
		boards: make(map[string]*Board),
	}
}

// Refresh rebuilds the listing's board from the backend. The chat selection
// survives when the selected request is still on the board.
func (s *Service) Refresh(ctx context.Context, listingID string) (Board, error) {
	reqs, err := s.api.GetSellerBuyRequests(ctx, listingID)
	if err != nil {
		return Board{}, fmt.Errorf("fetch buy requests for %s: %w", listingID, err)
	}

	fresh := newBoard(listingID, reqs, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.boards[listingID]; ok && old.Selected != "" {
		if _, _, found := fresh.find(old.Selected); found {
			fresh.Selected = old.Selected
		}
	}
	s.boards[listingID] = fresh
	return fresh.clone(), nil
}

// Board returns a copy of the listing's board, if loaded.
func (s *Service) Board(listingID string) (Board, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[listingID]
	if !ok {
		return Board{}, false
	}
	return b.clone(), true
}

func (s *Service) lookup(listingID, requestID string) (models.BuyRequest, models.BuyRequestStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[listingID]
	if !ok {
		return models.BuyRequest{}, "", false
	}
	return b.find(requestID)
}

// locate finds requestID on the listing's board. A miss triggers one refresh
// so requests created since the last poll are still found.
func (s *Service) locate(ctx context.Context, listingID, requestID string) (models.BuyRequestStatus, bool, error) {
	if _, status, ok := s.lookup(listingID, requestID); ok {
		return status, true, nil
	}
	if _, err := s.Refresh(ctx, listingID); err != nil {
		return "", false, err
	}
	_, status, ok := s.lookup(listingID, requestID)
	return status, ok, nil
}

// Approve marks a pending request approved. The board changes only after the
// backend accepts the update; onApproved (may be nil) then receives the
// approved request.
func (s *Service) Approve(ctx context.Context, listingID, requestID string, onApproved func(models.BuyRequest)) (models.BuyRequest, error) {
	status, ok, err := s.locate(ctx, listingID, requestID)
	if err != nil {
		return models.BuyRequest{}, err
	}
	if !ok || status != models.StatusPending {
		return models.BuyRequest{}, fmt.Errorf("%w: %s is not pending on listing %s", ErrNotFound, requestID, listingID)
	}

	if err := s.api.UpdateBuyRequestStatus(ctx, requestID, models.StatusApprove); err != nil {
		s.log.WithError(err).WithField("request_id", requestID).Warn("approve rejected by backend")
		return models.BuyRequest{}, fmt.Errorf("approve %s: %w", requestID, err)
	}

	s.mu.Lock()
	approved, moved := s.boards[listingID].approve(requestID)
	s.mu.Unlock()
	if !moved {
		// A concurrent refresh already reflected the change.
		approved, _, _ = s.lookup(listingID, requestID)
		approved.Status = models.StatusApprove
	}

	s.log.WithFields(logrus.Fields{"listing_id": listingID, "request_id": requestID}).Info("buy request approved")
	if onApproved != nil {
		onApproved(approved)
	}
	return approved, nil
}

// Deny rejects a pending or approved request and removes it from the board.
func (s *Service) Deny(ctx context.Context, listingID, requestID string) error {
	_, ok, err := s.locate(ctx, listingID, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on listing %s", ErrNotFound, requestID, listingID)
	}

	if err := s.api.UpdateBuyRequestStatus(ctx, requestID, models.StatusDeny); err != nil {
		s.log.WithError(err).WithField("request_id", requestID).Warn("deny rejected by backend")
		return fmt.Errorf("deny %s: %w", requestID, err)
	}

	s.mu.Lock()
	s.boards[listingID].remove(requestID)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"listing_id": listingID, "request_id": requestID}).Info("buy request denied")
	return nil
}

// PrepareCancel returns a confirmation that denies the approved request once
// confirmed. Closing it leaves the request untouched.
func (s *Service) PrepareCancel(ctx context.Context, listingID, requestID string) (*Confirmation, error) {
	status, ok, err := s.locate(ctx, listingID, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s on listing %s", ErrNotFound, requestID, listingID)
	}
	if status != models.StatusApprove {
		return nil, fmt.Errorf("%w: %s", ErrNotApproved, requestID)
	}
	return NewConfirmation(func() error {
		return s.Deny(ctx, listingID, requestID)
	}), nil
}

// Select opens the chat for requestID on the listing's board.
func (s *Service) Select(listingID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[listingID]
	if !ok {
		return fmt.Errorf("%w: listing %s not loaded", ErrNotFound, listingID)
	}
	if _, _, found := b.find(requestID); !found {
		return fmt.Errorf("%w: %s on listing %s", ErrNotFound, requestID, listingID)
	}
	b.Selected = requestID
	return nil
}

type SubmitInput struct {
	ListingID   string          `json:"listingId"`
	BuyerEmail  string          `json:"buyerEmail"`
	SellerEmail string          `json:"sellerEmail"`
	OfferPrice  decimal.Decimal `json:"offerPrice"`
}

func (in SubmitInput) Validate() error {
	if strings.TrimSpace(in.ListingID) == "" {
		return errors.New("listingId is required")
	}
	if !strings.Contains(in.BuyerEmail, "@") {
		return errors.New("buyerEmail is required")
	}
	if !strings.Contains(in.SellerEmail, "@") {
		return errors.New("sellerEmail is required")
	}
	if strings.EqualFold(in.BuyerEmail, in.SellerEmail) {
		return errors.New("buyer and seller must differ")
	}
	if !in.OfferPrice.IsPositive() {
		return errors.New("offerPrice must be positive")
	}
	return nil
}

// Submit records a buyer's request and emails the seller. A failed email is
// logged; the request itself still stands.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (models.BuyRequest, error) {
	if err := in.Validate(); err != nil {
		return models.BuyRequest{}, err
	}

	created, err := s.api.CreateBuyRequest(ctx, backend.CreateBuyRequestInput{
		CryptoExchangeID: in.ListingID,
		BuyerEmail:       in.BuyerEmail,
		SellerEmail:      in.SellerEmail,
		OfferPrice:       in.OfferPrice,
	})
	if err != nil {
		return models.BuyRequest{}, fmt.Errorf("create buy request: %w", err)
	}
	if created.Status == "" {
		created.Status = models.StatusPending
	}

	if err := s.api.SendBuyRequestEmail(ctx, backend.BuyRequestEmail{
		SellerEmail: in.SellerEmail,
		BuyerEmail:  in.BuyerEmail,
		ListingID:   in.ListingID,
		OfferPrice:  in.OfferPrice,
	}); err != nil {
		s.log.WithError(err).WithField("listing_id", in.ListingID).Warn("buy request email failed")
	}
	return created, nil
}
