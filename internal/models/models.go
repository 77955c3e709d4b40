package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a seller's crypto offer as stored by the backend.
type Listing struct {
	ID            string          `json:"id"`
	SellerEmail   string          `json:"sellerEmail"`
	CryptoType    string          `json:"cryptoType"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"paymentMethod"`
	Country       string          `json:"country"`
	Currency      string          `json:"currency"`
}

type BuyRequestStatus string

const (
	StatusPending BuyRequestStatus = "pending"
	StatusApprove BuyRequestStatus = "approve"
	StatusDeny    BuyRequestStatus = "deny"
)

func (s BuyRequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApprove, StatusDeny:
		return true
	}
	return false
}

// BuyRequest is a buyer's intent to purchase against a listing.
type BuyRequest struct {
	RequestID        string           `json:"requestId"`
	CryptoExchangeID string           `json:"cryptoExchange_id"`
	BuyerEmail       string           `json:"buyerEmail"`
	SellerEmail      string           `json:"sellerEmail"`
	OfferPrice       decimal.Decimal  `json:"offerPrice"`
	Status           BuyRequestStatus `json:"status"`
	CreatedAt        time.Time        `json:"createdAt,omitempty"`
}

type EscrowStatus string

const (
	EscrowWaitingDeposit    EscrowStatus = "waiting_deposit"
	EscrowFunded            EscrowStatus = "funded"
	EscrowPendingRelease    EscrowStatus = "pending_release"
	EscrowProcessingRelease EscrowStatus = "processing_release"
	EscrowReleased          EscrowStatus = "released"
)

// EscrowStatuses lists every status the backend defines, in lifecycle order.
var EscrowStatuses = []EscrowStatus{
	EscrowWaitingDeposit,
	EscrowFunded,
	EscrowPendingRelease,
	EscrowProcessingRelease,
	EscrowReleased,
}

// EscrowRecord is the backend's view of an escrow wallet for one request.
type EscrowRecord struct {
	RequestID      string          `json:"requestId"`
	EscrowAddress  string          `json:"escrowAddress"`
	Balance        decimal.Decimal `json:"balance"`
	Required       decimal.Decimal `json:"required"`
	EscrowStatus   EscrowStatus    `json:"escrowStatus"`
	ExchangeStatus string          `json:"exchangeStatus,omitempty"`
	Network        string          `json:"network,omitempty"`
}

// Funded reports whether the deposit covers the required amount.
func (r EscrowRecord) Funded() bool {
	if r.Required.IsZero() {
		return false
	}
	return r.Balance.GreaterThanOrEqual(r.Required)
}

type ReleaseResult struct {
	FeeTx        string `json:"feeTx"`
	BuyerTx      string `json:"buyerTx"`
	FeeTxURL     string `json:"feeTxUrl,omitempty"`
	BuyerTxURL   string `json:"buyerTxUrl,omitempty"`
	BuyerTxMined bool   `json:"buyerTxMined,omitempty"`
}

type ChatChannel struct {
	ChannelID string   `json:"channelId"`
	Members   []string `json:"members"`
}

type ChatToken struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	APIKey    string `json:"apiKey,omitempty"`
}
