package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"grandeapp/internal/models"
)

func (c *Client) GetListing(ctx context.Context, id string) (models.Listing, error) {
	var out models.Listing
	err := c.do(ctx, http.MethodGet, "/listings/:id", "/listings/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) GetSellerBuyRequests(ctx context.Context, listingID string) ([]models.BuyRequest, error) {
	var out []models.BuyRequest
	err := c.do(ctx, http.MethodGet, "/api/crypto/getSellerBuyRequests/:id",
		"/api/crypto/getSellerBuyRequests/"+url.PathEscape(listingID), nil, &out)
	return out, err
}

func (c *Client) UpdateBuyRequestStatus(ctx context.Context, requestID string, status models.BuyRequestStatus) error {
	body := struct {
		Status models.BuyRequestStatus `json:"status"`
	}{Status: status}
	return c.do(ctx, http.MethodPatch, "/api/crypto/updateBuyRequestStatus/:id",
		"/api/crypto/updateBuyRequestStatus/"+url.PathEscape(requestID), body, nil)
}

type CreateBuyRequestInput struct {
	CryptoExchangeID string          `json:"cryptoExchange_id"`
	BuyerEmail       string          `json:"buyerEmail"`
	SellerEmail      string          `json:"sellerEmail"`
	OfferPrice       decimal.Decimal `json:"offerPrice"`
}

func (c *Client) CreateBuyRequest(ctx context.Context, in CreateBuyRequestInput) (models.BuyRequest, error) {
	var out models.BuyRequest
	err := c.do(ctx, http.MethodPost, "/api/crypto/createBuyRequest", "/api/crypto/createBuyRequest", in, &out)
	return out, err
}

type BuyRequestEmail struct {
	SellerEmail string          `json:"sellerEmail"`
	BuyerEmail  string          `json:"buyerEmail"`
	ListingID   string          `json:"listingId"`
	OfferPrice  decimal.Decimal `json:"offerPrice"`
}

func (c *Client) SendBuyRequestEmail(ctx context.Context, in BuyRequestEmail) error {
	return c.do(ctx, http.MethodPost, "/sendBuyRequestEmail", "/sendBuyRequestEmail", in, nil)
}

func (c *Client) GetEscrowStatus(ctx context.Context, requestID string) (models.EscrowRecord, error) {
	var out models.EscrowRecord
	err := c.do(ctx, http.MethodGet, "/api/escrow/status/:id", "/api/escrow/status/"+url.PathEscape(requestID), nil, &out)
	return out, err
}

type EVMEscrowInput struct {
	DepositAmount decimal.Decimal `json:"depositAmount"`
	RequestID     string          `json:"request_id"`
	BuyerEmail    string          `json:"buyerEmail"`
	SellerEmail   string          `json:"sellerEmail"`
}

func (c *Client) CreateEVMEscrow(ctx context.Context, in EVMEscrowInput) (models.EscrowRecord, error) {
	var out models.EscrowRecord
	err := c.do(ctx, http.MethodPost, "/api/escrow/evmcreate", "/api/escrow/evmcreate", in, &out)
	return out, err
}

func (c *Client) CheckFunded(ctx context.Context, requestID string) (models.EscrowRecord, error) {
	var out models.EscrowRecord
	q := url.Values{"requestId": []string{requestID}}
	err := c.do(ctx, http.MethodGet, "/api/escrow/check-funded", "/api/escrow/check-funded?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) ReleaseEVM(ctx context.Context, requestID string) (models.ReleaseResult, error) {
	var out models.ReleaseResult
	err := c.do(ctx, http.MethodPost, "/api/escrow/evmrelease/:id", "/api/escrow/evmrelease/"+url.PathEscape(requestID), struct{}{}, &out)
	return out, err
}

func (c *Client) ListChatChannels(ctx context.Context, userID string) ([]models.ChatChannel, error) {
	var out []models.ChatChannel
	q := url.Values{"userId": []string{userID}}
	err := c.do(ctx, http.MethodGet, "/api/chat/channels", "/api/chat/channels?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) ConnectChat(ctx context.Context, channelID, userID string) (models.ChatToken, error) {
	body := struct {
		ChannelID string `json:"channelId"`
		UserID    string `json:"userId"`
	}{ChannelID: channelID, UserID: userID}
	var out models.ChatToken
	err := c.do(ctx, http.MethodPost, "/api/chat/connect", "/api/chat/connect", body, &out)
	if err == nil {
		if out.ChannelID == "" {
			out.ChannelID = channelID
		}
		if out.UserID == "" {
			out.UserID = userID
		}
	}
	return out, err
}

func (c *Client) Presence(ctx context.Context, userID string) error {
	body := struct {
		UserID string `json:"userId"`
	}{UserID: userID}
	return c.do(ctx, http.MethodPost, "/api/chat/presence", "/api/chat/presence", body, nil)
}
