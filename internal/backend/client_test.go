package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"grandeapp/internal/models"
)

func TestGetSellerBuyRequestsForwardsSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/crypto/getSellerBuyRequests/listing-1", r.URL.Path)
		require.Equal(t, "next-auth.session-token=abc", r.Header.Get("Cookie"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"requestId": "r1", "cryptoExchange_id": "listing-1", "buyerEmail": "b@x.io", "offerPrice": "101.5", "status": "pending"},
			{"requestId": "r2", "cryptoExchange_id": "listing-1", "buyerEmail": "c@x.io", "offerPrice": 99, "status": "approve"},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	ctx := WithSession(context.Background(), "next-auth.session-token=abc")

	reqs, err := client.GetSellerBuyRequests(ctx, "listing-1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	require.Equal(t, models.StatusPending, reqs[0].Status)
	require.True(t, reqs[0].OfferPrice.Equal(decimal.RequireFromString("101.5")))
	require.True(t, reqs[1].OfferPrice.Equal(decimal.NewFromInt(99)))
}

func TestUpdateBuyRequestStatusSendsPatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/api/crypto/updateBuyRequestStatus/r1", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "approve", body["status"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, client.UpdateBuyRequestStatus(context.Background(), "r1", models.StatusApprove))
}

func TestNotFoundIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no escrow", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.GetEscrowStatus(context.Background(), "r1")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
	require.Equal(t, http.StatusNotFound, StatusCode(err))
	require.Contains(t, err.Error(), "no escrow")
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "listing-1", "cryptoType": "USDT", "price": "1.01"})
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL: server.URL,
		Retry:   RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	})
	listing, err := client.GetListing(context.Background(), "listing-1")
	require.NoError(t, err)
	require.Equal(t, "USDT", listing.CryptoType)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestMutationsAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL: server.URL,
		Retry:   RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
	_, err := client.ReleaseEVM(context.Background(), "r1")
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestObserverSeesRouteTemplate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok"})
	}))
	defer server.Close()

	var route string
	var status int
	client := NewClient(Config{
		BaseURL: server.URL,
		Observer: func(_, r string, s int, _ time.Duration) {
			route, status = r, s
		},
	})
	tok, err := client.ConnectChat(context.Background(), "ch-1", "u-1")
	require.NoError(t, err)
	require.Equal(t, "ch-1", tok.ChannelID)
	require.Equal(t, "u-1", tok.UserID)
	require.Equal(t, "/api/chat/connect", route)
	require.Equal(t, http.StatusOK, status)
}
