package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"grandeapp/internal/backend"
	"grandeapp/internal/buyrequest"
	"grandeapp/internal/chat"
	"grandeapp/internal/config"
	"grandeapp/internal/escrow"
	"grandeapp/internal/hmacauth"
	"grandeapp/internal/idempotency"
	"grandeapp/internal/logging"
	"grandeapp/internal/models"
)

// fakeMarketplace stands in for the remote backend's HTTP API.
type fakeMarketplace struct {
	mu           sync.Mutex
	requests     map[string]models.BuyRequest
	failPatch    bool
	patches      int
	connects     int
	cookies      []string
	emails       int
	nextID       int
	listingPrice string
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		requests: map[string]models.BuyRequest{
			"r1": {RequestID: "r1", CryptoExchangeID: "l1", BuyerEmail: "a@x.io", SellerEmail: "s@x.io", OfferPrice: decimal.NewFromInt(100), Status: models.StatusPending},
			"r2": {RequestID: "r2", CryptoExchangeID: "l1", BuyerEmail: "b@x.io", SellerEmail: "s@x.io", OfferPrice: decimal.NewFromInt(95), Status: models.StatusPending},
		},
		listingPrice: "1.02",
	}
}

func (f *fakeMarketplace) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/listings/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": mux.Vars(r)["id"], "cryptoType": "USDT", "price": f.listingPrice})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/crypto/getSellerBuyRequests/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cookies = append(f.cookies, r.Header.Get("Cookie"))
		out := []models.BuyRequest{}
		for _, req := range f.requests {
			if req.CryptoExchangeID == mux.Vars(r)["id"] {
				out = append(out, req)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/crypto/updateBuyRequestStatus/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.patches++
		if f.failPatch {
			http.Error(w, "database unavailable", http.StatusInternalServerError)
			return
		}
		var body struct {
			Status models.BuyRequestStatus `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		req, ok := f.requests[mux.Vars(r)["id"]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		req.Status = body.Status
		f.requests[req.RequestID] = req
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPatch)
	r.HandleFunc("/api/crypto/createBuyRequest", func(w http.ResponseWriter, r *http.Request) {
		var in backend.CreateBuyRequestInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		f.nextID++
		req := models.BuyRequest{
			RequestID:        fmt.Sprintf("new-%d", f.nextID),
			CryptoExchangeID: in.CryptoExchangeID,
			BuyerEmail:       in.BuyerEmail,
			SellerEmail:      in.SellerEmail,
			OfferPrice:       in.OfferPrice,
			Status:           models.StatusPending,
		}
		f.requests[req.RequestID] = req
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(req)
	}).Methods(http.MethodPost)
	r.HandleFunc("/sendBuyRequestEmail", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.emails++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/channels", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.ChatChannel{{ChannelID: "ch-1", Members: []string{r.URL.Query().Get("userId"), "s@x.io"}}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/connect", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.connects++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1", "apiKey": "key"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/presence", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	return r
}

type marketStats struct {
	patches  int
	connects int
	emails   int
	cookies  []string
}

func (f *fakeMarketplace) stats() marketStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return marketStats{
		patches:  f.patches,
		connects: f.connects,
		emails:   f.emails,
		cookies:  append([]string(nil), f.cookies...),
	}
}

func (f *fakeMarketplace) status(requestID string) models.BuyRequestStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[requestID].Status
}

func (f *fakeMarketplace) setFailPatch(v bool) {
	f.mu.Lock()
	f.failPatch = v
	f.mu.Unlock()
}

type harness struct {
	srv     *Server
	market  *fakeMarketplace
	escrow  *escrow.FakeClient
	handler http.Handler
	cfg     *config.AppConfig
}

func testConfig(t *testing.T) *config.AppConfig {
	return &config.AppConfig{
		Environment: config.EnvDevelopment,
		Service: config.ServiceConfig{
			HMACClockSkew: time.Minute,
			WebhookSecret: "hook-secret",
			DLQPath:       t.TempDir(),
		},
		Chain: config.ChainConfig{
			Network:     "pol",
			ExplorerURL: "https://polygonscan.com",
		},
		Idempotency: config.IdempotencyConfig{Window: time.Minute},
		Retry: config.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

func newHarness(t *testing.T, mutate func(*config.AppConfig, *Deps)) *harness {
	t.Helper()
	market := newFakeMarketplace()
	upstream := httptest.NewServer(market.handler())
	t.Cleanup(upstream.Close)

	cfg := testConfig(t)
	log := logging.Discard()
	api := backend.NewClient(backend.Config{BaseURL: upstream.URL})
	fake := escrow.NewFakeClient(cfg.Chain.Network)
	svc := buyrequest.NewService(api, log)
	registry := chat.NewRegistry(context.Background(), api, 0, 0, log)
	t.Cleanup(registry.CloseAll)

	deps := Deps{
		Listings: api,
		Requests: svc,
		Watcher:  buyrequest.NewWatcher(svc, time.Hour, log),
		Escrow:   fake,
		Releaser: escrow.NewReleaser(fake, nil, escrow.ReleaserConfig{ExplorerURL: cfg.Chain.ExplorerURL}),
		Chat:     registry,
		Store:    idempotency.NewMemoryStore(),
		Log:      log,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	srv := NewServer(cfg, deps)
	return &harness{srv: srv, market: market, escrow: fake, handler: srv.Handler(), cfg: cfg}
}

func (h *harness) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBoard(t *testing.T, rec *httptest.ResponseRecorder) buyrequest.Board {
	t.Helper()
	var out struct {
		Board buyrequest.Board `json:"board"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Board
}

func ids(reqs []models.BuyRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.RequestID)
	}
	return out
}

func TestGetListingForwardsToBackend(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/api/v1/listings/l1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing models.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, "l1", listing.ID)
	require.True(t, listing.Price.Equal(decimal.RequireFromString("1.02")))
}

func TestBoardForwardsSessionCookie(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/api/v1/listings/l1/requests", nil, map[string]string{"Cookie": "session=abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(headerRequestID))

	var board buyrequest.Board
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.ElementsMatch(t, []string{"r1", "r2"}, ids(board.Pending))
	require.Equal(t, []string{"session=abc"}, h.market.stats().cookies)
}

func TestApproveMovesRequestAndSelectsChat(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/listings/l1/requests/r1/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	board := decodeBoard(t, rec)
	require.Equal(t, []string{"r2"}, ids(board.Pending))
	require.Equal(t, []string{"r1"}, ids(board.Approved))
	require.Equal(t, "r1", board.Selected)
}

func TestApproveFailureLeavesBoardUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.market.setFailPatch(true)

	rec := h.do(http.MethodPost, "/api/v1/listings/l1/requests/r1/approve", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	board, ok := h.srv.deps.Requests.Board("l1")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"r1", "r2"}, ids(board.Pending))
	require.Empty(t, board.Approved)
}

func TestApproveRightAfterSubmit(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/listings/l1/requests", nil, nil).Code)

	rec := h.do(http.MethodPost, "/api/v1/requests", map[string]string{
		"listingId":   "l1",
		"buyerEmail":  "c@x.io",
		"sellerEmail": "s@x.io",
		"offerPrice":  "101",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.BuyRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = h.do(http.MethodPost, "/api/v1/listings/l1/requests/"+created.RequestID+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.market.stats().patches)
	require.Equal(t, models.StatusApprove, h.market.status(created.RequestID))

	board := decodeBoard(t, rec)
	require.Contains(t, ids(board.Approved), created.RequestID)
}

func TestDenyUnknownRequestIs404(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/listings/l1/requests/nope/deny", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Zero(t, h.market.stats().patches)
}

func TestCancelRequiresConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/listings/l1/requests/r1/approve", nil, nil).Code)

	rec := h.do(http.MethodPost, "/api/v1/listings/l1/requests/r1/cancel", map[string]bool{"confirm": false}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	board, _ := h.srv.deps.Requests.Board("l1")
	require.Equal(t, []string{"r1"}, ids(board.Approved))
	require.Equal(t, 1, h.market.stats().patches)

	rec = h.do(http.MethodPost, "/api/v1/listings/l1/requests/r1/cancel", map[string]bool{"confirm": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board = decodeBoard(t, rec)
	require.Empty(t, board.Approved)
	require.Empty(t, board.Selected)
	require.Equal(t, models.StatusDeny, h.market.status("r1"))
}

func TestCancelPendingRequestIsConflict(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/listings/l1/requests/r2/cancel", map[string]bool{"confirm": true}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Zero(t, h.market.stats().patches)
}

func TestSubmitCreatesAndEmails(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/requests", map[string]string{
		"listingId":   "l1",
		"buyerEmail":  "c@x.io",
		"sellerEmail": "s@x.io",
		"offerPrice":  "99.5",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.BuyRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, models.StatusPending, created.Status)
	require.Equal(t, 1, h.market.stats().emails)

	rec = h.do(http.MethodPost, "/api/v1/requests", map[string]string{"listingId": "l1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWatchRegistersListing(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/listings/l9/watch", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"l9"}, h.srv.deps.Watcher.Watching())

	rec = h.do(http.MethodDelete, "/api/v1/listings/l9/watch", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, h.srv.deps.Watcher.Watching())
}

func ensureBody(requestID string) map[string]string {
	return map[string]string{
		"requestId":     requestID,
		"depositAmount": "250",
		"buyerEmail":    "a@x.io",
		"sellerEmail":   "s@x.io",
	}
}

func TestEnsureEscrowCreatesOnlyOnce(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out ensureEscrowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.False(t, out.Created)
	require.Equal(t, models.EscrowWaitingDeposit, out.Escrow.EscrowStatus)
	require.Equal(t, 1, h.escrow.CreateCalls)
}

func TestBalanceReportsBadge(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil).Code)
	require.NoError(t, h.escrow.Deposit("r1", decimal.NewFromInt(250)))

	rec := h.do(http.MethodGet, "/api/v1/escrow/r1/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view escrow.BalanceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.True(t, view.Funded)
	require.True(t, view.Visible)
	require.Equal(t, "Funded", view.Badge.Label)

	rec = h.do(http.MethodGet, "/api/v1/escrow/missing/balance", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseRefusedWhenUnfunded(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil).Code)

	rec := h.do(http.MethodPost, "/api/v1/escrow/r1/release", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Zero(t, h.escrow.ReleaseCalls)

	entries, _ := os.ReadDir(h.cfg.Service.DLQPath)
	require.Empty(t, entries)
}

func TestReleaseReplaysIdempotentResponse(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil).Code)
	require.NoError(t, h.escrow.Deposit("r1", decimal.NewFromInt(250)))

	key := map[string]string{headerIdempotencyKey: "click-1"}
	first := h.do(http.MethodPost, "/api/v1/escrow/r1/release", nil, key)
	require.Equal(t, http.StatusOK, first.Code)

	var res models.ReleaseResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &res))
	require.Equal(t, "https://polygonscan.com/tx/"+res.BuyerTx, res.BuyerTxURL)

	second := h.do(http.MethodPost, "/api/v1/escrow/r1/release", nil, key)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	require.Equal(t, 1, h.escrow.ReleaseCalls)

	third := h.do(http.MethodPost, "/api/v1/escrow/r1/release", nil, nil)
	require.Equal(t, http.StatusConflict, third.Code)
}

func TestReleaseKeyReusedForOtherRequest(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"r1", "r2"} {
		require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody(id), nil).Code)
		require.NoError(t, h.escrow.Deposit(id, decimal.NewFromInt(250)))
	}

	key := map[string]string{headerIdempotencyKey: "shared"}
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/escrow/r1/release", nil, key).Code)
	rec := h.do(http.MethodPost, "/api/v1/escrow/r2/release", nil, key)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

type brokenEscrow struct {
	*escrow.FakeClient
}

func (brokenEscrow) Release(context.Context, string) (models.ReleaseResult, error) {
	return models.ReleaseResult{}, errors.New("relayer out of gas")
}

func TestReleaseFailureWritesDLQ(t *testing.T) {
	fake := escrow.NewFakeClient("pol")
	h := newHarness(t, func(cfg *config.AppConfig, d *Deps) {
		broken := brokenEscrow{fake}
		d.Escrow = broken
		d.Releaser = escrow.NewReleaser(broken, nil, escrow.ReleaserConfig{})
	})
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil).Code)
	require.NoError(t, fake.Deposit("r1", decimal.NewFromInt(250)))

	rec := h.do(http.MethodPost, "/api/v1/escrow/r1/release", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	entries, err := os.ReadDir(h.cfg.Service.DLQPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

type slowEscrow struct {
	*escrow.FakeClient
	gate chan struct{}
}

func (s slowEscrow) Release(ctx context.Context, requestID string) (models.ReleaseResult, error) {
	<-s.gate
	return s.FakeClient.Release(ctx, requestID)
}

func TestReleaseAbandonedByCallerSkipsDLQ(t *testing.T) {
	fake := escrow.NewFakeClient("pol")
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	h := newHarness(t, func(cfg *config.AppConfig, d *Deps) {
		slow := slowEscrow{FakeClient: fake, gate: gate}
		d.Escrow = slow
		d.Releaser = escrow.NewReleaser(slow, nil, escrow.ReleaserConfig{})
	})
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil).Code)
	require.NoError(t, fake.Deposit("r1", decimal.NewFromInt(250)))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrow/r1/release", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handler.ServeHTTP(rec, req)
	}()
	cancel()
	<-done

	entries, _ := os.ReadDir(h.cfg.Service.DLQPath)
	require.Empty(t, entries)
}

func TestChatTokenServedFromCache(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/chat/channels?userId=u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sources []string
	for i := 0; i < 2; i++ {
		rec = h.do(http.MethodPost, "/api/v1/chat/channels/ch-1/token?userId=u1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out chatTokenResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Equal(t, "tok-1", out.Token)
		sources = append(sources, out.Source)
	}
	require.Equal(t, []string{"network", "cache"}, sources)
	require.Equal(t, 1, h.market.stats().connects)

	require.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/api/v1/chat/sessions/u1", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/v1/chat/sessions/u1", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/v1/chat/channels", nil, nil).Code)
}

func signedCallback(t *testing.T, secret string, payload interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/escrow", bytes.NewReader(body))
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	req.Header.Set(hmacauth.DefaultSignatureHeader, hmacauth.Sign(secret, ts, body))
	return req
}

func TestEscrowCallbackIdempotency(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/escrow", ensureBody("r1"), nil).Code)
	require.NoError(t, h.escrow.Deposit("r1", decimal.NewFromInt(250)))

	payload := escrowCallbackRequest{RequestID: "r1", EscrowStatus: models.EscrowFunded}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedCallback(t, "hook-secret", payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp escrowCallbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Funded)

	before := h.escrow.StatusCalls
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, signedCallback(t, "hook-secret", payload))
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, rec.Body.Bytes(), rec2.Body.Bytes())
	require.Equal(t, before, h.escrow.StatusCalls)
}

func TestEscrowCallbackRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedCallback(t, "wrong-secret", escrowCallbackRequest{RequestID: "r1"}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

type unreachableEscrow struct {
	*escrow.FakeClient
}

func (unreachableEscrow) CheckFunded(context.Context, string) (models.EscrowRecord, error) {
	return models.EscrowRecord{}, &backend.APIError{StatusCode: http.StatusServiceUnavailable, Body: "upstream down"}
}

func TestEscrowCallbackDLQOnFailure(t *testing.T) {
	h := newHarness(t, func(_ *config.AppConfig, d *Deps) {
		d.Escrow = unreachableEscrow{escrow.NewFakeClient("pol")}
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedCallback(t, "hook-secret", escrowCallbackRequest{RequestID: "r1", EscrowStatus: models.EscrowFunded}))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	entries, err := os.ReadDir(h.cfg.Service.DLQPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, h.srv.currentDLQDepth())
}

func TestEscrowCallbackUnknownEscrowIs404(t *testing.T) {
	h := newHarness(t, nil)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedCallback(t, "hook-secret", escrowCallbackRequest{RequestID: "ghost", EscrowStatus: models.EscrowFunded}))
	require.Equal(t, http.StatusNotFound, rec.Code)

	entries, _ := os.ReadDir(h.cfg.Service.DLQPath)
	require.Empty(t, entries)
}

func TestEscrowCallbackRefusedWithoutSecret(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig, _ *Deps) {
		cfg.Service.WebhookSecret = ""
	})

	for _, id := range []string{"ghost-1", "ghost-2"} {
		body, _ := json.Marshal(escrowCallbackRequest{RequestID: id, EscrowStatus: models.EscrowFunded})
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/escrow", bytes.NewReader(body)))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}

	entries, _ := os.ReadDir(h.cfg.Service.DLQPath)
	require.Empty(t, entries)
	require.Zero(t, h.escrow.StatusCalls)
}

func TestHealthDegradesWhenBackendDown(t *testing.T) {
	h := newHarness(t, func(_ *config.AppConfig, d *Deps) {
		d.BackendHealth = func(context.Context) error { return errors.New("connection refused") }
	})
	rec := h.do(http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status  string           `json:"status"`
		Backend dependencyHealth `json:"backend"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "connection refused", body.Backend.Error)
}

func TestHealthyAndMetricsExposed(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/health", nil, nil).Code)

	h.do(http.MethodPost, "/api/v1/listings/l1/requests/r1/approve", nil, nil)
	rec := h.do(http.MethodGet, "/api/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "grandeapp_buy_request_updates_total")
}

func (h *harness) doFrom(remote, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitPerClient(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig, _ *Deps) {
		cfg.Service.RateLimitRPS = 1
		cfg.Service.RateLimitBurst = 1
	})
	require.Equal(t, http.StatusOK, h.doFrom("192.0.2.1:1234", "/api/v1/health", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, h.doFrom("192.0.2.1:1234", "/api/v1/health", nil).Code)
	require.Equal(t, http.StatusOK, h.doFrom("192.0.2.2:1234", "/api/v1/health", nil).Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig, _ *Deps) {
		cfg.Service.RateLimitRPS = 1
		cfg.Service.RateLimitBurst = 1
	})
	first := h.doFrom("192.0.2.1:1234", "/api/v1/health", map[string]string{"X-Forwarded-For": "10.0.0.1"})
	require.Equal(t, http.StatusOK, first.Code)
	rotated := h.doFrom("192.0.2.1:1234", "/api/v1/health", map[string]string{"X-Forwarded-For": "10.0.0.2"})
	require.Equal(t, http.StatusTooManyRequests, rotated.Code)
}

func TestRateLimitHonorsForwardedForFromTrustedProxy(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig, _ *Deps) {
		cfg.Service.RateLimitRPS = 1
		cfg.Service.RateLimitBurst = 1
		cfg.Service.TrustedProxies = []string{"192.0.2.0/24"}
	})
	proxy := "192.0.2.10:443"
	require.Equal(t, http.StatusOK, h.doFrom(proxy, "/api/v1/health", map[string]string{"X-Forwarded-For": "10.0.0.1"}).Code)
	require.Equal(t, http.StatusTooManyRequests, h.doFrom(proxy, "/api/v1/health", map[string]string{"X-Forwarded-For": "10.0.0.1"}).Code)
	require.Equal(t, http.StatusOK, h.doFrom(proxy, "/api/v1/health", map[string]string{"X-Forwarded-For": "10.0.0.2"}).Code)
	// A client-supplied hop in front of the proxy chain is not believed.
	require.Equal(t, http.StatusTooManyRequests, h.doFrom(proxy, "/api/v1/health", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}).Code)
}

func TestClientKey(t *testing.T) {
	trusted, err := parseProxies([]string{"192.0.2.10", "198.51.100.0/24"})
	require.NoError(t, err)
	l := newClientLimiter(1, 1, trusted)

	cases := []struct {
		remote string
		xff    string
		want   string
	}{
		{"203.0.113.5:80", "10.0.0.1", "203.0.113.5"},
		{"192.0.2.10:80", "", "192.0.2.10"},
		{"192.0.2.10:80", "10.0.0.1", "10.0.0.1"},
		{"192.0.2.10:80", "10.0.0.1, 198.51.100.7", "10.0.0.1"},
		{"192.0.2.10:80", "198.51.100.7", "198.51.100.7"},
		{"192.0.2.10:80", "not-an-ip", "192.0.2.10"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		require.Equal(t, tc.want, l.clientKey(req), tc.remote+" "+tc.xff)
	}

	_, err = parseProxies([]string{"10.0.0.0/33"})
	require.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", buyrequest.ErrNotFound), http.StatusNotFound},
		{escrow.ErrNotFound, http.StatusNotFound},
		{escrow.ErrNotFunded, http.StatusConflict},
		{escrow.ErrAlreadyReleased, http.StatusConflict},
		{buyrequest.ErrNotApproved, http.StatusConflict},
		{buyrequest.ErrNotConfirmed, http.StatusBadRequest},
		{idempotency.ErrKeyReused, http.StatusUnprocessableEntity},
		{chat.ErrSessionClosed, http.StatusGone},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&backend.APIError{StatusCode: http.StatusForbidden}, http.StatusForbidden},
		{&backend.APIError{StatusCode: http.StatusServiceUnavailable}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
