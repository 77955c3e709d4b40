package buyrequest

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grandeapp/internal/models"
)

// Watcher polls watched listings and reports requests that show up pending
// after the first poll of that listing.
type Watcher struct {
	svc      *Service
	interval time.Duration
	log      logrus.FieldLogger

	// Notify receives each newly seen pending request.
	Notify func(listingID string, req models.BuyRequest)
	// OnPoll is called after every listing refresh.
	OnPoll func(listingID string, err error)

	mu       sync.Mutex
	listings map[string]map[string]struct{}
	primed   map[string]bool
}

func NewWatcher(svc *Service, interval time.Duration, log logrus.FieldLogger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		svc:      svc,
		interval: interval,
		log:      log,
		listings: make(map[string]map[string]struct{}),
		primed:   make(map[string]bool),
	}
}

func (w *Watcher) Watch(listingID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.listings[listingID]; !ok {
		w.listings[listingID] = make(map[string]struct{})
	}
}

func (w *Watcher) Unwatch(listingID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listings, listingID)
	delete(w.primed, listingID)
}

func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.listings))
	for id := range w.listings {
		out = append(out, id)
	}
	return out
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) PollOnce(ctx context.Context) {
	for _, listingID := range w.Watching() {
		if ctx.Err() != nil {
			return
		}
		board, err := w.svc.Refresh(ctx, listingID)
		if w.OnPoll != nil {
			w.OnPoll(listingID, err)
		}
		if err != nil {
			w.log.WithError(err).WithField("listing_id", listingID).Warn("buy request poll failed")
			continue
		}
		for _, req := range w.record(listingID, board.Pending) {
			if w.Notify != nil {
				w.Notify(listingID, req)
			}
		}
	}
}

// record remembers pending ids and returns the ones not seen before. The
// first poll of a listing only primes the set.
func (w *Watcher) record(listingID string, pending []models.BuyRequest) []models.BuyRequest {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen, ok := w.listings[listingID]
	if !ok {
		return nil
	}
	var fresh []models.BuyRequest
	for _, req := range pending {
		if _, known := seen[req.RequestID]; known {
			continue
		}
		seen[req.RequestID] = struct{}{}
		fresh = append(fresh, req)
	}
	if !w.primed[listingID] {
		w.primed[listingID] = true
		return nil
	}
	return fresh
}
