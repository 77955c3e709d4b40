package buyrequest

import (
	"time"

	"grandeapp/internal/models"
)

// Board is the local view of one listing's request queue. A request id is
// never in both Pending and Approved.
type Board struct {
	ListingID   string              `json:"listingId"`
	Pending     []models.BuyRequest `json:"pending"`
	Approved    []models.BuyRequest `json:"approved"`
	Selected    string              `json:"selected,omitempty"`
	RefreshedAt time.Time           `json:"refreshedAt"`
}

func newBoard(listingID string, reqs []models.BuyRequest, now time.Time) *Board {
	b := &Board{
		ListingID:   listingID,
		Pending:     []models.BuyRequest{},
		Approved:    []models.BuyRequest{},
		RefreshedAt: now,
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if _, dup := seen[r.RequestID]; dup {
			continue
		}
		seen[r.RequestID] = struct{}{}
		switch r.Status {
		case models.StatusPending:
			b.Pending = append(b.Pending, r)
		case models.StatusApprove:
			b.Approved = append(b.Approved, r)
		}
	}
	return b
}

func (b *Board) clone() Board {
	out := *b
	out.Pending = append([]models.BuyRequest(nil), b.Pending...)
	out.Approved = append([]models.BuyRequest(nil), b.Approved...)
	return out
}

func (b *Board) find(requestID string) (models.BuyRequest, models.BuyRequestStatus, bool) {
	for _, r := range b.Pending {
		if r.RequestID == requestID {
			return r, models.StatusPending, true
		}
	}
	for _, r := range b.Approved {
		if r.RequestID == requestID {
			return r, models.StatusApprove, true
		}
	}
	return models.BuyRequest{}, "", false
}

// approve moves requestID from Pending to Approved.
func (b *Board) approve(requestID string) (models.BuyRequest, bool) {
	for i, r := range b.Pending {
		if r.RequestID != requestID {
			continue
		}
		b.Pending = append(b.Pending[:i:i], b.Pending[i+1:]...)
		r.Status = models.StatusApprove
		b.Approved = append(b.Approved, r)
		return r, true
	}
	return models.BuyRequest{}, false
}

// remove drops requestID from both lists and clears the chat selection if it
// pointed at it.
func (b *Board) remove(requestID string) bool {
	removed := false
	b.Pending, removed = without(b.Pending, requestID, removed)
	b.Approved, removed = without(b.Approved, requestID, removed)
	if b.Selected == requestID {
		b.Selected = ""
	}
	return removed
}

func without(list []models.BuyRequest, requestID string, removed bool) ([]models.BuyRequest, bool) {
	out := list[:0:0]
	for _, r := range list {
		if r.RequestID == requestID {
			removed = true
			continue
		}
		out = append(out, r)
	}
	return out, removed
}
