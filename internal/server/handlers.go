package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"grandeapp/internal/buyrequest"
	"grandeapp/internal/models"
)

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.deps.Listings.GetListing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.deps.Requests.Refresh(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	listingID := mux.Vars(r)["id"]
	s.deps.Watcher.Watch(listingID)
	writeJSON(w, http.StatusAccepted, map[string]string{"listingId": listingID, "status": "watching"})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	s.deps.Watcher.Unwatch(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in buyrequest.SubmitInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.deps.Requests.Submit(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type transitionResponse struct {
	Request *models.BuyRequest `json:"request,omitempty"`
	Board   buyrequest.Board   `json:"board"`
}

func (s *Server) board(listingID string) buyrequest.Board {
	b, _ := s.deps.Requests.Board(listingID)
	return b
}

// handleApprove approves the request and opens its chat.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	listingID, requestID := vars["id"], vars["requestId"]

	approved, err := s.deps.Requests.Approve(r.Context(), listingID, requestID, func(req models.BuyRequest) {
		if err := s.deps.Requests.Select(listingID, req.RequestID); err != nil {
			s.log.WithError(err).WithField("request_id", req.RequestID).Warn("select approved request")
		}
	})
	if err != nil {
		s.metrics.incStatusUpdate(string(models.StatusApprove), "failed")
		s.fail(w, r, err)
		return
	}
	s.metrics.incStatusUpdate(string(models.StatusApprove), "ok")
	writeJSON(w, http.StatusOK, transitionResponse{Request: &approved, Board: s.board(listingID)})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	listingID, requestID := vars["id"], vars["requestId"]

	if err := s.deps.Requests.Deny(r.Context(), listingID, requestID); err != nil {
		s.metrics.incStatusUpdate(string(models.StatusDeny), "failed")
		s.fail(w, r, err)
		return
	}
	s.metrics.incStatusUpdate(string(models.StatusDeny), "ok")
	writeJSON(w, http.StatusOK, transitionResponse{Board: s.board(listingID)})
}

type cancelRequest struct {
	Confirm bool `json:"confirm"`
}

// handleCancel denies an approved request, but only with an explicit
// {"confirm": true}. Anything else dismisses the confirmation.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	listingID, requestID := vars["id"], vars["requestId"]

	var body cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	confirmation, err := s.deps.Requests.PrepareCancel(r.Context(), listingID, requestID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !body.Confirm {
		confirmation.Close()
		s.fail(w, r, buyrequest.ErrNotConfirmed)
		return
	}
	if err := confirmation.Confirm(); err != nil {
		s.metrics.incStatusUpdate("cancel", "failed")
		s.fail(w, r, err)
		return
	}
	s.metrics.incStatusUpdate("cancel", "ok")
	s.log.WithFields(logrus.Fields{"listing_id": listingID, "request_id": requestID}).Info("approved request cancelled")
	writeJSON(w, http.StatusOK, transitionResponse{Board: s.board(listingID)})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	listingID := vars["id"]
	if _, ok := s.deps.Requests.Board(listingID); !ok {
		if _, err := s.deps.Requests.Refresh(r.Context(), listingID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.deps.Requests.Select(listingID, vars["requestId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Board: s.board(listingID)})
}

var errMissingUser = errors.New("userId is required")

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errMissingUser)
		return
	}
	channels, err := s.deps.Chat.Session(userID).Channels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if channels == nil {
		channels = []models.ChatChannel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

type chatTokenResponse struct {
	models.ChatToken
	Source string `json:"source"`
}

func (s *Server) handleChatToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errMissingUser)
		return
	}
	tok, source, err := s.deps.Chat.Session(userID).Token(r.Context(), mux.Vars(r)["channelId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.incChatToken(string(source))
	writeJSON(w, http.StatusOK, chatTokenResponse{ChatToken: tok, Source: string(source)})
}

func (s *Server) handleEndChat(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Chat.End(mux.Vars(r)["userId"]) {
		writeError(w, http.StatusNotFound, errors.New("no chat session for user"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
