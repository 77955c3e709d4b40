// Package chat provisions chat channels and connect tokens through the
// backend and caches tokens per channel for the life of a user session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"grandeapp/internal/models"
)

var ErrSessionClosed = errors.New("chat session closed")

// connectTimeout bounds a shared token fetch once it is detached from the
// caller that started it.
const connectTimeout = 30 * time.Second

// Provider is the backend surface chat needs.
type Provider interface {
	ListChatChannels(ctx context.Context, userID string) ([]models.ChatChannel, error)
	ConnectChat(ctx context.Context, channelID, userID string) (models.ChatToken, error)
	Presence(ctx context.Context, userID string) error
}

// TokenSource reports where a token came from: "cache" or "network".
type TokenSource string

const (
	SourceCache   TokenSource = "cache"
	SourceNetwork TokenSource = "network"
)

type Session struct {
	userID   string
	provider Provider
	log      logrus.FieldLogger

	mu         sync.Mutex
	tokens     map[string]models.ChatToken
	closed     bool
	stopBeat   context.CancelFunc
	beatDone   chan struct{}
	fetchGroup singleflight.Group
}

func NewSession(userID string, provider Provider, log logrus.FieldLogger) *Session {
	return &Session{
		userID:   userID,
		provider: provider,
		log:      log.WithField("user_id", userID),
		tokens:   make(map[string]models.ChatToken),
	}
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) Channels(ctx context.Context) ([]models.ChatChannel, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	chans, err := s.provider.ListChatChannels(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return chans, nil
}

// Token returns the connect token for channelID, fetching it on first use.
// Concurrent first opens share one request; a caller that gives up does not
// cancel it for the others.
func (s *Session) Token(ctx context.Context, channelID string) (models.ChatToken, TokenSource, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ChatToken{}, "", ErrSessionClosed
	}
	if tok, ok := s.tokens[channelID]; ok {
		s.mu.Unlock()
		return tok, SourceCache, nil
	}
	s.mu.Unlock()

	ch := s.fetchGroup.DoChan(channelID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		tok, err := s.provider.ConnectChat(fetchCtx, channelID, s.userID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, ErrSessionClosed
		}
		s.tokens[channelID] = tok
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return models.ChatToken{}, "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.ChatToken{}, "", fmt.Errorf("connect channel %s: %w", channelID, res.Err)
		}
		return res.Val.(models.ChatToken), SourceNetwork, nil
	}
}

// StartPresence posts a heartbeat every interval until the session closes or
// ctx ends. Calling it twice is a no-op.
func (s *Session) StartPresence(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.mu.Lock()
	if s.closed || s.stopBeat != nil {
		s.mu.Unlock()
		return
	}
	beatCtx, cancel := context.WithCancel(ctx)
	s.stopBeat = cancel
	s.beatDone = make(chan struct{})
	done := s.beatDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := s.provider.Presence(beatCtx, s.userID); err != nil && beatCtx.Err() == nil {
				s.log.WithError(err).Debug("presence heartbeat failed")
			}
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Close stops the heartbeat and drops cached tokens.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tokens = make(map[string]models.ChatToken)
	stop, done := s.stopBeat, s.beatDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
