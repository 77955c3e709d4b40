// Package hmacauth verifies signed callbacks from the escrow backend.
//
// The signature is hex(HMAC-SHA256(secret, timestamp || body)) carried in a
// header next to the unix timestamp it covers.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"

	maxBody = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrNoSecret         = errors.New("callback secret not configured")
)

type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	SignatureHeader string
	TimestampHeader string
	Now             func() time.Time
	// OnReject, when set, sees every refused request.
	OnReject func(r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r); err != nil {
			if v.OnReject != nil {
				v.OnReject(r, err)
			}
			status := http.StatusUnauthorized
			if errors.Is(err, ErrNoSecret) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks r and leaves its body readable. Without a secret every
// request is refused.
func (v *Verifier) Verify(r *http.Request) error {
	if v.Secret == "" {
		return ErrNoSecret
	}

	sig := r.Header.Get(orDefault(v.SignatureHeader, DefaultSignatureHeader))
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(orDefault(v.TimestampHeader, DefaultTimestampHeader))
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(Sign(v.Secret, tsHeader, body)), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex signature for timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
