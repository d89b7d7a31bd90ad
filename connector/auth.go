package connector

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Auth headers carried on the upgrade request.
const (
	HeaderID   = "X-Push-ID"
	HeaderSign = "X-Push-Sign"
)

var (
	ErrMissingIdentity = errors.New("connector: missing identity header")
	ErrBadSignature    = errors.New("connector: bad signature")
	ErrStaleSignature  = errors.New("connector: stale signature")
)

// Sign produces the HeaderSign value for identity at the given time:
// the unix-second nonce and the hex HMAC-SHA256 of nonce+identity
// under key, comma separated.
func Sign(key, identity string, now time.Time) string {
	nonce := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(nonce + identity))
	return nonce + "," + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the nonce freshness and the HMAC. A zero
// window disables the freshness check.
func verifySignature(key, identity, sign string, window time.Duration, now time.Time) error {
	nonce, sum, ok := strings.Cut(sign, ",")
	if !ok {
		return fmt.Errorf("%w: want nonce,mac", ErrBadSignature)
	}
	ts, err := strconv.ParseInt(nonce, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: nonce not an integer", ErrBadSignature)
	}
	if window > 0 {
		age := now.Unix() - ts
		if age < 0 {
			age = -age
		}
		if age > int64(window/time.Second) {
			return ErrStaleSignature
		}
	}
	got, err := hex.DecodeString(sum)
	if err != nil {
		return fmt.Errorf("%w: mac not hex", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(nonce + identity))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// authenticate extracts the connection identity from the upgrade
// request, verifying the signature when a key is configured.
func (s *Server) authenticate(r *http.Request) (string, error) {
	identity := r.Header.Get(HeaderID)
	if identity == "" {
		return "", ErrMissingIdentity
	}
	if s.cfg.Connector.AuthKey == "" {
		return identity, nil
	}
	window := time.Duration(s.cfg.Connector.AuthWindowSeconds) * time.Second
	if err := verifySignature(s.cfg.Connector.AuthKey, identity, r.Header.Get(HeaderSign), window, time.Now()); err != nil {
		return "", err
	}
	return identity, nil
}
