package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
)

// Authenticate applies the descriptor's auth scheme. hmac_signed requests
// carry the api key (when one exists) plus an HMAC-SHA256 over
// "<unix ts>.<body>".
func (r *Runner) Authenticate(ctx context.Context, conn canonical.Connection, req *http.Request, body []byte) error {
	desc, err := r.descriptor(conn)
	if err != nil {
		return err
	}
	token, err := r.tokens.GetValidToken(ctx, conn.ConnectionID)
	if err != nil {
		return err
	}
	switch desc.Auth.Scheme {
	case canonical.AuthHMACSigned:
		if token.Value != "" {
			req.Header.Set(desc.Auth.Header, desc.Auth.Prefix+token.Value)
		}
		return r.signRequest(conn, req, body)
	default:
		if token.Value == "" {
			return &canonical.AuthError{ConnectionID: conn.ConnectionID, Message: "empty token"}
		}
		req.Header.Set(desc.Auth.Header, desc.Auth.Prefix+token.Value)
		return nil
	}
}

func (r *Runner) signRequest(conn canonical.Connection, req *http.Request, body []byte) error {
	key, err := r.tokens.Secret(conn.ConnectionID, canonical.SecretClientSecret)
	if errors.Is(err, canonical.ErrNotFound) {
		key, err = r.tokens.Secret(conn.ConnectionID, canonical.SecretSigningSecret)
	}
	if err != nil {
		return &canonical.AuthError{ConnectionID: conn.ConnectionID, Message: "no request signing key", Err: err}
	}
	defer wipe(key)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, hex.EncodeToString(mac.Sum(nil)))
	return nil
}

func (r *Runner) descriptor(conn canonical.Connection) (*capability.Descriptor, error) {
	desc, ok := r.registry.Descriptor(conn.AdapterKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, conn.AdapterKind)
	}
	return desc, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
