// Package adapter is the single generic adapter runner. Provider
// differences live in capability descriptors; this package only knows how
// to authenticate, read and write given one.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/credential"
	"github.com/agentworkforce/disputesync/internal/log"
)

// Authenticator decorates an outbound request with the connection's
// credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, conn canonical.Connection, req *http.Request, body []byte) error
}

// Reader lists records changed since a point in time.
type Reader interface {
	ReadChanges(ctx context.Context, conn canonical.Connection, since time.Time) ([]Record, error)
}

// Writer pushes one canonical action to a connection.
type Writer interface {
	Write(ctx context.Context, conn canonical.Connection, action canonical.Action, payload map[string]any) error
}

// Record is one polled provider record, wrapped so the descriptor's inbound
// field table applies to it.
type Record struct {
	ID        string
	EventType canonical.EventType
	Document  map[string]any
	Raw       json.RawMessage
	Hash      string
}

// TokenSource is the part of the credential manager the runner uses.
type TokenSource interface {
	GetValidToken(ctx context.Context, connectionID string) (credential.Token, error)
	Secret(connectionID, key string) ([]byte, error)
}

// Acquirer is the rate limiter seen from the runner.
type Acquirer interface {
	Acquire(ctx context.Context, connectionID string) error
}

type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	// MaxReadRetries bounds inline retries of poll requests on 429/5xx.
	// Writes are never retried here; the dispatcher owns their retries.
	MaxReadRetries int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

type Runner struct {
	registry       *capability.Registry
	tokens         TokenSource
	limiter        Acquirer
	httpClient     *http.Client
	userAgent      string
	maxReadRetries int
	baseDelay      time.Duration
	maxDelay       time.Duration
	logger         zerolog.Logger
}

var (
	_ Authenticator = (*Runner)(nil)
	_ Reader        = (*Runner)(nil)
	_ Writer        = (*Runner)(nil)
)

func NewRunner(registry *capability.Registry, tokens TokenSource, limiter Acquirer, opts Options) *Runner {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxReadRetries := opts.MaxReadRetries
	if maxReadRetries <= 0 {
		maxReadRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "disputesync/1"
	}
	return &Runner{
		registry:       registry,
		tokens:         tokens,
		limiter:        limiter,
		httpClient:     httpClient,
		userAgent:      userAgent,
		maxReadRetries: maxReadRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		logger:         log.WithComponent("adapter"),
	}
}
