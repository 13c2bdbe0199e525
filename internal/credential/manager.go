// Package credential owns per-connection secrets and live tokens. It is the
// only code that mutates credential state.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/capability"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/metrics"
)

const (
	DefaultBuffer       = 5 * time.Minute
	defaultTokenTimeout = 20 * time.Second
)

// Connections is the slice of the store the manager needs.
type Connections interface {
	GetConnection(ctx context.Context, connectionID string) (canonical.Connection, error)
	SetConnectionStatus(ctx context.Context, connectionID string, status canonical.ConnectionStatus) error
}

// Token is what an Authenticator puts on the wire.
type Token struct {
	Value     string
	Scheme    canonical.AuthScheme
	ExpiresAt time.Time
}

type Options struct {
	Buffer     time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
	// OnUnauthenticated runs after a connection is marked unauthenticated.
	OnUnauthenticated func(ctx context.Context, connectionID string, cause error)
}

type Manager struct {
	vault       Vault
	registry    *capability.Registry
	connections Connections
	buffer      time.Duration
	httpClient  *http.Client
	now         func() time.Time
	onUnauth    func(ctx context.Context, connectionID string, cause error)
	logger      zerolog.Logger

	group singleflight.Group

	mu     sync.Mutex
	states map[string]*canonical.CredentialState
	// blocked holds the cause for connections awaiting operator action.
	blocked map[string]error
}

func NewManager(vault Vault, registry *capability.Registry, connections Connections, opts Options) *Manager {
	m := &Manager{
		vault:       vault,
		registry:    registry,
		connections: connections,
		buffer:      opts.Buffer,
		httpClient:  opts.HTTPClient,
		now:         opts.Now,
		onUnauth:    opts.OnUnauthenticated,
		logger:      log.WithComponent("credential"),
		states:      map[string]*canonical.CredentialState{},
		blocked:     map[string]error{},
	}
	if m.buffer <= 0 {
		m.buffer = DefaultBuffer
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: defaultTokenTimeout}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// GetValidToken returns a token that does not expire within the buffer,
// refreshing first when needed.
func (m *Manager) GetValidToken(ctx context.Context, connectionID string) (Token, error) {
	if err := m.blockedErr(connectionID); err != nil {
		return Token{}, err
	}
	scheme, err := m.schemeOf(ctx, connectionID)
	if err != nil {
		return Token{}, err
	}
	switch scheme {
	case canonical.AuthAPIKey, canonical.AuthHMACSigned:
		return m.staticToken(ctx, connectionID, scheme)
	}

	m.mu.Lock()
	state, ok := m.states[connectionID]
	var current canonical.CredentialState
	if ok {
		current = *state
	}
	m.mu.Unlock()
	if ok && !current.ExpiresWithin(m.now(), m.buffer) {
		return tokenFromState(current), nil
	}
	return m.refresh(ctx, connectionID, false)
}

// ForceRefresh discards the cached token and obtains a new one. Concurrent
// callers for the same connection share one token request.
func (m *Manager) ForceRefresh(ctx context.Context, connectionID string) (Token, error) {
	if err := m.blockedErr(connectionID); err != nil {
		return Token{}, err
	}
	scheme, err := m.schemeOf(ctx, connectionID)
	if err != nil {
		return Token{}, err
	}
	if scheme == canonical.AuthAPIKey || scheme == canonical.AuthHMACSigned {
		return m.staticToken(ctx, connectionID, scheme)
	}
	return m.refresh(ctx, connectionID, true)
}

func (m *Manager) refresh(ctx context.Context, connectionID string, force bool) (Token, error) {
	// The shared call must outlive any single caller's cancellation.
	timeout := m.httpClient.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	result, err, _ := m.group.Do(connectionID, func() (any, error) {
		if !force {
			m.mu.Lock()
			state, ok := m.states[connectionID]
			if ok && !state.ExpiresWithin(m.now(), m.buffer) {
				current := *state
				m.mu.Unlock()
				return tokenFromState(current), nil
			}
			m.mu.Unlock()
		}
		return m.obtain(callCtx, connectionID)
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// obtain tries the refresh-token grant, then the primary grant. When both
// are rejected the connection is marked unauthenticated. A failure that
// only reached an unavailable token endpoint is returned as a
// TransientNetworkError and leaves the connection usable.
func (m *Manager) obtain(ctx context.Context, connectionID string) (Token, error) {
	conn, desc, err := m.lookup(ctx, connectionID)
	if err != nil {
		return Token{}, err
	}
	bundle, err := m.vault.Load(connectionID)
	if err != nil {
		return Token{}, m.markUnauthenticated(ctx, connectionID, fmt.Errorf("load secrets: %w", err))
	}
	defer bundle.Wipe()

	logger := m.logger.With().Str(log.FieldConnectionID, connectionID).Str(log.FieldAdapterKind, conn.AdapterKind).Logger()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tokenURL := desc.Auth.TokenURL
	if bundle.Has(canonical.SecretTokenURL) {
		tokenURL = bundle.Get(canonical.SecretTokenURL)
	}
	scopes := desc.Auth.Scopes
	if bundle.Has(canonical.SecretScopes) {
		scopes = strings.Fields(bundle.Get(canonical.SecretScopes))
	}

	var (
		failures  []error
		transient *canonical.TransientNetworkError
	)
	refreshToken := m.currentRefreshToken(connectionID, bundle)
	if refreshToken != "" {
		cfg := oauth2.Config{
			ClientID:     bundle.Get(canonical.SecretClientID),
			ClientSecret: bundle.Get(canonical.SecretClientSecret),
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		}
		expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: m.now().Add(-time.Minute)}
		tok, err := cfg.TokenSource(ctx, expired).Token()
		if err == nil {
			metrics.TokenRefreshTotal.WithLabelValues("refresh_token", "success").Inc()
			logger.Debug().Str(log.FieldEvent, "token.refreshed").Str("grant", "refresh_token").Msg("token refreshed")
			return m.store(connectionID, desc.Auth.Scheme, tok, bundle), nil
		}
		metrics.TokenRefreshTotal.WithLabelValues("refresh_token", "failure").Inc()
		logger.Warn().Str(log.FieldEvent, "token.refresh_failed").Str("grant", "refresh_token").Err(err).Msg("refresh token grant failed")
		failures = append(failures, fmt.Errorf("refresh token grant: %w", err))
		if te, ok := transientTokenError("refresh token grant", err); ok {
			transient = te
		}
	}

	if bundle.Has(canonical.SecretClientID) && bundle.Has(canonical.SecretClientSecret) && desc.Auth.Scheme == canonical.AuthOAuth2ClientCredentials {
		cfg := clientcredentials.Config{
			ClientID:     bundle.Get(canonical.SecretClientID),
			ClientSecret: bundle.Get(canonical.SecretClientSecret),
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		tok, err := cfg.Token(ctx)
		if err == nil {
			metrics.TokenRefreshTotal.WithLabelValues("client_credentials", "success").Inc()
			logger.Debug().Str(log.FieldEvent, "token.refreshed").Str("grant", "client_credentials").Msg("token obtained")
			return m.store(connectionID, desc.Auth.Scheme, tok, bundle), nil
		}
		metrics.TokenRefreshTotal.WithLabelValues("client_credentials", "failure").Inc()
		logger.Warn().Str(log.FieldEvent, "token.refresh_failed").Str("grant", "client_credentials").Err(err).Msg("client credentials grant failed")
		failures = append(failures, fmt.Errorf("client credentials grant: %w", err))
		if te, ok := transientTokenError("client credentials grant", err); ok {
			transient = te
		}
	}

	if transient != nil {
		transient.Err = errors.Join(failures...)
		return Token{}, transient
	}
	if len(failures) == 0 {
		failures = append(failures, errors.New("no refresh token or primary grant configured"))
	}
	return Token{}, m.markUnauthenticated(ctx, connectionID, errors.Join(failures...))
}

// transientTokenError reports whether a grant failed for reasons the
// provider did not decide: 5xx, 429, timeouts and transport errors.
func transientTokenError(op string, err error) (*canonical.TransientNetworkError, bool) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response == nil {
			return nil, false
		}
		code := re.Response.StatusCode
		if code != http.StatusTooManyRequests && code < http.StatusInternalServerError {
			return nil, false
		}
		te := &canonical.TransientNetworkError{Op: op, StatusCode: code}
		if secs, convErr := strconv.Atoi(strings.TrimSpace(re.Response.Header.Get("Retry-After"))); convErr == nil && secs > 0 {
			te.RetryAfter = time.Duration(secs) * time.Second
		}
		return te, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &canonical.TransientNetworkError{Op: op}, true
	}
	return nil, false
}

func (m *Manager) currentRefreshToken(connectionID string, bundle canonical.SecretBundle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[connectionID]; ok && len(state.RefreshToken) > 0 {
		return string(state.RefreshToken)
	}
	return bundle.Get(canonical.SecretRefreshToken)
}

func (m *Manager) store(connectionID string, scheme canonical.AuthScheme, tok *oauth2.Token, bundle canonical.SecretBundle) Token {
	next := &canonical.CredentialState{
		AccessToken: []byte(tok.AccessToken),
		AuthScheme:  scheme,
	}
	if !tok.Expiry.IsZero() {
		next.ExpiresAtEpochMs = tok.Expiry.UnixMilli()
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = []byte(tok.RefreshToken)
		if tok.RefreshToken != bundle.Get(canonical.SecretRefreshToken) {
			// Rotated refresh tokens must survive a restart.
			updated := bundle.Clone()
			updated[canonical.SecretRefreshToken] = []byte(tok.RefreshToken)
			if err := m.vault.Save(connectionID, updated); err != nil {
				m.logger.Error().Str(log.FieldConnectionID, connectionID).Err(err).Msg("persist rotated refresh token")
			}
			updated.Wipe()
		}
	}
	m.mu.Lock()
	if previous, ok := m.states[connectionID]; ok {
		if len(next.RefreshToken) == 0 && len(previous.RefreshToken) > 0 {
			next.RefreshToken = append([]byte(nil), previous.RefreshToken...)
		}
		previous.Wipe()
	}
	m.states[connectionID] = next
	out := tokenFromState(*next)
	m.mu.Unlock()
	return out
}

func (m *Manager) staticToken(ctx context.Context, connectionID string, scheme canonical.AuthScheme) (Token, error) {
	bundle, err := m.vault.Load(connectionID)
	if err != nil {
		return Token{}, m.markUnauthenticated(ctx, connectionID, fmt.Errorf("load secrets: %w", err))
	}
	defer bundle.Wipe()
	key := bundle.Get(canonical.SecretAPIKey)
	if key == "" && scheme == canonical.AuthAPIKey {
		return Token{}, m.markUnauthenticated(ctx, connectionID, errors.New("api key missing"))
	}
	return Token{Value: key, Scheme: scheme}, nil
}

// Secret returns a copy of one secret for the duration of a call.
func (m *Manager) Secret(connectionID, key string) ([]byte, error) {
	bundle, err := m.vault.Load(connectionID)
	if err != nil {
		return nil, err
	}
	defer bundle.Wipe()
	if !bundle.Has(key) {
		return nil, fmt.Errorf("secret %s for connection %s: %w", key, connectionID, canonical.ErrNotFound)
	}
	return append([]byte(nil), bundle[key]...), nil
}

// MarkUnauthenticated records that the provider rejected the credential even
// after a refresh. Token requests fail until Reauthorize is called.
func (m *Manager) MarkUnauthenticated(ctx context.Context, connectionID string, cause error) error {
	return m.markUnauthenticated(ctx, connectionID, cause)
}

func (m *Manager) markUnauthenticated(ctx context.Context, connectionID string, cause error) error {
	authErr := &canonical.AuthError{ConnectionID: connectionID, Message: "credentials require operator re-authorization", Err: cause}
	var existing *canonical.AuthError
	if errors.As(cause, &existing) {
		authErr = existing
	}
	m.mu.Lock()
	_, already := m.blocked[connectionID]
	m.blocked[connectionID] = authErr
	if state, ok := m.states[connectionID]; ok {
		state.Wipe()
		delete(m.states, connectionID)
	}
	m.mu.Unlock()
	if already {
		return authErr
	}
	m.logger.Error().
		Str(log.FieldEvent, "connection.unauthenticated").
		Str(log.FieldConnectionID, connectionID).
		Err(cause).
		Msg("connection marked unauthenticated")
	if m.connections != nil {
		if err := m.connections.SetConnectionStatus(ctx, connectionID, canonical.ConnectionUnauthenticated); err != nil {
			m.logger.Error().Str(log.FieldConnectionID, connectionID).Err(err).Msg("persist connection status")
		}
	}
	if m.onUnauth != nil {
		m.onUnauth(ctx, connectionID, authErr)
	}
	return authErr
}

// Reauthorize stores new secrets, clears the unauthenticated mark and, for
// OAuth connections, proves the secrets by fetching a token.
func (m *Manager) Reauthorize(ctx context.Context, connectionID string, secrets canonical.SecretBundle) error {
	if len(secrets) > 0 {
		existing, err := m.vault.Load(connectionID)
		if err != nil && !errors.Is(err, canonical.ErrNotFound) {
			return err
		}
		if existing == nil {
			existing = canonical.SecretBundle{}
		}
		for key, value := range secrets {
			wipe(existing[key])
			existing[key] = append([]byte(nil), value...)
		}
		err = m.vault.Save(connectionID, existing)
		existing.Wipe()
		if err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.blocked, connectionID)
	if state, ok := m.states[connectionID]; ok {
		state.Wipe()
		delete(m.states, connectionID)
	}
	m.mu.Unlock()

	if _, err := m.ForceRefresh(ctx, connectionID); err != nil {
		return err
	}
	if m.connections != nil {
		if err := m.connections.SetConnectionStatus(ctx, connectionID, canonical.ConnectionActive); err != nil {
			return err
		}
	}
	m.logger.Info().Str(log.FieldEvent, "connection.reauthorized").Str(log.FieldConnectionID, connectionID).Msg("connection reauthorized")
	return nil
}

// Remove erases every trace of the connection's credentials.
func (m *Manager) Remove(connectionID string) error {
	m.mu.Lock()
	if state, ok := m.states[connectionID]; ok {
		state.Wipe()
		delete(m.states, connectionID)
	}
	delete(m.blocked, connectionID)
	m.mu.Unlock()
	m.group.Forget(connectionID)
	return m.vault.Delete(connectionID)
}

// Unauthenticated reports whether the connection awaits re-authorization.
func (m *Manager) Unauthenticated(connectionID string) bool {
	return m.blockedErr(connectionID) != nil
}

func (m *Manager) blockedErr(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[connectionID]
}

func (m *Manager) schemeOf(ctx context.Context, connectionID string) (canonical.AuthScheme, error) {
	_, desc, err := m.lookup(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return desc.Auth.Scheme, nil
}

func (m *Manager) lookup(ctx context.Context, connectionID string) (canonical.Connection, *capability.Descriptor, error) {
	conn, err := m.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return canonical.Connection{}, nil, err
	}
	desc, ok := m.registry.Descriptor(conn.AdapterKind)
	if !ok {
		return canonical.Connection{}, nil, fmt.Errorf("%w: %s", capability.ErrUnknownAdapter, conn.AdapterKind)
	}
	return conn, desc, nil
}

func tokenFromState(state canonical.CredentialState) Token {
	tok := Token{Value: string(state.AccessToken), Scheme: state.AuthScheme}
	if state.ExpiresAtEpochMs > 0 {
		tok.ExpiresAt = time.UnixMilli(state.ExpiresAtEpochMs)
	}
	return tok
}
