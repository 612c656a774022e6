// Package ghappauth obtains and caches GitHub App installation access
// tokens.
package ghappauth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/ghagent/internal/logfields"
)

const loggerName = "github_app_auth"

// Tokens issued by GitHub are valid for 60min.
// Cached tokens are treated as if they expire after 55min and are reused
// only while >5min validity remain, as margin against clock skew and
// in-flight requests.
const (
	cachedTokenLifetime = 55 * time.Minute
	tokenReuseMargin    = 5 * time.Minute
)

// The signed app assertion is backdated by 60s to tolerate clock drift and
// expires after 10min, the maximum GitHub accepts.
const (
	jwtBackdate = time.Minute
	jwtLifetime = 10 * time.Minute
)

// TokenSource returns bearer tokens for GitHub App installations.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// AuthenticationError is returned when a token could not be obtained from
// GitHub.
// It is not retried internally, retrying with a stale or invalid key is
// pointless, the caller decides whether to retry.
type AuthenticationError struct {
	InstallationID int64
	Err            error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("obtaining access token for installation %d failed: %s",
		e.InstallationID, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

type cacheEntry struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Manager creates and caches installation access tokens for a GitHub App.
// Tokens are cached per installation ID, refreshes of different
// installations do not block each other.
type Manager struct {
	appID      string
	privateKey *rsa.PrivateKey
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[int64]*cacheEntry

	// overridable for testing
	now      func() time.Time
	exchange func(ctx context.Context, installationID int64) (string, error)
}

// NewManager returns a Manager for the app with the given ID.
// privateKeyPEM must contain the PEM-encoded RSA private key of the app.
func NewManager(appID, privateKeyPEM string) (*Manager, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key failed: %w", err)
	}

	m := Manager{
		appID:      appID,
		privateKey: key,
		logger:     zap.L().Named(loggerName),
		entries:    map[int64]*cacheEntry{},
		now:        time.Now,
	}
	m.exchange = m.createInstallationToken

	return &m, nil
}

// InstallationToken returns an access token for the installation.
// A cached token is returned when it has more then tokenReuseMargin validity
// remaining, otherwise a new one is requested from GitHub and cached.
// On failure an *AuthenticationError is returned.
func (m *Manager) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	entry := m.entry(installationID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.token != "" && entry.expiresAt.Sub(m.now()) > tokenReuseMargin {
		return entry.token, nil
	}

	token, err := m.exchange(ctx, installationID)
	if err != nil {
		return "", &AuthenticationError{InstallationID: installationID, Err: err}
	}

	entry.token = token
	entry.expiresAt = m.now().Add(cachedTokenLifetime)

	m.logger.Debug(
		"installation access token refreshed",
		logfields.Event("github_installation_token_refreshed"),
		logfields.InstallationID(installationID),
		zap.Time("expires_at", entry.expiresAt),
	)

	return token, nil
}

func (m *Manager) entry(installationID int64) *cacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[installationID]
	if entry == nil {
		entry = &cacheEntry{}
		m.entries[installationID] = entry
	}

	return entry
}

// appJWT generates a short-lived signed assertion authenticating the app
// itself.
// It is regenerated for every token exchange and never cached.
func (m *Manager) appJWT() (string, error) {
	now := m.now()

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		Issuer:    m.appID,
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
}

func (m *Manager) createInstallationToken(ctx context.Context, installationID int64) (string, error) {
	assertion, err := m.appJWT()
	if err != nil {
		return "", fmt.Errorf("signing app assertion failed: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: assertion})
	clt := github.NewClient(oauth2.NewClient(ctx, ts))

	token, _, err := clt.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", err
	}

	return token.GetToken(), nil
}
