package ghappauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testKeyPEM(t *testing.T) (pemStr string, key *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	return string(pem.EncodeToMemory(&block)), key
}

func newTestManager(t *testing.T) (*Manager, *rsa.PrivateKey) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pemStr, key := testKeyPEM(t)

	m, err := NewManager("4711", pemStr)
	require.NoError(t, err)

	return m, key
}

func TestInvalidKeyIsRejected(t *testing.T) {
	_, err := NewManager("4711", "not a pem key")
	require.Error(t, err)
}

func TestAppJWTClaims(t *testing.T) {
	m, key := newTestManager(t)

	t0 := time.Now().Truncate(time.Second)
	m.now = func() time.Time { return t0 }

	signed, err := m.appJWT()
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return &key.PublicKey, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "4711", claims.Issuer)
	assert.Equal(t, t0.Add(-time.Minute), claims.IssuedAt.Time)
	assert.Equal(t, t0.Add(10*time.Minute), claims.ExpiresAt.Time)
}

func TestTokenIsCached(t *testing.T) {
	m, _ := newTestManager(t)

	t0 := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	m.now = func() time.Time { return now }

	var exchanges int
	m.exchange = func(context.Context, int64) (string, error) {
		exchanges++
		return fmt.Sprintf("token-%d", exchanges), nil
	}

	tok, err := m.InstallationToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	// 400s validity remain, the cached token must be reused
	now = t0.Add(cachedTokenLifetime - 400*time.Second)

	tok, err = m.InstallationToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, 1, exchanges)
}

func TestTokenIsRefreshedBeforeExpiry(t *testing.T) {
	m, _ := newTestManager(t)

	t0 := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	m.now = func() time.Time { return now }

	var exchanges int
	m.exchange = func(context.Context, int64) (string, error) {
		exchanges++
		return fmt.Sprintf("token-%d", exchanges), nil
	}

	_, err := m.InstallationToken(context.Background(), 1)
	require.NoError(t, err)

	// exactly 300s validity remain, the margin is not exceeded, the token
	// must be replaced
	now = t0.Add(cachedTokenLifetime - 300*time.Second)

	tok, err := m.InstallationToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.Equal(t, 2, exchanges)
}

func TestTokensAreCachedPerInstallation(t *testing.T) {
	m, _ := newTestManager(t)

	m.exchange = func(_ context.Context, installationID int64) (string, error) {
		return fmt.Sprintf("token-%d", installationID), nil
	}

	tok1, err := m.InstallationToken(context.Background(), 1)
	require.NoError(t, err)

	tok2, err := m.InstallationToken(context.Background(), 2)
	require.NoError(t, err)

	assert.NotEqual(t, tok1, tok2)
}

func TestExchangeFailureReturnsAuthenticationError(t *testing.T) {
	m, _ := newTestManager(t)

	wantErr := errors.New("installation revoked")
	m.exchange = func(context.Context, int64) (string, error) {
		return "", wantErr
	}

	_, err := m.InstallationToken(context.Background(), 9)
	require.Error(t, err)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int64(9), authErr.InstallationID)
	assert.ErrorIs(t, err, wantErr)
}

func TestConcurrentAccessDifferentInstallations(t *testing.T) {
	m, _ := newTestManager(t)

	m.exchange = func(_ context.Context, installationID int64) (string, error) {
		return fmt.Sprintf("token-%d", installationID), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := int64(i % 5)
		wg.Add(1)
		go func() {
			defer wg.Done()

			tok, err := m.InstallationToken(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("token-%d", id), tok)
		}()
	}
	wg.Wait()
}
