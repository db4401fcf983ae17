package githubapp

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"
)

const githubAPIBase = "https://api.github.com"

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenManager exchanges a GitHub App private key for short-lived
// installation tokens, one per configured organization, refreshing each
// shortly before it expires.
type TokenManager struct {
	installations *Installations
	cacheConfig   TokenCacheConfig
	httpClient    *http.Client
	key           *rsa.PrivateKey

	mu     sync.Mutex
	tokens map[string]cachedToken // org -> token
}

// NewTokenManager loads the App's private key from disk and returns a
// manager ready to mint installation tokens. Returns (nil, nil) if the app
// is not configured, so callers can treat a nil manager as "no auth".
func NewTokenManager(installations *Installations, httpClient *http.Client) (*TokenManager, error) {
	if !installations.IsConfigured() {
		return nil, nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	pemBytes, err := readFile(installations.PrivateKeyPath())
	if err != nil {
		return nil, errors.Wrap(err, "read github app private key")
	}
	key, err := parsePrivateKey(pemBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse github app private key")
	}

	return &TokenManager{
		installations: installations,
		cacheConfig:   DefaultTokenCacheConfig(),
		httpClient:    httpClient,
		key:           key,
		tokens:        make(map[string]cachedToken),
	}, nil
}

// GetTokenForOrg returns a valid installation token for org, minting a new
// one if none is cached or the cached one is near expiry.
func (m *TokenManager) GetTokenForOrg(ctx context.Context, org string) (string, error) {
	if m == nil {
		return "", nil
	}

	m.mu.Lock()
	if cached, ok := m.tokens[org]; ok && time.Now().Before(cached.expiresAt.Add(-m.cacheConfig.RefreshBuffer)) {
		m.mu.Unlock()
		return cached.token, nil
	}
	m.mu.Unlock()

	installationID := m.installations.GetInstallationID(org)
	if installationID == "" {
		return "", errors.Errorf("no github app installation configured for org %q", org)
	}

	jwt, err := m.signAppJWT()
	if err != nil {
		return "", errors.Wrap(err, "sign app jwt")
	}

	token, expiresAt, err := m.exchangeInstallationToken(ctx, installationID, jwt)
	if err != nil {
		return "", errors.Wrap(err, "exchange installation token")
	}

	m.mu.Lock()
	m.tokens[org] = cachedToken{token: token, expiresAt: expiresAt}
	m.mu.Unlock()

	return token, nil
}

// signAppJWT builds the RS256 JWT GitHub requires to authenticate as the App
// itself (as opposed to one of its installations). Built directly on
// crypto/rsa rather than a third-party JWT library, since none appears
// anywhere in the retrieval pack.
func (m *TokenManager) signAppJWT() (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(m.cacheConfig.JWTExpiration).Unix(),
		"iss": m.installations.AppID(),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", errors.WithStack(err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", errors.WithStack(err)
	}

	signingInput := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)

	digest := sha256Sum(signingInput)
	signature, err := rsa.SignPKCS1v15(rand.Reader, m.key, crypto.SHA256, digest)
	if err != nil {
		return "", errors.Wrap(err, "rsa sign")
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m *TokenManager) exchangeInstallationToken(ctx context.Context, installationID, jwt string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", githubAPIBase, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, errors.WithStack(err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, errors.Errorf("github installation token request failed: %d: %s", resp.StatusCode, body)
	}

	var parsed installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", time.Time{}, errors.Wrap(err, "decode installation token response")
	}
	return parsed.Token, parsed.ExpiresAt, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in private key file")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse pkcs8 private key")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github app private key is not an RSA key")
	}
	return rsaKey, nil
}

func base64URLEncode(b []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}
