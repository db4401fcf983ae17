package githubapp_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/githubapp"
)

// writeTestKey generates an RSA key and writes it PEM-encoded (PKCS1) to dir,
// returning its path, the way a GitHub App private key is provisioned.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(dir, "key.pem")
	assert.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestNewTokenManagerReturnsNilWhenNotConfigured(t *testing.T) {
	// AppID left empty means IsConfigured() is false even though the
	// installations map parses successfully.
	installations, err := githubapp.NewInstallations(githubapp.Config{
		PrivateKeyPath:    "key.pem",
		InstallationsJSON: `{"rust-lang": "555"}`,
	}, discardLogger())
	assert.NoError(t, err)
	assert.False(t, installations.IsConfigured())

	mgr, err := githubapp.NewTokenManager(installations, nil)
	assert.NoError(t, err)
	assert.Zero(t, mgr)
}

func TestGetTokenForOrgMintsAndCachesToken(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeTestKey(t, dir)

	installations, err := githubapp.NewInstallations(githubapp.Config{
		AppID:             "99",
		PrivateKeyPath:    keyPath,
		InstallationsJSON: `{"rust-lang": "555"}`,
	}, discardLogger())
	assert.NoError(t, err)

	var exchanges int
	var sawAuthHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		sawAuthHeader = r.Header.Get("Authorization")
		assert.Equal(t, "/app/installations/555/access_tokens", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "installation-token-abc",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	mgr, err := githubapp.NewTokenManager(installations, server.Client())
	assert.NoError(t, err)
	assert.NotZero(t, mgr)

	token, err := mgr.GetTokenForOrg(context.Background(), "rust-lang")
	assert.NoError(t, err)
	assert.Equal(t, "installation-token-abc", token)
	assert.Equal(t, 1, exchanges)

	assert.True(t, strings.HasPrefix(sawAuthHeader, "Bearer "))
	jwt := strings.TrimPrefix(sawAuthHeader, "Bearer ")
	parts := strings.Split(jwt, ".")
	assert.Equal(t, 3, len(parts))

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	assert.NoError(t, err)
	var header map[string]string
	assert.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, "RS256", header["alg"])
	assert.Equal(t, "JWT", header["typ"])

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	assert.NoError(t, err)
	var claims map[string]any
	assert.NoError(t, json.Unmarshal(claimsJSON, &claims))
	assert.Equal(t, "99", claims["iss"])

	// Second call within the refresh buffer reuses the cached token: no
	// additional exchange against the fake server.
	token2, err := mgr.GetTokenForOrg(context.Background(), "rust-lang")
	assert.NoError(t, err)
	assert.Equal(t, "installation-token-abc", token2)
	assert.Equal(t, 1, exchanges)
}

func TestGetTokenForOrgRejectsUnknownOrg(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeTestKey(t, dir)

	installations, err := githubapp.NewInstallations(githubapp.Config{
		AppID:             "99",
		PrivateKeyPath:    keyPath,
		InstallationsJSON: `{"rust-lang": "555"}`,
	}, discardLogger())
	assert.NoError(t, err)

	mgr, err := githubapp.NewTokenManager(installations, http.DefaultClient)
	assert.NoError(t, err)

	_, err = mgr.GetTokenForOrg(context.Background(), "some-other-org")
	assert.Error(t, err)
}

func TestNilTokenManagerReturnsEmptyToken(t *testing.T) {
	var mgr *githubapp.TokenManager
	token, err := mgr.GetTokenForOrg(context.Background(), "anything")
	assert.NoError(t, err)
	assert.Equal(t, "", token)
}
