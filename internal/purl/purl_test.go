package purl_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/purl"
)

func TestHashBytes(t *testing.T) {
	// Known SHA-256 of the empty string.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", purl.HashBytes(nil))
}

func TestCrate(t *testing.T) {
	ctx := purl.Crate("crates", "serde", "1.0.0", "https://crates.io/api/v1/crates/serde/1.0.0/download", []byte("payload"))
	assert.Equal(t, "pkg:cargo/serde@1.0.0", ctx.Purl)
	assert.Equal(t, "crate", ctx.ID.Type)
	assert.Equal(t, "serde", ctx.ID.Name)
	assert.Equal(t, "crates", ctx.RepositoryID)
	assert.Equal(t, purl.HashBytes([]byte("payload")), ctx.Hash)
}

// TestMaven exercises spec scenario 8 verbatim: the literal purl a Maven
// artifact download must produce.
func TestMaven(t *testing.T) {
	ctx := purl.Maven("m2", "org/apache/commons", "commons-lang3", "3.12.0", "jar",
		"https://repo.maven.apache.org/maven2",
		"https://repo.maven.apache.org/maven2/org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar",
		[]byte("jar-bytes"))

	assert.Equal(t,
		"pkg:maven/org.apache.commons/commons-lang3@3.12.0?type=jar&repository_url=https%3A%2F%2Frepo.maven.apache.org%2Fmaven2",
		ctx.Purl)
	assert.Equal(t, "m2", ctx.ID.Type)
	assert.Equal(t, "org.apache.commons", ctx.ID.GroupID)
	assert.Equal(t, "commons-lang3", ctx.ID.ArtifactID)
}

func TestNPMScopedPackage(t *testing.T) {
	ctx := purl.NPM("npm", "@babel/core", "7.20.0", "https://registry.npmjs.org/@babel/core/-/core-7.20.0.tgz", []byte("x"))
	assert.Equal(t, "pkg:npm/%40babel/core@7.20.0", ctx.Purl)
}

func TestGem(t *testing.T) {
	ctx := purl.Gem("gems", "rails", "7.1.0", "https://rubygems.org/gems/rails-7.1.0.gem", []byte("x"))
	assert.Equal(t, "pkg:gem/rails@7.1.0", ctx.Purl)
}
