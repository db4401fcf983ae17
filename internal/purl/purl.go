// Package purl builds Package URLs (purl spec, https://github.com/package-url/purl-spec)
// and the policy Context they're embedded in, for each ecosystem the proxy fronts.
package purl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// ID is the tagged Crate|M2 identifier carried in a Context, matching the
// wire shape spec.md §6 requires ("_type" discriminator plus ecosystem fields).
type ID struct {
	Type       string `json:"_type"` // "crate" | "m2"
	Name       string `json:"name,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// Context is the payload POSTed to the policy service.
type Context struct {
	Purl         string  `json:"purl"`
	URL          string  `json:"url"`
	Hash         string  `json:"hash"`
	ID           ID      `json:"id"`
	RepositoryID string  `json:"repository_id"`
	License      *string `json:"license"`
}

// HashBytes returns the lowercase hex SHA-256 digest of payload.
func HashBytes(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Crate builds a Context for a crates.io-style artifact.
func Crate(repositoryID, name, version, fetchedURL string, payload []byte) Context {
	return Context{
		Purl:         fmt.Sprintf("pkg:cargo/%s@%s", name, version),
		URL:          fetchedURL,
		Hash:         HashBytes(payload),
		ID:           ID{Type: "crate", Name: name},
		RepositoryID: repositoryID,
	}
}

// Maven builds a Context for a Maven Central style artifact. groupPath is the
// slash-separated group directory (e.g. "org/apache/commons"); it is
// rewritten to dotted form for the purl namespace.
func Maven(repositoryID, groupPath, artifactID, version, ext, upstreamBase, fetchedURL string, payload []byte) Context {
	groupDotted := strings.ReplaceAll(groupPath, "/", ".")
	purl := fmt.Sprintf("pkg:maven/%s/%s@%s?type=%s&repository_url=%s",
		groupDotted, artifactID, version, ext, url.QueryEscape(upstreamBase))
	return Context{
		Purl:         purl,
		URL:          fetchedURL,
		Hash:         HashBytes(payload),
		ID:           ID{Type: "m2", GroupID: groupDotted, ArtifactID: artifactID},
		RepositoryID: repositoryID,
	}
}

// NPM builds a Context for an npm-style artifact. name may carry an "@scope/"
// prefix, which purl requires percent-encoded.
func NPM(repositoryID, name, version, fetchedURL string, payload []byte) Context {
	encodedName := strings.ReplaceAll(name, "@", "%40")
	return Context{
		Purl:         fmt.Sprintf("pkg:npm/%s@%s", encodedName, version),
		URL:          fetchedURL,
		Hash:         HashBytes(payload),
		ID:           ID{Type: "crate", Name: name},
		RepositoryID: repositoryID,
	}
}

// Gem builds a Context for a RubyGems-style artifact.
func Gem(repositoryID, name, version, fetchedURL string, payload []byte) Context {
	return Context{
		Purl:         fmt.Sprintf("pkg:gem/%s@%s", name, version),
		URL:          fetchedURL,
		Hash:         HashBytes(payload),
		ID:           ID{Type: "crate", Name: name},
		RepositoryID: repositoryID,
	}
}
