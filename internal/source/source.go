// Package source defines the SourceRecord produced by retrieval lanes and
// the canonicalization rules that make source IDs stable across lanes.
package source

import (
	"encoding/hex"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// Record is a single retrieved source, canonicalized by a lane executor and
// owned by the orchestrator thereafter.
type Record struct {
	SourceID      string    `json:"source_id"`
	Lanes         []string  `json:"lanes"` // all lanes that yielded this source
	ProviderID    string    `json:"provider_id"`
	KeyedFallback bool      `json:"keyed_fallback"` // true when a keyless provider produced it
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	Domain        string    `json:"domain"`
	Excerpt       string    `json:"excerpt"`
	RawScore      float64   `json:"raw_score"`
	Timestamp     time.Time `json:"ts,omitempty"`
	Language      string    `json:"language,omitempty"`
}

// trackingParams are query parameters stripped during canonicalization so
// that the same document fetched via different campaigns hashes identically.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "fbclid": true, "gclid": true,
	"ref": true,
}

// Canonicalize normalizes a URL or document key: lowercased scheme/host,
// default ports and fragments dropped, tracking parameters removed, trailing
// slash trimmed. Non-URL keys are returned trimmed and lowercased.
func Canonicalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if trackingParams[strings.ToLower(k)] {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// ID returns the stable source ID for a canonical URL or document key:
// a truncated BLAKE2b digest, deterministic for a given input.
func ID(canonical string) string {
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

// Domain extracts the registrable host from a URL, used by the fusion
// diversity pass. Non-URL keys yield an empty domain.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// Valid reports whether a record is well-formed enough to keep. Lanes drop
// invalid entries with a warning rather than failing.
func (r Record) Valid() bool {
	if r.URL == "" && r.Title == "" {
		return false
	}
	return utf8.ValidString(r.Title) && utf8.ValidString(r.Excerpt) && utf8.ValidString(r.URL)
}
