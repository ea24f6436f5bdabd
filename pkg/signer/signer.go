// Package signer builds the header set sent with every call to the remote
// asset service.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"

	"github.com/assetflow/assetflow/internal/version"
	"github.com/assetflow/assetflow/pkg/credentials"
)

// Header names produced by the signer, except the service token header whose
// name depends on Config.ServiceName.
const (
	HeaderAuthorization  = "Authorization"
	HeaderTenant         = "X-Tenant-Id"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderClient         = "X-Client"
	HeaderRequestTime    = "X-Request-Time"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// MaxIdempotencyKeyLength caps the idempotency header value.
const MaxIdempotencyKeyLength = 64

// DefaultServiceName names the service in the X-<Service>-Token header.
const DefaultServiceName = "Assetflow"

// DefaultIdempotencySuppressedPaths are write paths the upstream rejects
// idempotency keys on.
var DefaultIdempotencySuppressedPaths = []string{
	"/api/v1/edges",
	"/api/v1/revisions/tags",
}

// Config configures a Signer.
type Config struct {
	// ServiceName is rendered as X-<ServiceName>-Token. Default: "Assetflow".
	ServiceName string

	// ClientTag is sent in X-Client. Default: "assetflow-go/<version>".
	ClientTag string

	// IdempotencySuppressedPaths disables idempotency keys on these paths.
	// nil selects DefaultIdempotencySuppressedPaths; an empty non-nil slice
	// suppresses nothing.
	IdempotencySuppressedPaths []string

	// Now overrides the clock used for X-Request-Time.
	Now func() time.Time

	// NewID overrides the correlation id generator.
	NewID func() string
}

// Signer produces request headers. It is safe for concurrent use.
type Signer struct {
	tokenHeader string
	clientTag   string
	suppressed  map[string]bool
	now         func() time.Time
	newID       func() string
}

// Request is the input to Sign.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte

	// CorrelationID is generated when empty.
	CorrelationID string

	// IdempotencyKey overrides the derived key for write methods.
	IdempotencyKey string
}

// Signed is the result of Sign.
type Signed struct {
	Header         http.Header
	CorrelationID  string
	IdempotencyKey string
	Tenant         string
	HasUserToken   bool
}

// New creates a Signer.
func New(cfg Config) *Signer {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.ClientTag == "" {
		cfg.ClientTag = "assetflow-go/" + version.Version
	}
	if cfg.IdempotencySuppressedPaths == nil {
		cfg.IdempotencySuppressedPaths = DefaultIdempotencySuppressedPaths
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}

	suppressed := make(map[string]bool, len(cfg.IdempotencySuppressedPaths))
	for _, p := range cfg.IdempotencySuppressedPaths {
		suppressed[normalizePath(p)] = true
	}

	return &Signer{
		tokenHeader: TokenHeaderName(cfg.ServiceName),
		clientTag:   cfg.ClientTag,
		suppressed:  suppressed,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
}

// TokenHeaderName renders the service token header for a service name, e.g.
// "asset flow" -> "X-Asset-Flow-Token".
func TokenHeaderName(service string) string {
	return http.CanonicalHeaderKey("x-" + strcase.ToKebab(service) + "-token")
}

// TokenHeader returns the service token header name this signer uses.
func (s *Signer) TokenHeader() string {
	return s.tokenHeader
}

// Sign builds the header set for one attempt. Credentials must already be
// normalized and validated.
func (s *Signer) Sign(creds *credentials.Credentials, req Request) Signed {
	h := make(http.Header)

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = s.newID()
	}
	h.Set(HeaderCorrelationID, correlationID)
	h.Set(HeaderClient, s.clientTag)
	h.Set(HeaderRequestTime, s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	h.Set(s.tokenHeader, creds.ServiceToken)

	out := Signed{Header: h, CorrelationID: correlationID}

	if creds.UserToken != "" {
		h.Set(HeaderAuthorization, "Bearer "+creds.UserToken)
		out.HasUserToken = true
	}
	if tenant, ok := creds.Tenant(); ok {
		h.Set(HeaderTenant, tenant)
		out.Tenant = tenant
	}

	if RequiresIdempotencyKey(req.Method) && !s.SuppressIdempotency(req.Path) {
		key := SanitizeKey(req.IdempotencyKey)
		if key == "" {
			key = IdempotencyKey(req.Method, req.Path, req.Query, req.Body, correlationID)
		}
		h.Set(HeaderIdempotencyKey, key)
		out.IdempotencyKey = key
	}

	return out
}

// SuppressIdempotency reports whether path is on the suppression allowlist.
func (s *Signer) SuppressIdempotency(path string) bool {
	return s.suppressed[normalizePath(path)]
}

// RequiresIdempotencyKey reports whether method is a write method that is
// not idempotent by default.
func RequiresIdempotencyKey(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPatch:
		return true
	default:
		return false
	}
}

// IdempotencyKey derives a deterministic key from the request fingerprint and
// correlation id.
func IdempotencyKey(method, path string, query url.Values, body []byte, correlationID string) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(strings.ToUpper(method))
	write(path)
	write(canonicalQuery(query))
	h.Write(body)
	h.Write([]byte{0})
	write(correlationID)
	return SanitizeKey("af-" + hex.EncodeToString(h.Sum(nil)))
}

// SanitizeKey restricts key to [A-Za-z0-9_-] and caps its length.
func SanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= MaxIdempotencyKeyLength {
			break
		}
	}
	return b.String()
}

// canonicalQuery renders query parameters with sorted keys and values so
// insertion order does not change the fingerprint.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(strings.Join(vals, ",")))
	}
	return b.String()
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
