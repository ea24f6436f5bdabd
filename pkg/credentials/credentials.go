// Package credentials resolves and normalizes the connection details used to
// talk to the remote asset service.
package credentials

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/assetflow/assetflow/pkg/apierr"
)

// Credentials holds the values needed to sign requests.
type Credentials struct {
	// BaseURL of the remote service, e.g. "https://assets.example.com".
	BaseURL string `json:"baseUrl"`

	// ServiceToken is sent in the X-<Service>-Token header. Required.
	ServiceToken string `json:"-"`

	// TenantID is optional. When empty it is derived from the service token's
	// claims.
	TenantID string `json:"tenantId,omitempty"`

	// UserToken is optional and must be JWT-shaped when set.
	UserToken string `json:"-"`
}

// TenantClaims are checked in order when deriving a tenant id from a token.
var TenantClaims = []string{"tenant_id", "tenantId", "tid", "tenant", "org_id"}

// Resolver looks up credentials.
type Resolver interface {
	Resolve(ctx context.Context) (*Credentials, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context) (*Credentials, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context) (*Credentials, error) {
	return f(ctx)
}

// StaticResolver always returns the same credentials.
type StaticResolver struct {
	Credentials Credentials
}

// Resolve returns a normalized copy of the static credentials.
func (r *StaticResolver) Resolve(_ context.Context) (*Credentials, error) {
	c := r.Credentials.Normalize()
	return &c, nil
}

// Environment variables read by EnvResolver.
const (
	EnvBaseURL      = "ASSETFLOW_BASE_URL"
	EnvServiceToken = "ASSETFLOW_SERVICE_TOKEN"
	EnvTenantID     = "ASSETFLOW_TENANT_ID"
	EnvUserToken    = "ASSETFLOW_USER_TOKEN"
)

// EnvResolver reads credentials from the process environment. Fallback
// values are used for variables that are unset.
type EnvResolver struct {
	Fallback Credentials
}

// Resolve reads the environment on every call so rotated tokens are picked up.
func (r *EnvResolver) Resolve(_ context.Context) (*Credentials, error) {
	c := r.Fallback
	if v, ok := os.LookupEnv(EnvBaseURL); ok && v != "" {
		c.BaseURL = v
	}
	if v, ok := os.LookupEnv(EnvServiceToken); ok && v != "" {
		c.ServiceToken = v
	}
	if v, ok := os.LookupEnv(EnvTenantID); ok && v != "" {
		c.TenantID = v
	}
	if v, ok := os.LookupEnv(EnvUserToken); ok && v != "" {
		c.UserToken = v
	}
	n := c.Normalize()
	return &n, nil
}

// NormalizeToken strips a case-insensitive "Bearer " prefix and surrounding
// whitespace.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	const prefix = "bearer"
	if len(token) < len(prefix) || !strings.EqualFold(token[:len(prefix)], prefix) {
		return token
	}
	rest := token[len(prefix):]
	if rest == "" {
		return ""
	}
	if rest[0] != ' ' && rest[0] != '\t' {
		return token
	}
	return strings.TrimSpace(rest)
}

// Normalize returns a copy with tokens and base URL normalized.
func (c Credentials) Normalize() Credentials {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.ServiceToken = NormalizeToken(c.ServiceToken)
	c.UserToken = NormalizeToken(c.UserToken)
	c.TenantID = strings.TrimSpace(c.TenantID)
	return c
}

// Validate checks the invariants that must hold before any network I/O.
// The returned error is an *apierr.Error of kind Validation.
func (c *Credentials) Validate() error {
	if err := validation.Validate(c.BaseURL, validation.Required, validation.By(httpURL)); err != nil {
		return apierr.WrapValidation("base_url", err)
	}
	if err := validation.Validate(c.ServiceToken, validation.Required); err != nil {
		return apierr.WrapValidation("service_token", err)
	}
	if c.UserToken != "" && !IsJWTShaped(c.UserToken) {
		return apierr.NewValidationError("user_token", "must be a three-segment dot-delimited token")
	}
	return nil
}

// Tenant returns the explicit tenant id, or one derived from the service
// token's claims. The second result is false when neither is available.
func (c *Credentials) Tenant() (string, bool) {
	if c.TenantID != "" {
		return c.TenantID, true
	}
	if t := TenantFromToken(c.ServiceToken); t != "" {
		return t, true
	}
	return "", false
}

// IsJWTShaped reports whether token has three non-empty dot-delimited segments.
// The signature is not verified.
func IsJWTShaped(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// TenantFromToken extracts a tenant id from an unverified JWT-shaped token.
// It returns "" for opaque tokens or tokens without a tenant claim.
func TenantFromToken(token string) string {
	token = NormalizeToken(token)
	if !IsJWTShaped(token) {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, name := range TenantClaims {
		if v, ok := claims[name].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}
