// Package session moves the signed session assertion between client and
// server. The primary channel is an http-only cookie shared across station
// subdomains; direct API callers may use a bearer header instead.
package session

import (
	"net/http"
	"strings"
	"time"
)

// CookieName is the session cookie. Scoped to the parent domain so station
// subdomains share one login.
const CookieName = "spectral_session"

// Config controls cookie scoping and the Secure attribute.
type Config struct {
	// ParentDomain scopes the cookie (e.g. "sitespectral.org").
	ParentDomain string
	// SecureHosts are hosts known to sit behind TLS termination even when
	// the local hop is plain HTTP.
	SecureHosts []string
}

// Set attaches the session cookie to the response.
func Set(w http.ResponseWriter, r *http.Request, token string, ttl time.Duration, cfg Config) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   cfg.ParentDomain,
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   IsSecure(r, cfg),
	})
}

// Clear expires the session cookie immediately. Already-issued assertions
// remain valid until expiry; logout only discards the client-held copy.
func Clear(w http.ResponseWriter, r *http.Request, cfg Config) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.ParentDomain,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   IsSecure(r, cfg),
	})
}

// TokenFromCookie extracts the assertion from the session cookie.
func TokenFromCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return "", false
	}
	return c.Value, true
}

// TokenFromBearer extracts the assertion from an Authorization bearer header.
func TokenFromBearer(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if !strings.HasPrefix(strings.ToLower(header), prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest tries the cookie first, then the bearer fallback.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := TokenFromCookie(r); ok {
		return token, true
	}
	return TokenFromBearer(r)
}

// IsSecure reports whether the request arrived over a secure transport or a
// known-secure host, which decides the cookie's Secure attribute.
func IsSecure(r *http.Request, cfg Config) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	host := requestHost(r)
	for _, h := range cfg.SecureHosts {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}

func requestHost(r *http.Request) string {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
