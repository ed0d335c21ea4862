// Package csrf validates request provenance for state-changing methods
// against an origin allow-list.
package csrf

import (
	"net/url"
	"strings"
)

// Result is the outcome of an origin check.
type Result struct {
	Allowed bool
	// Reason is set on rejection and on flagged-but-allowed requests.
	Reason string
	// Flagged marks a leniently accepted request (no Origin and no Referer)
	// that monitoring should watch.
	Flagged bool
}

// Guard holds the allow-list. Stateless per request.
type Guard struct {
	allowed      map[string]struct{}
	parentDomain string
}

// NewGuard builds a guard from fixed origins plus a parent domain whose
// subdomains are all accepted.
func NewGuard(origins []string, parentDomain string) *Guard {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(o)), "/")
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &Guard{allowed: allowed, parentDomain: strings.ToLower(strings.TrimSpace(parentDomain))}
}

// Check validates a request's declared provenance. Safe methods always pass.
// Form-encoded bodies require a present, allow-listed Origin header; a
// Referer alone is not enough, since form submissions fire cross-site
// without the submitting page's cooperation. JSON requests without any
// provenance headers are accepted leniently but flagged.
func (g *Guard) Check(method, origin, referer, contentType string) Result {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return Result{Allowed: true}
	}

	origin = strings.TrimSpace(origin)
	referer = strings.TrimSpace(referer)

	if origin != "" {
		if g.originAllowed(origin) {
			return Result{Allowed: true}
		}
		return Result{Reason: "origin_not_allowed"}
	}

	if isFormContentType(contentType) {
		return Result{Reason: "form_without_origin"}
	}

	if referer != "" {
		if g.refererAllowed(referer) {
			return Result{Allowed: true}
		}
		return Result{Reason: "referer_not_allowed"}
	}

	// Same-origin fetches and server-to-server calls often carry neither
	// header. Accept, but surface for monitoring.
	return Result{Allowed: true, Flagged: true, Reason: "no_origin_no_referer"}
}

func (g *Guard) originAllowed(origin string) bool {
	origin = strings.TrimSuffix(strings.ToLower(origin), "/")
	if _, ok := g.allowed[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return g.hostAllowed(u.Hostname(), u.Scheme)
}

func (g *Guard) refererAllowed(referer string) bool {
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return false
	}
	if _, ok := g.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
		return true
	}
	return g.hostAllowed(u.Hostname(), u.Scheme)
}

// hostAllowed accepts the parent domain and any of its subdomains, https
// only.
func (g *Guard) hostAllowed(host, scheme string) bool {
	if g.parentDomain == "" || !strings.EqualFold(scheme, "https") {
		return false
	}
	host = strings.ToLower(host)
	return host == g.parentDomain || strings.HasSuffix(host, "."+g.parentDomain)
}

func isFormContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data", "text/plain":
		return true
	}
	return false
}
