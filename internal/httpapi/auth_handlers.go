package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"sitespectral.org/internal/audit"
	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/obs"
	"sitespectral.org/internal/ratelimit"
	"sitespectral.org/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	username := strings.TrimSpace(strings.ToLower(req.Username))
	res, err := a.auth.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		outcome := "failure"
		if errors.Is(err, ratelimit.ErrLimited) {
			outcome = "blocked"
		}
		obs.ObserveLogin(outcome)
		_ = audit.LogEvent(r.Context(), "auth.login.failure", map[string]any{
			"username": username,
			"outcome":  outcome,
			"ip":       clientIP(r),
		})
		handleAuthError(w, r, err)
		return
	}

	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login.success", map[string]any{
		"username": res.Identity.Username,
		"role":     string(res.Identity.Role),
		"ip":       clientIP(r),
	})

	session.Set(w, r, res.Token, time.Until(res.ExpiresAt), a.cookies)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"user":       res.Identity,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	provider, _ := auth.ProviderFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     id,
		"provider": provider,
	})
}

// handleLogout clears the client-held cookie. Issued assertions stay valid
// until expiry; there is no server-side session to destroy.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := auth.IdentityFromContext(r.Context()); ok {
		_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
			"ip": clientIP(r),
		})
	}
	session.Clear(w, r, a.cookies)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
