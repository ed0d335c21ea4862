package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitespectral.org/internal/audit"
	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/magiclink"
	"sitespectral.org/internal/obs"
	"sitespectral.org/internal/ratelimit"
	"sitespectral.org/internal/session"
)

type createMagicLinkRequest struct {
	StationID      string `json:"station_id"`
	Label          string `json:"label"`
	Description    string `json:"description"`
	ExpiresInDays  int    `json:"expires_in_days"`
	SingleUse      bool   `json:"single_use"`
	PinIP          bool   `json:"pin_ip"`
	Role           string `json:"role"`
	RecipientEmail string `json:"recipient_email"`
}

type revokeMagicLinkRequest struct {
	TokenID string `json:"token_id"`
	Reason  string `json:"reason"`
}

func (a *API) handleMagicLinkCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}

	var req createMagicLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var role auth.Role
	if strings.TrimSpace(req.Role) != "" {
		parsed, err := auth.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unknown role")
			return
		}
		role = parsed
	}

	created, err := a.magic.Create(r.Context(), actor, magiclink.CreateParams{
		StationID:      req.StationID,
		Label:          req.Label,
		Description:    req.Description,
		ExpiresInDays:  req.ExpiresInDays,
		SingleUse:      req.SingleUse,
		PinIP:          req.PinIP,
		Role:           role,
		RecipientEmail: req.RecipientEmail,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "magiclink.created", map[string]any{
		"token_id":     created.Token.ID,
		"token_prefix": created.Token.SecretPrefix,
		"station_id":   created.Token.StationID,
		"role":         created.Token.Role,
		"single_use":   created.Token.SingleUse,
		"expires_at":   created.Token.ExpiresAt.UTC().Format(time.RFC3339),
		"emailed":      created.Emailed,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleMagicLinkValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.validateMagicLink(w, r, false)
}

// handleMagicEntry is the browser entry point behind the emailed URL. On
// success the session cookie is set and the client is sent to the root page.
func (a *API) handleMagicEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.validateMagicLink(w, r, true)
}

func (a *API) validateMagicLink(w http.ResponseWriter, r *http.Request, redirect bool) {
	secret := r.URL.Query().Get("token")
	res, err := a.magic.Validate(r.Context(), secret, clientIP(r), r.UserAgent())
	if err != nil {
		var blocked *ratelimit.BlockedError
		var reject *magiclink.RejectError
		switch {
		case errors.As(err, &blocked):
			obs.ObserveMagicLinkValidation("blocked")
			_ = audit.LogEvent(r.Context(), "magiclink.validation.blocked", map[string]any{
				"ip": clientIP(r),
			})
			writeRateLimited(w, r, blocked)
		case errors.As(err, &reject):
			obs.ObserveMagicLinkValidation(reject.Reason)
			_ = audit.LogEvent(r.Context(), "magiclink.validation.rejected", map[string]any{
				"reason": reject.Reason,
				"ip":     clientIP(r),
			})
			payload := map[string]any{
				"error":  "unauthenticated",
				"reason": reject.Reason,
			}
			if rid := RequestIDFromContext(r.Context()); rid != "" {
				payload["request_id"] = rid
			}
			writeJSON(w, http.StatusUnauthorized, payload)
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	obs.ObserveMagicLinkValidation("success")
	_ = audit.LogEvent(r.Context(), "magiclink.validated", map[string]any{
		"token_id":       res.TokenID,
		"station_id":     res.StationID,
		"session_digest": magiclink.SessionTokenDigest(res.SessionToken),
		"ip":             clientIP(r),
	})

	session.Set(w, r, res.SessionToken, time.Until(res.ExpiresAt), a.cookies)
	if redirect {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"station_id": res.StationID,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
		"redirect":   "/",
	})
}

func (a *API) handleMagicLinkRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}

	var req revokeMagicLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TokenID) == "" {
		writeError(w, r, http.StatusBadRequest, "token_id is required")
		return
	}

	if err := a.magic.Revoke(r.Context(), actor, req.TokenID, req.Reason); err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "magiclink.revoked", map[string]any{
		"token_id": req.TokenID,
		"reason":   strings.TrimSpace(req.Reason),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleMagicLinkList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = val
	}

	views, err := a.magic.List(r.Context(), actor,
		q.Get("station_id"),
		queryBool(q.Get("include_revoked")),
		queryBool(q.Get("include_expired")),
		limit,
	)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": views,
		"count": len(views),
	})
}

func queryBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
