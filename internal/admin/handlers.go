package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatwire/chatwire/internal/ledger"
	"github.com/chatwire/chatwire/internal/lifecycle"
	"github.com/chatwire/chatwire/internal/session"
)

// Response is the common response envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func success(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

func failure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Code: status, Message: message})
}

// HealthHandler reports liveness.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		success(w, map[string]interface{}{
			"status":    "UP",
			"timestamp": time.Now(),
			"service":   "chatwire",
		})
	}
}

// StatusHandler reports the lifecycle phase and session counts.
func StatusHandler(lm *lifecycle.Manager, sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		success(w, map[string]interface{}{
			"phase":             lm.Phase().String(),
			"reconnect_attempt": lm.Attempts(),
			"sessions_active":   sessions.Count(),
		})
	}
}

// mintCodeRequest is the body for POST /codes.
type mintCodeRequest struct {
	MaxUses    int64 `json:"max_uses"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

// MintCodeHandler creates a redeemable code.
func MintCodeHandler(accountant *ledger.Accountant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mintCodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			failure(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MaxUses < 0 || req.TTLSeconds < 0 {
			failure(w, http.StatusBadRequest, "max_uses and ttl_seconds must be non-negative")
			return
		}

		entry, err := accountant.MintCode(r.Context(), req.MaxUses,
			time.Duration(req.TTLSeconds)*time.Second, "admin")
		if err != nil {
			failure(w, http.StatusInternalServerError, err.Error())
			return
		}
		success(w, entry)
	}
}

// grantRequest is the body for POST /grants.
type grantRequest struct {
	UserID          string `json:"user_id"`
	DurationSeconds int64  `json:"duration_seconds"` // 0 grants permanently
}

// GrantHandler grants a user entitlement directly.
func GrantHandler(accountant *ledger.Accountant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req grantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			failure(w, http.StatusBadRequest, "user_id is required")
			return
		}

		entry, err := accountant.Grant(r.Context(), req.UserID,
			time.Duration(req.DurationSeconds)*time.Second, "admin")
		if err != nil {
			failure(w, http.StatusInternalServerError, err.Error())
			return
		}
		success(w, entry)
	}
}

// ReconnectHandler triggers a manual Start, superseding any pending
// scheduled reconnect.
func ReconnectHandler(lm *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := lm.Start(r.Context()); err != nil {
			failure(w, http.StatusInternalServerError, err.Error())
			return
		}
		success(w, map[string]string{"phase": lm.Phase().String()})
	}
}

// LogoutHandler performs a terminal disconnect and wipes credentials.
func LogoutHandler(lm *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lm.Logout()
		success(w, map[string]string{"phase": lm.Phase().String()})
	}
}
