package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/auth"
	"github.com/xtrntr/volumegate/internal/db"
	"github.com/xtrntr/volumegate/internal/exchange"
	"github.com/xtrntr/volumegate/internal/metrics"
	"github.com/xtrntr/volumegate/internal/models"
)

const sessionCookie = "session"

// VolumeFetcher queries one exchange for a UID's volume
type VolumeFetcher interface {
	FetchVolume(ctx context.Context, name exchange.Name, uid string) (float64, error)
}

// CredentialStore persists users' exchange API keys
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *models.ExchangeCredential) (*models.ExchangeCredential, error)
	ListCredentials(ctx context.Context, userID int) ([]models.ExchangeCredential, error)
	DeleteCredential(ctx context.Context, id, userID int) error
}

// UIDLinker stores member to exchange UID links for the pruner
type UIDLinker interface {
	LinkUID(ctx context.Context, userID int, memberID int64, uid string) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Auth          *auth.AuthService
	Volumes       VolumeFetcher
	Credentials   CredentialStore
	UIDs          UIDLinker
	EncryptionKey []byte
	SecureCookie  bool
	Log           *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(authService *auth.AuthService, volumes VolumeFetcher, creds CredentialStore, uids UIDLinker, encryptionKey []byte, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Auth:          authService,
		Volumes:       volumes,
		Credentials:   creds,
		UIDs:          uids,
		EncryptionKey: encryptionKey,
		SecureCookie:  true,
		Log:           log,
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.Auth.Register(r.Context(), req)
	if err != nil {
		var vErr *auth.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, vErr.Message)
		case errors.Is(err, auth.ErrUserExists):
			writeError(w, http.StatusConflict, "Username or email already registered")
		default:
			h.Log.Error("registration failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to register user")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, token, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		h.Log.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"username":   session.Username,
		"csrf_token": session.CSRFToken,
	})
}

// Logout ends the current session and expires the cookie
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if err := h.Auth.Logout(r.Context(), session.ID); err != nil {
		h.Log.Error("logout failed", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to log out")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// Me returns the logged-in user and the CSRF token of the session
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	user, err := h.Auth.CurrentUser(r.Context(), session)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Account no longer exists")
			return
		}
		h.Log.Error("failed to load current user", zap.Int("user_id", session.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"csrf_token": session.CSRFToken,
	})
}

// CheckVolume returns the volume one exchange reports for a UID
func (h *Handler) CheckVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Exchange string `json:"exchange"`
		UID      string `json:"uid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UID = strings.TrimSpace(req.UID)
	if strings.TrimSpace(req.Exchange) == "" || req.UID == "" {
		metrics.VolumeChecks.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "Missing exchange or UID")
		return
	}

	name, err := exchange.ParseName(req.Exchange)
	if err != nil {
		metrics.VolumeChecks.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "Unsupported exchange")
		return
	}

	volume, err := h.Volumes.FetchVolume(r.Context(), name, req.UID)
	if err != nil {
		metrics.VolumeChecks.WithLabelValues("error").Inc()
		h.Log.Error("volume check failed",
			zap.String("exchange", string(name)),
			zap.String("uid", req.UID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.VolumeChecks.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]float64{"volume": volume})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}
