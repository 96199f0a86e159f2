package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/db"
	"github.com/xtrntr/volumegate/internal/exchange"
	"github.com/xtrntr/volumegate/internal/models"
	"github.com/xtrntr/volumegate/pkg/crypto"
)

// CreateCredential stores an exchange API key pair for the current user.
// The secret is encrypted before it reaches the database.
func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	var req struct {
		Exchange  string `json:"exchange"`
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	name, err := exchange.ParseName(req.Exchange)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported exchange")
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" || req.APISecret == "" {
		writeError(w, http.StatusBadRequest, "API key and secret required")
		return
	}

	secret, err := crypto.Encrypt(req.APISecret, h.EncryptionKey)
	if err != nil {
		h.Log.Error("failed to encrypt api secret", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	cred, err := h.Credentials.CreateCredential(r.Context(), &models.ExchangeCredential{
		UserID:    session.UserID,
		Exchange:  string(name),
		APIKey:    req.APIKey,
		APISecret: secret,
	})
	if err != nil {
		h.Log.Error("failed to create credential", zap.Int("user_id", session.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	writeJSON(w, http.StatusCreated, cred)
}

// ListCredentials returns the current user's credentials without secrets
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	creds, err := h.Credentials.ListCredentials(r.Context(), session.UserID)
	if err != nil {
		h.Log.Error("failed to list credentials", zap.Int("user_id", session.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve credentials")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// DeleteCredential removes one of the current user's credentials
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credential ID")
		return
	}

	if err := h.Credentials.DeleteCredential(r.Context(), id, session.UserID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found")
			return
		}
		h.Log.Error("failed to delete credential", zap.Int("credential_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Credential deleted"})
}

// LinkUID records which exchange UID a channel member trades under. A member
// linked by another account cannot be relinked.
func (h *Handler) LinkUID(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	var req struct {
		MemberID int64  `json:"member_id"`
		UID      string `json:"uid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UID = strings.TrimSpace(req.UID)
	if req.MemberID <= 0 || req.UID == "" {
		writeError(w, http.StatusBadRequest, "Missing member_id or UID")
		return
	}

	if err := h.UIDs.LinkUID(r.Context(), session.UserID, req.MemberID, req.UID); err != nil {
		if errors.Is(err, db.ErrLinkOwned) {
			h.Log.Warn("uid relink rejected", zap.Int("user_id", session.UserID), zap.Int64("member_id", req.MemberID))
			writeError(w, http.StatusConflict, "Member is already linked by another account")
			return
		}
		h.Log.Error("failed to link uid", zap.Int64("member_id", req.MemberID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to link UID")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"member_id": req.MemberID, "uid": req.UID})
}
