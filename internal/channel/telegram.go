// Package channel adapts the gated Telegram channel to the pruner.
// Membership is kept in a local registry fed by the Bot API's chat_member
// updates; access is revoked through the Bot API.
package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// updateBatch is the getUpdates page size, the Bot API maximum
const updateBatch = 100

// MemberStore is the membership registry the channel pages through
type MemberStore interface {
	ListMembers(ctx context.Context, offset, limit int) ([]models.Member, error)
	UpsertMember(ctx context.Context, m models.Member) error
	RemoveMember(ctx context.Context, memberID int64) error
}

// APIError is a Bot API response with ok=false
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

// Telegram implements pruner.Channel for one chat
type Telegram struct {
	apiURL string
	token  string
	chatID string
	store  MemberStore
	http   *http.Client
	log    *zap.Logger

	syncMu sync.Mutex
	offset int64 // next update_id to request
}

// NewTelegram builds a channel bound to chatID. apiURL defaults to the public
// Bot API host.
func NewTelegram(apiURL, token, chatID string, store MemberStore, client *http.Client, log *zap.Logger) *Telegram {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		chatID: chatID,
		store:  store,
		http:   client,
		log:    log,
	}
}

// Members returns one page of the channel's membership registry
func (t *Telegram) Members(ctx context.Context, offset, limit int) ([]models.Member, error) {
	return t.store.ListMembers(ctx, offset, limit)
}

// RevokeView bans the member from the channel so they can no longer read it,
// then drops them from the registry.
func (t *Telegram) RevokeView(ctx context.Context, member models.Member) error {
	err := t.call(ctx, "banChatMember", map[string]any{
		"chat_id":         t.chatID,
		"user_id":         member.ID,
		"revoke_messages": false,
	}, nil)
	if err != nil {
		return err
	}
	if err := t.store.RemoveMember(ctx, member.ID); err != nil {
		t.log.Warn("member banned but still in registry", zap.Int64("member_id", member.ID), zap.Error(err))
	}
	return nil
}

// User is a Telegram account as the Bot API reports it
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// GetMe checks the bot token
func (t *Telegram) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

type update struct {
	UpdateID   int64             `json:"update_id"`
	ChatMember *chatMemberUpdate `json:"chat_member"`
}

type chatMemberUpdate struct {
	Chat struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"chat"`
	NewChatMember struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
		User     User   `json:"user"`
	} `json:"new_chat_member"`
}

// SyncMembers drains pending chat_member updates into the registry and returns
// how many were applied. The bot must be a channel admin to receive them, and
// no webhook may be set. An update is acknowledged only after it is stored.
func (t *Telegram) SyncMembers(ctx context.Context) (int, error) {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	applied := 0
	for {
		var updates []update
		err := t.call(ctx, "getUpdates", map[string]any{
			"offset":          t.offset,
			"limit":           updateBatch,
			"timeout":         0,
			"allowed_updates": []string{"chat_member"},
		}, &updates)
		if err != nil {
			return applied, err
		}

		for _, u := range updates {
			if u.ChatMember != nil && t.isChannel(u.ChatMember.Chat.ID, u.ChatMember.Chat.Username) {
				changed, err := t.apply(ctx, u.ChatMember)
				if err != nil {
					return applied, fmt.Errorf("failed to apply update %d: %w", u.UpdateID, err)
				}
				if changed {
					applied++
				}
			}
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
		}

		if len(updates) < updateBatch {
			return applied, nil
		}
	}
}

func (t *Telegram) apply(ctx context.Context, u *chatMemberUpdate) (bool, error) {
	user := u.NewChatMember.User
	if user.IsBot {
		return false, nil
	}

	var present bool
	switch u.NewChatMember.Status {
	case "creator", "administrator", "member":
		present = true
	case "restricted":
		present = u.NewChatMember.IsMember
	case "left", "kicked":
	default:
		t.log.Debug("ignoring chat member status", zap.String("status", u.NewChatMember.Status))
		return false, nil
	}

	if !present {
		t.log.Debug("member left channel", zap.Int64("member_id", user.ID))
		return true, t.store.RemoveMember(ctx, user.ID)
	}
	t.log.Debug("member joined channel", zap.Int64("member_id", user.ID), zap.String("username", user.Username))
	return true, t.store.UpsertMember(ctx, models.Member{
		ID:        user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
}

// isChannel matches an update's chat against the configured chat id, which is
// either numeric or an @username.
func (t *Telegram) isChannel(id int64, username string) bool {
	if strings.HasPrefix(t.chatID, "@") {
		return username != "" && strings.EqualFold(t.chatID[1:], username)
	}
	return t.chatID == strconv.FormatInt(id, 10)
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	ErrorCode   int                 `json:"error_code"`
	Description string              `json:"description"`
	Result      jsoniter.RawMessage `json:"result"`
}

func (t *Telegram) call(ctx context.Context, method string, params map[string]any, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		// the url embeds the token; keep it out of the error
		return fmt.Errorf("telegram %s request failed: %w", method, redact(err, t.token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read telegram %s response: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("failed to decode telegram %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		return &APIError{Method: method, Code: parsed.ErrorCode, Description: parsed.Description}
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("failed to decode telegram %s result: %w", method, err)
		}
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
