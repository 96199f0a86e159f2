package models

import "time"

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExchangeCredential is an API key pair a user stored for one exchange.
// APISecret holds the encrypted value as persisted.
type ExchangeCredential struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Exchange  string    `json:"exchange"`
	APIKey    string    `json:"api_key"`
	APISecret string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a participant of the gated channel
type Member struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	JoinedAt  time.Time `json:"joined_at"`
}

// DisplayName returns the handle used in log lines
func (m Member) DisplayName() string {
	if m.Username != "" {
		return m.Username
	}
	if m.FirstName != "" || m.LastName != "" {
		return m.FirstName + " " + m.LastName
	}
	return "unknown"
}

// MemberUID links a channel member to an exchange-assigned UID
type MemberUID struct {
	MemberID  int64     `json:"member_id"`
	UID       string    `json:"uid"`
	UpdatedAt time.Time `json:"updated_at"`
}
