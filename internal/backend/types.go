package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is an authenticated identity. A nil *Session means logged out.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Clone returns a copy callers may keep without sharing the original.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Wallet is the observed balance row, in currency minor units.
type Wallet struct {
	AvailableMinorUnits int64 `json:"available_cents"`
	LockedMinorUnits    int64 `json:"locked_cents"`
}

type Deposit struct {
	ID               string    `json:"id,omitempty"`
	Phone            string    `json:"phone"`
	AmountMinorUnits int64     `json:"amount_cents,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RawRound is a current-round record exactly as the backend delivered it.
// Field names vary between deployments; see rounds.Normalize.
type RawRound map[string]any

type EventType string

const (
	EventAll    EventType = "*"
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Filter restricts a subscription to rows whose Column equals Value.
type Filter struct {
	Column string
	Value  string
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Subscription describes a change-notification stream for one table.
type Subscription struct {
	Name   string
	Schema string
	Table  string
	Event  EventType
	Filter *Filter
}

// Matches reports whether an event of the given type is wanted.
func (s Subscription) Matches(t EventType) bool {
	return s.Event == "" || s.Event == EventAll || s.Event == t
}

type ChangeEvent struct {
	Type   EventType       `json:"type"`
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	New    json.RawMessage `json:"record,omitempty"`
	Old    json.RawMessage `json:"old_record,omitempty"`
}

// HasNew reports whether the event carries a non-empty new row.
func (e ChangeEvent) HasNew() bool {
	n := len(e.New)
	return n > 0 && string(e.New) != "null" && string(e.New) != "{}"
}

// MatchesFilter reports whether the row carried by e satisfies f. The new row
// is checked when present, otherwise the old one. A nil filter matches.
func (e ChangeEvent) MatchesFilter(f *Filter) bool {
	if f == nil {
		return true
	}
	raw := e.New
	if !e.HasNew() {
		raw = e.Old
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthUserUpdated    AuthEvent = "USER_UPDATED"
)
