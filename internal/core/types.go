package core

import (
	"bytes"
	"encoding/json"
	"time"
)

// AgentType classifies an authenticated actor.
type AgentType string

const (
	AgentTypeAgent   AgentType = "agent"
	AgentTypeAdmin   AgentType = "admin"
	AgentTypeService AgentType = "service"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeAgent, AgentTypeAdmin, AgentTypeService:
		return true
	}
	return false
}

// AgentIdentity is the resolved identity of a caller for the duration of a
// request. It is produced by the auth service and never mutated afterwards.
type AgentIdentity struct {
	AgentID     string    `json:"agent_id"`
	Type        AgentType `json:"agent_type"`
	Permissions []string  `json:"permissions,omitempty"`
}

// IsAdmin reports whether the identity carries admin privileges.
func (a AgentIdentity) IsAdmin() bool { return a.Type == AgentTypeAdmin }

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is a shared collaboration context holding an ordered message log.
type Session struct {
	ID        string        `json:"id"`
	Purpose   string        `json:"purpose"`
	CreatedBy string        `json:"created_by"`
	Status    SessionStatus `json:"status"`
	Metadata  Metadata      `json:"metadata,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Visibility controls which agents may read a message.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityAgentOnly Visibility = "agent_only"
)

// Valid reports whether v is a known visibility scope.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityAgentOnly:
		return true
	}
	return false
}

// Message is one entry in a session's append-only log. Seq is assigned
// inside the insert transaction and is strictly increasing per session.
type Message struct {
	Seq           int64      `json:"seq"`
	SessionID     string     `json:"session_id"`
	Sender        string     `json:"sender"`
	Content       string     `json:"content"`
	Visibility    Visibility `json:"visibility"`
	AllowedAgents []string   `json:"allowed_agents,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MemoryScope qualifies a memory key.
type MemoryScope string

const (
	ScopeSession MemoryScope = "session"
	ScopeGlobal  MemoryScope = "global"
)

// Valid reports whether s is a known memory scope.
func (s MemoryScope) Valid() bool {
	return s == ScopeSession || s == ScopeGlobal
}

// MemoryEntry is a scoped key-value record with optional expiry.
// SessionID is empty for global entries. A nil ExpiresAt means no expiry.
type MemoryEntry struct {
	Key       string      `json:"key"`
	Value     Metadata    `json:"value"`
	Scope     MemoryScope `json:"scope"`
	SessionID string      `json:"session_id,omitempty"`
	Owner     string      `json:"owner"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Metadata is an opaque, caller-supplied JSON value. Absence and explicit
// null are equivalent (both stored as NULL); any other accepted value
// round-trips verbatim.
type Metadata = json.RawMessage

// IsNullMetadata reports whether m represents "no metadata": nil, empty,
// or the JSON literal null.
func IsNullMetadata(m Metadata) bool {
	return len(m) == 0 || bytes.Equal(bytes.TrimSpace(m), []byte("null"))
}

// ValidateMetadata accepts absent, null, or any well-formed JSON value.
func ValidateMetadata(m Metadata) error {
	if IsNullMetadata(m) {
		return nil
	}
	if !json.Valid(m) {
		return Validationf("metadata", "not valid JSON")
	}
	return nil
}
