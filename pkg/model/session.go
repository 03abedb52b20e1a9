// Package model defines the persisted and in-memory data types shared by
// the session engine and its stores.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ForkOrigin records why a session was created as a fork of another.
type ForkOrigin string

const (
	ForkOriginUser       ForkOrigin = "user"
	ForkOriginDelegation ForkOrigin = "delegation"
)

// ForkPointType identifies what a fork's cut point refers to.
type ForkPointType string

const (
	ForkPointMessage  ForkPointType = "message"
	ForkPointProgress ForkPointType = "progress-entry"
	// ForkPointNone forks with no inherited messages: the child starts
	// from cwd/llm-config only, used by delegation forks whose child
	// history is the synthesized brief rather than the parent's log.
	ForkPointNone ForkPointType = "none"
)

// ForkInfo describes a session's relationship to its parent.
type ForkInfo struct {
	ParentSessionID string        `json:"parent_session_id"`
	Origin          ForkOrigin    `json:"origin"`
	PointType       ForkPointType `json:"point_type"`
	PointRef        string        `json:"point_ref"`
	Instructions    string        `json:"instructions,omitempty"`
}

// Session is an isolated, long-lived conversation with a language model.
//
// The working directory, once set, is immutable for the lifetime of the
// session. Forks inherit cwd and llm-config from their parent.
type Session struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Cwd       string `json:"cwd"`
	LLMConfigID string `json:"llm_config_id"`

	// MCPServers lists the MCP server ids this session was opened with,
	// as passed to new_session. The core only records the attachment
	// (§1's "does not model tool semantics beyond the execution
	// envelope"); connecting to them and surfacing their tools is an
	// adapter-layer concern.
	MCPServers []string `json:"mcp_servers,omitempty"`

	Fork *ForkInfo `json:"fork,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a session whose public id is a random (version-4)
// UUID; the id is not time-ordered.
func NewSession(cwd, llmConfigID string) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.NewString(),
		Cwd:         cwd,
		LLMConfigID: llmConfigID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Forked reports whether the session was created as a fork of another.
func (s *Session) Forked() bool {
	return s.Fork != nil
}
