package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// DelegationStatus is the lifecycle state of a delegation. A delegation
// whose status is Complete, Failed, or Cancelled is terminal.
type DelegationStatus string

const (
	DelegationRequested DelegationStatus = "requested"
	DelegationRunning   DelegationStatus = "running"
	DelegationComplete  DelegationStatus = "complete"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// Terminal reports whether this status ends the delegation's lifecycle.
func (s DelegationStatus) Terminal() bool {
	switch s {
	case DelegationComplete, DelegationFailed, DelegationCancelled:
		return true
	default:
		return false
	}
}

// Delegation is a parent-initiated spawn of a child session aimed at a
// focused objective. The child session id is assigned at most once, on
// start.
type Delegation struct {
	ID              string           `json:"id"`
	ParentSessionID string           `json:"parent_session_id"`
	TargetAgentID   string           `json:"target_agent_id"`
	Objective       string           `json:"objective"`
	ObjectiveHash   string           `json:"objective_hash"`
	ChildSessionID  string           `json:"child_session_id,omitempty"`
	Status          DelegationStatus `json:"status"`
	RetryCount      int              `json:"retry_count"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// ObjectiveHash computes the duplicate-detection hash for an
// (objective, target agent) pair, per §4.5's DelegationMiddleware.
func ObjectiveHash(objective, targetAgentID string) string {
	sum := sha256.Sum256([]byte(targetAgentID + "\x00" + objective))
	return hex.EncodeToString(sum[:])
}

// NewDelegation creates a Requested delegation with a fresh public id.
func NewDelegation(parentSessionID, targetAgentID, objective string) *Delegation {
	now := time.Now()
	return &Delegation{
		ID:              uuid.NewString(),
		ParentSessionID: parentSessionID,
		TargetAgentID:   targetAgentID,
		Objective:       objective,
		ObjectiveHash:   ObjectiveHash(objective, targetAgentID),
		Status:          DelegationRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
