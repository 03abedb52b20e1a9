package model

// AgentDescriptor is one entry in the set of agents a session can
// delegate to, surfaced to the model by DelegationMiddleware.
type AgentDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
