package model

// Identity is the authenticated caller behind a façade call: the
// subject of a validated JWT or API key, or an OAuth-provider profile
// resolved through a UserStore.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
