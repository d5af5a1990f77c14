package model

// Notification tells a connection that the access control decision
// for the client identified by ClientID is final.
type Notification struct {
	// ClientID identifies the client the decision is about.
	ClientID ClientID

	// State is the final decision.
	State AccessControlState
}
