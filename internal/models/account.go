package models

import "time"

// Account is a Memori account registered through sign-up.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	APIKey       string    `json:"api_key"`
	ClusterLimit int       `json:"cluster_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// Quota is the account's cluster allowance and current usage.
type Quota struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
}

// QuotaDecision is the result of a single admission check.
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// IdempotencyRecord remembers the outcome of a mutating request so a
// replay with the same token returns it instead of re-applying.
type IdempotencyRecord struct {
	Token     string         `json:"token"`
	Verb      Verb           `json:"verb"`
	Cluster   string         `json:"cluster"`
	State     LifecycleState `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}
