package models

import (
	"fmt"
	"time"
)

// LifecycleState is the provider-observed phase of a cluster.
type LifecycleState string

const (
	StateUnprovisioned LifecycleState = "Unprovisioned"
	StateProvisioning  LifecycleState = "Provisioning"
	StateRunning       LifecycleState = "Running"
	StateStopping      LifecycleState = "Stopping"
	StateStopped       LifecycleState = "Stopped"
	StateStarting      LifecycleState = "Starting"
	StateDegraded      LifecycleState = "Degraded"
	StateFailed        LifecycleState = "Failed"
)

var lifecycleStates = map[LifecycleState]struct{}{
	StateUnprovisioned: {},
	StateProvisioning:  {},
	StateRunning:       {},
	StateStopping:      {},
	StateStopped:       {},
	StateStarting:      {},
	StateDegraded:      {},
	StateFailed:        {},
}

// ParseLifecycleState validates a state name received over the wire.
func ParseLifecycleState(s string) (LifecycleState, error) {
	st := LifecycleState(s)
	if _, ok := lifecycleStates[st]; !ok {
		return "", fmt.Errorf("unknown lifecycle state %q", s)
	}
	return st, nil
}

// InFlight reports whether a mutating action is still being applied.
func (s LifecycleState) InFlight() bool {
	switch s {
	case StateProvisioning, StateStarting, StateStopping:
		return true
	}
	return false
}

// Failure reports whether the provider considers the cluster broken.
func (s LifecycleState) Failure() bool {
	return s == StateFailed
}

func (s LifecycleState) String() string { return string(s) }

// Verb is a lifecycle action a user can request.
type Verb string

const (
	VerbCreate   Verb = "create"
	VerbStart    Verb = "start"
	VerbStop     Verb = "stop"
	VerbDestroy  Verb = "destroy"
	VerbDescribe Verb = "describe"
)

// ParseVerb validates a verb given on the command line.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(s); v {
	case VerbCreate, VerbStart, VerbStop, VerbDestroy, VerbDescribe:
		return v, nil
	}
	return "", fmt.Errorf("unknown lifecycle verb %q", s)
}

// Mutating reports whether the verb changes remote state.
func (v Verb) Mutating() bool {
	return v != VerbDescribe
}

// IdempotentSafe reports whether replaying the verb can never duplicate a
// remote side effect.
func (v Verb) IdempotentSafe() bool {
	switch v {
	case VerbDescribe, VerbStop, VerbDestroy:
		return true
	}
	return false
}

// RequiresAdmission reports whether the verb may consume account quota.
func (v Verb) RequiresAdmission() bool {
	return v == VerbCreate || v == VerbStart
}

// LifecycleAction is a single user request against a named cluster.
type LifecycleAction struct {
	Cluster   string `json:"cluster"`
	Verb      Verb   `json:"verb"`
	Token     string `json:"token,omitempty"`
	Region    string `json:"region,omitempty"`
	Nodes     int    `json:"nodes,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// Cluster is a CockroachDB cluster as known to either the control plane
// or the CLI's cached snapshot.
type Cluster struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	AccountID  string         `json:"account_id,omitempty"`
	Region     string         `json:"region,omitempty"`
	Nodes      int            `json:"nodes,omitempty"`
	State      LifecycleState `json:"state"`
	Version    int64          `json:"version,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
	ObservedAt time.Time      `json:"observed_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}
