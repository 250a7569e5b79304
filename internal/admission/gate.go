// Package admission decides whether a lifecycle action fits the account's
// quota before anything is sent to the provider.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/Stars1233/memori/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the quota collaborator could not answer. The
	// action is denied.
	ErrUnavailable = errors.New("quota check unavailable")
	ErrDenied      = errors.New("quota exceeded")
)

// QuotaService is the external quota collaborator.
type QuotaService interface {
	CheckQuota(ctx context.Context, accountID string, action models.LifecycleAction) (models.QuotaDecision, error)
}

// Gate is a fail-closed admission check. It never retries.
type Gate struct {
	quota QuotaService
	log   *zap.SugaredLogger
}

func NewGate(q QuotaService, logger *zap.SugaredLogger) *Gate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gate{quota: q, log: logger}
}

// Check returns the collaborator's decision for action. Verbs that cannot
// consume quota are allowed without asking. A collaborator failure yields
// a denied decision and an error wrapping ErrUnavailable.
func (g *Gate) Check(ctx context.Context, accountID string, action models.LifecycleAction) (models.QuotaDecision, error) {
	if !action.Verb.RequiresAdmission() {
		return models.QuotaDecision{Allowed: true}, nil
	}
	if g.quota == nil {
		return models.QuotaDecision{Reason: "no quota service configured"}, ErrUnavailable
	}
	decision, err := g.quota.CheckQuota(ctx, accountID, action)
	if err != nil {
		g.log.Warnf("quota check for %s %s failed: %v", action.Verb, action.Cluster, err)
		return models.QuotaDecision{Reason: "quota check failed"}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !decision.Allowed {
		g.log.Debugf("quota denied %s %s: %s", action.Verb, action.Cluster, decision.Reason)
	}
	return decision, nil
}
