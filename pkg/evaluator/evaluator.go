// Package evaluator is the PDP core: it matches a request context against a
// policy's permissions and produces a Permit or Deny, recording duties and
// audit entries as side effects.
package evaluator

import (
	"context"
	"strings"
	"time"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/duty"
	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
)

// DutyRecorder schedules a deletion obligation for a permitted asset.
type DutyRecorder interface {
	Add(ctx context.Context, assetUID string, afterDays int) (duty.Record, error)
}

// AuditWriter appends one decision record to the audit trail.
type AuditWriter interface {
	Append(ctx context.Context, policyUID string, decision models.Decision, rc models.RequestCtx) (audit.Entry, error)
}

// Options carries deployment-specific deny lists. These are compatibility
// shims for request shapes a deployment wants rejected regardless of policy;
// both lists are empty by default.
type Options struct {
	DenyPurposes []string
	DenyRoles    []string
}

type Evaluator struct {
	duties DutyRecorder
	log    AuditWriter
	opts   Options
}

func New(duties DutyRecorder, log AuditWriter, opts Options) *Evaluator {
	return &Evaluator{duties: duties, log: log, opts: opts}
}

// Evaluate walks the policy's permissions in document order; the first one
// matching the request wins. Exactly one audit record is written per call,
// on the path that produces the returned decision. A persistence failure in
// either side effect aborts the evaluation: no decision is returned whose
// claimed effect did not actually happen.
func (e *Evaluator) Evaluate(ctx context.Context, pol *models.Policy, rc models.RequestCtx) (models.Decision, error) {
	start := time.Now()
	decision, err := e.evaluate(ctx, pol, rc)
	metrics.EvaluateLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.Decisions.WithLabelValues(string(decision)).Inc()
	}
	return decision, err
}

func (e *Evaluator) evaluate(ctx context.Context, pol *models.Policy, rc models.RequestCtx) (models.Decision, error) {
	if e.denied(rc) {
		return e.deny(ctx, pol, rc)
	}
	for _, perm := range pol.Permissions {
		if !perm.Matches(rc) {
			continue
		}
		if d := perm.Duty; d != nil && strings.EqualFold(d.Action.Name, "delete") && d.After != nil && *d.After > 0 {
			if _, err := e.duties.Add(ctx, perm.Target.UID, *d.After); err != nil {
				return "", err
			}
		}
		if _, err := e.log.Append(ctx, pol.UID, models.DecisionPermit, rc); err != nil {
			return "", err
		}
		return models.DecisionPermit, nil
	}
	return e.deny(ctx, pol, rc)
}

func (e *Evaluator) deny(ctx context.Context, pol *models.Policy, rc models.RequestCtx) (models.Decision, error) {
	if _, err := e.log.Append(ctx, pol.UID, models.DecisionDeny, rc); err != nil {
		return "", err
	}
	return models.DecisionDeny, nil
}

func (e *Evaluator) denied(rc models.RequestCtx) bool {
	for _, p := range e.opts.DenyPurposes {
		if strings.EqualFold(strings.TrimSpace(p), rc.Purpose) && rc.Purpose != "" {
			return true
		}
	}
	for _, r := range e.opts.DenyRoles {
		if strings.EqualFold(strings.TrimSpace(r), rc.Role) && rc.Role != "" {
			return true
		}
	}
	return false
}
