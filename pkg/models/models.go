// Package models holds the immutable policy document model and the
// constraint predicates the PDP evaluates. Pure data, no I/O.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Mennes303/gdpr-art5-engine/pkg/errs"
)

// Decision is the outcome of one evaluation. DecisionDelete never comes out
// of the evaluator; it marks scheduler-driven deletion entries in the audit
// trail.
type Decision string

const (
	DecisionPermit        Decision = "Permit"
	DecisionDeny          Decision = "Deny"
	DecisionNotApplicable Decision = "NotApplicable"
	DecisionDelete        Decision = "Delete"
)

type Action struct {
	Name string `json:"name"`
}

type Asset struct {
	UID string `json:"uid"`
}

// Duty is a storage-limitation obligation attached to a permission.
// After is a retention period in days.
type Duty struct {
	Action     Action      `json:"action"`
	After      *int        `json:"after,omitempty"`
	Constraint *Constraint `json:"constraint,omitempty"`
}

// Permission allows one action on one target, provided all constraints hold.
type Permission struct {
	Action      Action       `json:"action"`
	Target      Asset        `json:"target"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Duty        *Duty        `json:"duty,omitempty"`
}

// permissionWire also accepts the legacy single-constraint key still present
// in older policy fixtures.
type permissionWire struct {
	Action      Action       `json:"action"`
	Target      Asset        `json:"target"`
	Constraints []Constraint `json:"constraints"`
	Constraint  *Constraint  `json:"constraint"`
	Duty        *Duty        `json:"duty"`
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var w permissionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Action = w.Action
	p.Target = w.Target
	p.Constraints = w.Constraints
	if w.Constraint != nil {
		p.Constraints = append(p.Constraints, *w.Constraint)
	}
	p.Duty = w.Duty
	return nil
}

// Policy is one stored policy document. Identity is the store-assigned
// integer id; UID is a human-readable label.
type Policy struct {
	UID         string       `json:"uid"`
	Permissions []Permission `json:"permission"`
}

// RequestCtx is the request context the PDP evaluates against. The timestamp
// is fixed at construction and used for all temporal constraints. The same
// shape carries scheduler-synthesized deletion events into the audit log.
type RequestCtx struct {
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Purpose   string    `json:"purpose,omitempty"`
	Role      string    `json:"role,omitempty"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRequestCtx stamps the context with the request arrival time in UTC.
func NewRequestCtx(action, target, purpose, role, location string) RequestCtx {
	return RequestCtx{
		Action:    action,
		Target:    target,
		Purpose:   purpose,
		Role:      role,
		Location:  location,
		Timestamp: time.Now().UTC(),
	}
}

// ParsePolicy decodes and validates a raw policy document.
func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Validationf("policy document: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	if strings.TrimSpace(p.UID) == "" {
		return errs.Validationf("policy uid is required")
	}
	for i, perm := range p.Permissions {
		if strings.TrimSpace(perm.Action.Name) == "" {
			return errs.Validationf("permission %d: action name is required", i)
		}
		if strings.TrimSpace(perm.Target.UID) == "" {
			return errs.Validationf("permission %d: target uid is required", i)
		}
		for j, c := range perm.Constraints {
			if strings.TrimSpace(c.LeftOperand) == "" {
				return errs.Validationf("permission %d constraint %d: left operand is required", i, j)
			}
			if strings.TrimSpace(string(c.Operator)) == "" {
				return errs.Validationf("permission %d constraint %d: operator is required", i, j)
			}
		}
	}
	return nil
}

// Matches reports whether the permission applies to the request: action name
// equality is case-insensitive, target uid is exact, and every constraint
// must hold (empty list is vacuously satisfied).
func (p Permission) Matches(ctx RequestCtx) bool {
	if !strings.EqualFold(p.Action.Name, ctx.Action) || p.Target.UID != ctx.Target {
		return false
	}
	for _, c := range p.Constraints {
		if !c.Satisfied(ctx) {
			return false
		}
	}
	return true
}
