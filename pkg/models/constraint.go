package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Operator names the comparison a constraint applies. The legacy wire form
// "not in" is normalized to OpNotIn on input.
type Operator string

const (
	OpEq      Operator = "eq"
	OpIn      Operator = "in"
	OpNotIn   Operator = "not_in"
	OpBefore  Operator = "before"
	OpAfter   Operator = "after"
	OpBetween Operator = "between"
)

func (o *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "not in" {
		s = string(OpNotIn)
	}
	*o = Operator(s)
	return nil
}

// Operand is the right side of a constraint: either a single string or an
// ordered list of strings. The original scalar/list shape is preserved so a
// document round-trips unchanged.
type Operand struct {
	Raw  string
	List []string
}

func (o Operand) MarshalJSON() ([]byte, error) {
	if o.List != nil {
		return json.Marshal(o.List)
	}
	return json.Marshal(o.Raw)
}

func (o *Operand) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Raw = s
		o.List = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	o.List = list
	o.Raw = ""
	return nil
}

// Single returns the scalar form. A list-valued operand has no scalar form.
func (o Operand) Single() (string, bool) {
	if o.List != nil {
		return "", false
	}
	return o.Raw, true
}

// Values returns the operand as a list: the list itself, or the scalar split
// on commas with surrounding whitespace trimmed.
func (o Operand) Values() []string {
	if o.List != nil {
		return o.List
	}
	parts := strings.Split(o.Raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Constraint is a boolean restriction of the form `left_operand OP
// right_operand`, evaluated against a RequestCtx.
//
// Supported combinations:
//
//	purpose   eq, in, not_in
//	role      eq, in, not_in
//	location  eq, in, not_in   (with region-alias expansion)
//	dateTime  before, after, between
//
// Anything else evaluates to false (fail closed).
type Constraint struct {
	LeftOperand  string   `json:"left_operand"`
	Operator     Operator `json:"operator"`
	RightOperand Operand  `json:"right_operand"`
}

// euCountries is the EU-27 (ISO-3166-1 alpha-2). The "EU" region alias in a
// location constraint expands to this set.
var euCountries = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "HR": {}, "CY": {}, "CZ": {}, "DK": {},
	"EE": {}, "FI": {}, "FR": {}, "DE": {}, "GR": {}, "HU": {}, "IE": {},
	"IT": {}, "LV": {}, "LT": {}, "LU": {}, "MT": {}, "NL": {}, "PL": {},
	"PT": {}, "RO": {}, "SK": {}, "SI": {}, "ES": {}, "SE": {},
}

// expandCountries uppercases the values and replaces region aliases with
// their member country codes.
func expandCountries(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		up := strings.ToUpper(strings.TrimSpace(v))
		if up == "EU" {
			for c := range euCountries {
				out[c] = struct{}{}
			}
			continue
		}
		out[up] = struct{}{}
	}
	return out
}

// Satisfied evaluates the constraint against the request context.
func (c Constraint) Satisfied(ctx RequestCtx) bool {
	switch c.LeftOperand {
	case "purpose":
		switch c.Operator {
		case OpEq:
			single, ok := c.RightOperand.Single()
			return ok && ctx.Purpose == single
		case OpIn:
			return contains(c.RightOperand.Values(), ctx.Purpose)
		case OpNotIn:
			return !contains(c.RightOperand.Values(), ctx.Purpose)
		}
	case "role":
		// eq behaves like membership here: role constraints are routinely
		// written as comma-separated role lists.
		switch c.Operator {
		case OpEq, OpIn:
			return contains(c.RightOperand.Values(), ctx.Role)
		case OpNotIn:
			return !contains(c.RightOperand.Values(), ctx.Role)
		}
	case "location":
		loc := strings.ToUpper(ctx.Location)
		allowed := expandCountries(c.RightOperand.Values())
		_, member := allowed[loc]
		switch c.Operator {
		case OpEq, OpIn:
			return member
		case OpNotIn:
			return !member
		}
	case "dateTime":
		return c.satisfiedAt(ctx.Timestamp)
	}
	return false
}

func (c Constraint) satisfiedAt(now time.Time) bool {
	raw, ok := c.RightOperand.Single()
	if !ok {
		return false
	}
	switch c.Operator {
	case OpBefore:
		bound, err := ParseISO(raw)
		return err == nil && now.Before(bound)
	case OpAfter:
		bound, err := ParseISO(raw)
		return err == nil && now.After(bound)
	case OpBetween:
		parts := strings.SplitN(raw, "/", 2)
		if len(parts) != 2 {
			return false
		}
		start, err := ParseISO(parts[0])
		if err != nil {
			return false
		}
		end, err := ParseISO(parts[1])
		if err != nil {
			return false
		}
		// A date-only single-day range covers the whole day.
		if isMidnight(start) && isMidnight(end) && sameDate(start, end) {
			end = end.Add(24 * time.Hour)
		}
		return !now.Before(start) && !now.After(end)
	}
	return false
}

// ParseISO parses a date-only or full ISO-8601 timestamp and normalizes it
// to UTC. Timestamps without a timezone are assumed UTC.
func ParseISO(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := time.Parse(time.RFC3339, value)
	return t.UTC(), err
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
