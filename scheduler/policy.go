package scheduler

import (
	"fmt"
	"time"

	"github.com/keyfall/keyfall/config"
	"github.com/keyfall/keyfall/interfaces"
)

type offsetStyle int

const (
	styleAbsolute offsetStyle = iota
	stylePercent
)

// ReminderOffset is one configured reminder: a kind plus the rule for when
// it fires relative to the check-in deadline.
type ReminderOffset struct {
	Kind interfaces.ReminderKind

	style          offsetStyle
	before         time.Duration
	percentElapsed int
}

// AbsoluteOffset fires the reminder a fixed duration before the deadline.
func AbsoluteOffset(kind interfaces.ReminderKind, before time.Duration) ReminderOffset {
	return ReminderOffset{Kind: kind, style: styleAbsolute, before: before}
}

// PercentOffset fires the reminder once the given percentage of the current
// check-in period has elapsed. A 50 percent offset on a 100-day period fires
// 50 days before the deadline; a 25 percent offset fires 75 days before it.
func PercentOffset(kind interfaces.ReminderKind, percentElapsed int) ReminderOffset {
	return ReminderOffset{Kind: kind, style: stylePercent, percentElapsed: percentElapsed}
}

// FireAt computes the instant this reminder becomes due. The period length
// of the secret under evaluation is an explicit argument: percentage offsets
// are always computed against it, never against a default.
func (o ReminderOffset) FireAt(nextCheckIn time.Time, period time.Duration) time.Time {
	switch o.style {
	case stylePercent:
		remaining := period.Milliseconds() * int64(100-o.percentElapsed) / 100
		return nextCheckIn.Add(-time.Duration(remaining) * time.Millisecond)
	default:
		return nextCheckIn.Add(-o.before)
	}
}

// Policy is the ordered set of reminder offsets evaluated for every secret.
type Policy struct {
	offsets []ReminderOffset
}

// NewPolicy validates and assembles a reminder policy. Kinds must be unique
// and must not use the reserved disclosure kind.
func NewPolicy(offsets ...ReminderOffset) (Policy, error) {
	seen := make(map[interfaces.ReminderKind]bool, len(offsets))
	for _, o := range offsets {
		if o.Kind == "" {
			return Policy{}, fmt.Errorf("scheduler: reminder offset without a kind")
		}
		if o.Kind == interfaces.KindDisclosure {
			return Policy{}, fmt.Errorf("scheduler: reminder kind %q is reserved", interfaces.KindDisclosure)
		}
		if seen[o.Kind] {
			return Policy{}, fmt.Errorf("scheduler: duplicate reminder kind %q", o.Kind)
		}
		seen[o.Kind] = true
		if o.style == stylePercent && (o.percentElapsed < 1 || o.percentElapsed > 99) {
			return Policy{}, fmt.Errorf("scheduler: reminder %q percent must be in 1..99", o.Kind)
		}
		if o.style == styleAbsolute && o.before <= 0 {
			return Policy{}, fmt.Errorf("scheduler: reminder %q needs a positive offset", o.Kind)
		}
	}
	return Policy{offsets: offsets}, nil
}

// PolicyFromRules converts configuration rules into a Policy.
func PolicyFromRules(rules []config.ReminderRule) (Policy, error) {
	offsets := make([]ReminderOffset, 0, len(rules))
	for _, rule := range rules {
		kind := interfaces.ReminderKind(rule.Kind)
		switch rule.Style {
		case "absolute":
			offsets = append(offsets, AbsoluteOffset(kind, rule.Before))
		case "percent":
			offsets = append(offsets, PercentOffset(kind, rule.PercentElapsed))
		default:
			return Policy{}, fmt.Errorf("scheduler: reminder %q has unknown style %q", rule.Kind, rule.Style)
		}
	}
	return NewPolicy(offsets...)
}

// Offsets returns the configured offsets in evaluation order.
func (p Policy) Offsets() []ReminderOffset {
	return p.offsets
}
