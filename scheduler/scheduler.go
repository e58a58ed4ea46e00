package scheduler

import (
	"time"

	"github.com/keyfall/keyfall/interfaces"
)

// State classifies a secret at one instant. It is derived on every
// evaluation, never persisted.
type State int

const (
	// StateOnTime: the owner is within their check-in window and no
	// reminder offset has opened yet.
	StateOnTime State = iota

	// StateReminderDue: one or more reminder windows are open but the
	// deadline has not passed.
	StateReminderDue

	// StateDisclosureDue: the deadline has passed; the server share must
	// be disclosed to the recipients.
	StateDisclosureDue

	// StateSkipped: the secret is paused or triggered and is not
	// evaluated.
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateOnTime:
		return "on_time"
	case StateReminderDue:
		return "reminder_due"
	case StateDisclosureDue:
		return "disclosure_due"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Evaluation is the result of classifying one secret at one instant.
type Evaluation struct {
	State State

	// DueKinds lists, in policy order, every reminder kind whose window
	// has opened. Only meaningful for StateReminderDue; whether a kind
	// was already dispatched this period is the ledger's concern.
	DueKinds []interfaces.ReminderKind

	// Deadline is the secret's current check-in deadline.
	Deadline time.Time
}

// PeriodDuration converts a check-in period in days to a fixed duration.
// The arithmetic is calendar-agnostic on purpose: a day is exactly 24 hours
// of milliseconds, so deadlines never drift across daylight-saving
// transitions.
func PeriodDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// Evaluate classifies a secret against the policy at the given instant.
// Paused and triggered secrets are skipped entirely.
func (p Policy) Evaluate(secret *interfaces.Secret, now time.Time) Evaluation {
	if secret.Status != interfaces.StatusActive {
		return Evaluation{State: StateSkipped, Deadline: secret.NextCheckIn}
	}

	if !now.Before(secret.NextCheckIn) {
		return Evaluation{State: StateDisclosureDue, Deadline: secret.NextCheckIn}
	}

	period := PeriodDuration(secret.CheckInPeriodDays)
	var due []interfaces.ReminderKind
	for _, offset := range p.offsets {
		if !now.Before(offset.FireAt(secret.NextCheckIn, period)) {
			due = append(due, offset.Kind)
		}
	}
	if len(due) > 0 {
		return Evaluation{State: StateReminderDue, DueKinds: due, Deadline: secret.NextCheckIn}
	}
	return Evaluation{State: StateOnTime, Deadline: secret.NextCheckIn}
}

// ApplyCheckIn resets the secret's deadline clock: lastCheckIn becomes now
// and nextCheckIn moves one full period ahead. Reminder claims for the
// closed period are invalidated structurally - the ledger's claim key
// includes the period start, so the new period starts with a clean slate.
func ApplyCheckIn(secret *interfaces.Secret, now time.Time) {
	secret.LastCheckIn = now
	secret.NextCheckIn = now.Add(PeriodDuration(secret.CheckInPeriodDays))
}
