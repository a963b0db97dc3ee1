// Package schedule holds the persisted daily rules that drive the plug.
package schedule

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Action is what a rule does to the plug when it fires.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// ParseAction normalizes user input into an Action.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionOn:
		return ActionOn, nil
	case ActionOff:
		return ActionOff, nil
	default:
		return "", &ValidationError{Field: "action", Msg: fmt.Sprintf("must be %q or %q, got %q", ActionOn, ActionOff, s)}
	}
}

// Rule is one daily recurring device action at hour:minute local time.
type Rule struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`
}

// NewRule validates the inputs and assigns a fresh opaque ID.
func NewRule(action Action, hour, minute int) (Rule, error) {
	r := Rule{ID: uuid.NewString(), Action: action, Hour: hour, Minute: minute}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Validate rejects out-of-range fields before they ever reach the trigger
// engine or the store.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: "id", Msg: "must not be empty"}
	}
	if r.Action != ActionOn && r.Action != ActionOff {
		return &ValidationError{Field: "action", Msg: fmt.Sprintf("must be %q or %q, got %q", ActionOn, ActionOff, string(r.Action))}
	}
	if r.Hour < 0 || r.Hour > 23 {
		return &ValidationError{Field: "hour", Msg: fmt.Sprintf("must be 0-23, got %d", r.Hour)}
	}
	if r.Minute < 0 || r.Minute > 59 {
		return &ValidationError{Field: "minute", Msg: fmt.Sprintf("must be 0-59, got %d", r.Minute)}
	}
	return nil
}

// ValidationError reports bad rule input. The HTTP layer maps it to 400.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
