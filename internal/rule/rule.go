// Package rule holds the automation rule model synchronized with the hub and
// the codec for its legacy string wire grammar. Conditions and actions are
// tagged unions internally; the flat strings the hub stores are produced and
// parsed only in codec.go.
package rule

import "strings"

// ConditionKind tags the condition union.
type ConditionKind string

const (
	// ConditionNone means the rule triggers on schedule alone.
	ConditionNone ConditionKind = "none"
	// ConditionComparison is a numeric sensor threshold check.
	ConditionComparison ConditionKind = "comparison"
	// ConditionMotion is the discrete motion event condition.
	ConditionMotion ConditionKind = "motion"
	// ConditionUnstructured preserves a string the grammar does not cover.
	// The rule stays usable; only edit-prefill degrades to display-only.
	ConditionUnstructured ConditionKind = "unstructured"
)

// ComparisonOp is the fixed comparison vocabulary of the hub grammar.
type ComparisonOp string

const (
	OpGreaterThan ComparisonOp = "Greater Than"
	OpLessThan    ComparisonOp = "Less Than"
	OpEqualTo     ComparisonOp = "Equal To"
)

// Condition is the trigger predicate of a rule.
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Op        ComparisonOp  `json:"op,omitempty"`
	Threshold int           `json:"threshold,omitempty"`
	// Raw carries the original string for unstructured conditions.
	Raw string `json:"raw,omitempty"`
}

// ActionKind tags the action union.
type ActionKind string

const (
	// ActionDeviceOutput switches a named output device on or off.
	ActionDeviceOutput ActionKind = "device-output"
	// ActionFreeText is a display-only label with no structured output.
	ActionFreeText ActionKind = "free-text"
)

// OutputState is the target state of a device-output action.
type OutputState string

const (
	OutputOn  OutputState = "On"
	OutputOff OutputState = "Off"
)

// Action is the effect of a rule.
type Action struct {
	Kind   ActionKind  `json:"kind"`
	Device string      `json:"device,omitempty"`
	State  OutputState `json:"state,omitempty"`
	Raw    string      `json:"raw,omitempty"`
}

// TimeOfDay is the schedule component of a rule. Only hour and minute are
// meaningful; the wire format smuggles them through an epoch timestamp whose
// date part must never be relied upon.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Rule is one automation entry. ID is assigned at creation and immutable;
// synchronization identity is ID, never Name.
type Rule struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Condition      Condition `json:"condition"`
	Action         Action    `json:"action"`
	ActiveDays     DaySet    `json:"active_days"`
	TriggerEnabled bool      `json:"trigger_enabled"`
	TriggerTime    TimeOfDay `json:"trigger_time"`
	InputDeviceID  string    `json:"input_device_id,omitempty"`
	OutputDeviceID string    `json:"output_device_id,omitempty"`
}

// Partial reports whether any field failed structured decoding and was kept
// in display-only form.
func (r Rule) Partial() bool {
	return r.Condition.Kind == ConditionUnstructured
}

// Equal compares every field that round-trips through the wire form.
func (r Rule) Equal(other Rule) bool {
	return r.ID == other.ID &&
		r.Name == other.Name &&
		r.Condition == other.Condition &&
		r.Action == other.Action &&
		r.ActiveDays.String() == other.ActiveDays.String() &&
		r.TriggerEnabled == other.TriggerEnabled &&
		r.TriggerTime == other.TriggerTime &&
		r.InputDeviceID == other.InputDeviceID &&
		r.OutputDeviceID == other.OutputDeviceID
}

// DaySet is the set of weekdays a rule is active on.
type DaySet uint8

// Canonical weekday symbols in canonical order.
var daySymbols = []string{"M", "Tu", "W", "Th", "F", "Sa", "Su"}

// ParseDaySet builds a DaySet from a comma-separated symbol string.
// Duplicates collapse, unknown symbols are ignored, order is irrelevant.
func ParseDaySet(raw string) DaySet {
	var set DaySet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		for i, symbol := range daySymbols {
			if part == symbol {
				set |= 1 << uint(i)
				break
			}
		}
	}
	return set
}

// Contains reports membership of a single day symbol.
func (s DaySet) Contains(symbol string) bool {
	for i, known := range daySymbols {
		if symbol == known {
			return s&(1<<uint(i)) != 0
		}
	}
	return false
}

// Add returns the set with the given symbol included.
func (s DaySet) Add(symbol string) DaySet {
	for i, known := range daySymbols {
		if symbol == known {
			return s | 1<<uint(i)
		}
	}
	return s
}

// String renders the set in canonical weekday order, so saving a rule always
// reproduces the same activeDays string.
func (s DaySet) String() string {
	parts := make([]string, 0, len(daySymbols))
	for i, symbol := range daySymbols {
		if s&(1<<uint(i)) != 0 {
			parts = append(parts, symbol)
		}
	}
	return strings.Join(parts, ",")
}

// MarshalText implements encoding.TextMarshaler.
func (s DaySet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *DaySet) UnmarshalText(text []byte) error {
	*s = ParseDaySet(string(text))
	return nil
}
