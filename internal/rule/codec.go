package rule

import (
	"strconv"
	"strings"
	"time"
)

const motionDetected = "Motion Detected"

// WireRule is the JSON shape the hub stores and returns. Condition and action
// are flat strings in the legacy grammar; triggerTime is epoch seconds.
type WireRule struct {
	UID            string `json:"uid"`
	Name           string `json:"name"`
	Condition      string `json:"condition"`
	Action         string `json:"action"`
	ActiveDays     string `json:"activeDays"`
	TriggerEnabled bool   `json:"triggerEnabled"`
	TriggerTime    int64  `json:"triggerTime"`
	InputDeviceID  string `json:"inputDeviceID,omitempty"`
	OutputDeviceID string `json:"outputDeviceID,omitempty"`
}

// Encode produces the wire form of a rule. The date part of the trigger
// timestamp is a fixed reference day; only hour and minute carry meaning.
func Encode(r Rule) WireRule {
	return WireRule{
		UID:            r.ID,
		Name:           r.Name,
		Condition:      EncodeCondition(r.Condition),
		Action:         EncodeAction(r.Action),
		ActiveDays:     r.ActiveDays.String(),
		TriggerEnabled: r.TriggerEnabled,
		TriggerTime:    encodeTriggerTime(r.TriggerTime),
		InputDeviceID:  r.InputDeviceID,
		OutputDeviceID: r.OutputDeviceID,
	}
}

// Decode rebuilds a rule from its wire form. It never fails: fields outside
// the grammar degrade to unstructured representations instead of aborting
// the whole rule.
func Decode(w WireRule) Rule {
	return Rule{
		ID:             w.UID,
		Name:           w.Name,
		Condition:      ParseCondition(w.Condition),
		Action:         ParseAction(w.Action),
		ActiveDays:     ParseDaySet(w.ActiveDays),
		TriggerEnabled: w.TriggerEnabled,
		TriggerTime:    decodeTriggerTime(w.TriggerTime),
		InputDeviceID:  w.InputDeviceID,
		OutputDeviceID: w.OutputDeviceID,
	}
}

// EncodeCondition renders a condition in the hub grammar.
func EncodeCondition(c Condition) string {
	switch c.Kind {
	case ConditionComparison:
		return string(c.Op) + " " + strconv.Itoa(c.Threshold)
	case ConditionMotion:
		return motionDetected
	case ConditionUnstructured:
		return c.Raw
	default:
		return ""
	}
}

// ParseCondition interprets a condition string. The grammar is a fixed small
// vocabulary: empty, "Motion Detected", or "<ComparisonOp> <int>". Anything
// else is preserved as unstructured.
func ParseCondition(raw string) Condition {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Condition{Kind: ConditionNone}
	}
	if trimmed == motionDetected {
		return Condition{Kind: ConditionMotion}
	}
	if idx := strings.LastIndexByte(trimmed, ' '); idx > 0 {
		op := ComparisonOp(strings.TrimSpace(trimmed[:idx]))
		if op == OpGreaterThan || op == OpLessThan || op == OpEqualTo {
			if threshold, err := strconv.Atoi(trimmed[idx+1:]); err == nil {
				return Condition{Kind: ConditionComparison, Op: op, Threshold: threshold}
			}
		}
	}
	return Condition{Kind: ConditionUnstructured, Raw: raw}
}

// EncodeAction renders an action in the hub grammar.
func EncodeAction(a Action) string {
	switch a.Kind {
	case ActionDeviceOutput:
		return a.Device + " " + string(a.State)
	default:
		return a.Raw
	}
}

// ParseAction interprets an action string: "<OutputDeviceName> <On|Off>"
// when a structured output is attached, free text otherwise.
func ParseAction(raw string) Action {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.LastIndexByte(trimmed, ' '); idx > 0 {
		device := strings.TrimSpace(trimmed[:idx])
		state := OutputState(trimmed[idx+1:])
		if device != "" && (state == OutputOn || state == OutputOff) {
			return Action{Kind: ActionDeviceOutput, Device: device, State: state}
		}
	}
	return Action{Kind: ActionFreeText, Raw: raw}
}

// The hub only reads the hour and minute out of the trigger timestamp.
// Encoding against a fixed UTC day keeps the round trip exact for every
// wall-clock time; a zoned "today" would shift times that fall into a DST
// gap.
var triggerEpochDay = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func encodeTriggerTime(t TimeOfDay) int64 {
	return triggerEpochDay.Add(time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute).Unix()
}

func decodeTriggerTime(epoch int64) TimeOfDay {
	at := time.Unix(epoch, 0).UTC()
	return TimeOfDay{Hour: at.Hour(), Minute: at.Minute()}
}
