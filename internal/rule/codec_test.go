package rule

import (
	"testing"
)

func TestParseConditionComparison(t *testing.T) {
	cond := ParseCondition("Greater Than 75")
	if cond.Kind != ConditionComparison {
		t.Fatalf("kind = %s, want comparison", cond.Kind)
	}
	if cond.Op != OpGreaterThan {
		t.Fatalf("op = %q, want %q", cond.Op, OpGreaterThan)
	}
	if cond.Threshold != 75 {
		t.Fatalf("threshold = %d, want 75", cond.Threshold)
	}
}

func TestParseConditionMotion(t *testing.T) {
	cond := ParseCondition("Motion Detected")
	if cond.Kind != ConditionMotion {
		t.Fatalf("kind = %s, want motion", cond.Kind)
	}
}

func TestParseConditionEmpty(t *testing.T) {
	cond := ParseCondition("")
	if cond.Kind != ConditionNone {
		t.Fatalf("kind = %s, want none", cond.Kind)
	}
}

func TestParseConditionOutsideGrammarDegrades(t *testing.T) {
	for _, raw := range []string{"Roughly Above 30", "Greater Than x", "Humidity Rising"} {
		cond := ParseCondition(raw)
		if cond.Kind != ConditionUnstructured {
			t.Fatalf("ParseCondition(%q).Kind = %s, want unstructured", raw, cond.Kind)
		}
		if cond.Raw != raw {
			t.Fatalf("ParseCondition(%q).Raw = %q, original string lost", raw, cond.Raw)
		}
	}
}

func TestConditionRoundTrip(t *testing.T) {
	conditions := []Condition{
		{Kind: ConditionNone},
		{Kind: ConditionMotion},
		{Kind: ConditionComparison, Op: OpLessThan, Threshold: 18},
		{Kind: ConditionComparison, Op: OpEqualTo, Threshold: 0},
	}
	for _, cond := range conditions {
		if got := ParseCondition(EncodeCondition(cond)); got != cond {
			t.Fatalf("round trip changed condition: %+v -> %+v", cond, got)
		}
	}
}

func TestParseActionDeviceOutput(t *testing.T) {
	action := ParseAction("Living Room Lamp On")
	if action.Kind != ActionDeviceOutput {
		t.Fatalf("kind = %s, want device-output", action.Kind)
	}
	if action.Device != "Living Room Lamp" {
		t.Fatalf("device = %q, want %q", action.Device, "Living Room Lamp")
	}
	if action.State != OutputOn {
		t.Fatalf("state = %q, want On", action.State)
	}
}

func TestParseActionFreeText(t *testing.T) {
	action := ParseAction("notify me")
	if action.Kind != ActionFreeText {
		t.Fatalf("kind = %s, want free-text", action.Kind)
	}
	if action.Raw != "notify me" {
		t.Fatalf("raw = %q, original string lost", action.Raw)
	}
}

func TestDaySetMembership(t *testing.T) {
	set := ParseDaySet("M,Tu,W,Th,F")
	if !set.Contains("M") {
		t.Fatalf("expected M in %q", set)
	}
	if set.Contains("Sa") {
		t.Fatalf("did not expect Sa in %q", set)
	}
}

func TestDaySetCanonicalOrderAndDedupe(t *testing.T) {
	set := ParseDaySet("Su, F,M,F, M")
	if got, want := set.String(), "M,F,Su"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestDaySetIgnoresUnknownSymbols(t *testing.T) {
	set := ParseDaySet("M,Mon,X,Tu")
	if got, want := set.String(), "M,Tu"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestRuleWireRoundTrip(t *testing.T) {
	original := Rule{
		ID:             "b6f0c2f1",
		Name:           "Evening fan",
		Condition:      Condition{Kind: ConditionComparison, Op: OpGreaterThan, Threshold: 28},
		Action:         Action{Kind: ActionDeviceOutput, Device: "Bedroom Fan", State: OutputOn},
		ActiveDays:     ParseDaySet("M,W,F"),
		TriggerEnabled: true,
		TriggerTime:    TimeOfDay{Hour: 19, Minute: 30},
		InputDeviceID:  "dev-4",
		OutputDeviceID: "dev-7",
	}

	decoded := Decode(Encode(original))
	if !decoded.Equal(original) {
		t.Fatalf("round trip changed rule:\n got %+v\nwant %+v", decoded, original)
	}
}

func TestDisabledRuleKeepsTriggerTime(t *testing.T) {
	original := Rule{
		ID:             "a1",
		Name:           "Paused",
		Condition:      Condition{Kind: ConditionNone},
		Action:         Action{Kind: ActionFreeText, Raw: "reminder"},
		TriggerEnabled: false,
		TriggerTime:    TimeOfDay{Hour: 6, Minute: 45},
	}

	decoded := Decode(Encode(original))
	if decoded.TriggerEnabled {
		t.Fatalf("trigger unexpectedly enabled")
	}
	if decoded.TriggerTime != original.TriggerTime {
		t.Fatalf("trigger time = %+v, want %+v", decoded.TriggerTime, original.TriggerTime)
	}
}

func TestTriggerTimeRoundTripsForEveryHour(t *testing.T) {
	// The encoded epoch uses a fixed UTC reference day, so every wall-clock
	// time round-trips, including hours a zoned calendar could skip on DST
	// transition days.
	for hour := 0; hour < 24; hour++ {
		for _, minute := range []int{0, 1, 30, 59} {
			in := TimeOfDay{Hour: hour, Minute: minute}
			if got := decodeTriggerTime(encodeTriggerTime(in)); got != in {
				t.Fatalf("round trip changed %+v to %+v", in, got)
			}
		}
	}
}

func TestDecodePreservesUnparseableConditionAsPartial(t *testing.T) {
	wire := WireRule{
		UID:       "r9",
		Name:      "Imported",
		Condition: "Dew Point Above 12",
		Action:    "Hall Light On",
	}
	decoded := Decode(wire)
	if !decoded.Partial() {
		t.Fatalf("expected partial rule")
	}
	if EncodeCondition(decoded.Condition) != wire.Condition {
		t.Fatalf("unstructured condition does not re-encode to original: %q", EncodeCondition(decoded.Condition))
	}
}
