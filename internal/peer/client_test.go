package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/micro-hub/hub-bridge/internal/rule"
)

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(Options{
		BaseURL: server.URL,
		Token:   "static-token",
		Secret:  "shared-secret",
		Timeout: 2 * time.Second,
	})
	return client, server
}

func TestCommandCarriesAuthAndParams(t *testing.T) {
	var got url.Values
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"state":"ON"}`))
	}))

	state, err := client.Command(context.Background(), "D4", ActOn, nil)
	if err != nil {
		t.Fatalf("Command returned error: %v", err)
	}
	if state != "ON" {
		t.Fatalf("state = %q, want ON", state)
	}
	if got.Get("token") != "static-token" {
		t.Fatalf("token param = %q", got.Get("token"))
	}
	if len(got.Get("code")) != 6 {
		t.Fatalf("code param = %q, want 6 digits", got.Get("code"))
	}
	if got.Get("port") != "D4" || got.Get("act") != "on" {
		t.Fatalf("unexpected op params: %v", got)
	}
}

func TestCommandExtrasCannotShadowAuthKeys(t *testing.T) {
	var got url.Values
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"state":"#FF8800"}`))
	}))

	extra := url.Values{
		"color": {"FF8800"},
		"token": {"forged"},
		"code":  {"000000"},
	}
	if _, err := client.Command(context.Background(), "D2", ActSetColor, extra); err != nil {
		t.Fatalf("Command returned error: %v", err)
	}
	if got.Get("token") != "static-token" {
		t.Fatalf("token was shadowed: %q", got.Get("token"))
	}
	if got.Get("code") == "000000" {
		t.Fatalf("rolling code was shadowed")
	}
	if got.Get("color") != "FF8800" {
		t.Fatalf("extra param lost: %v", got)
	}
}

func TestCommandMalformedPayloadIsInvalidResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))

	_, err := client.Command(context.Background(), "D4", ActOff, nil)
	if !IsInvalidResponse(err) {
		t.Fatalf("expected invalid response, got %v", err)
	}
	if IsUnreachable(err) {
		t.Fatalf("malformed payload must not classify as unreachable")
	}
}

func TestUnreachablePeerClassification(t *testing.T) {
	client := NewClient(Options{
		BaseURL: "http://127.0.0.1:1",
		Token:   "t",
		Secret:  "s",
		Timeout: 500 * time.Millisecond,
	})

	_, err := client.Command(context.Background(), "D4", ActOn, nil)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestAuthRejectClassification(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Command(context.Background(), "D4", ActOn, nil)
	if !IsAuthMismatch(err) {
		t.Fatalf("expected auth mismatch, got %v", err)
	}
	if IsUnreachable(err) {
		t.Fatalf("auth reject must not classify as unreachable")
	}
}

func TestServerErrorClassification(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Command(context.Background(), "D4", ActOn, nil)
	if !IsInvalidResponse(err) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestReadSensorsToleratesStringNumbers(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"temperature":"23.5","humidity":61,"simTime":1700000000000,"light":"842"}`))
	}))

	reading, err := client.ReadSensors(context.Background())
	if err != nil {
		t.Fatalf("ReadSensors returned error: %v", err)
	}
	if reading.Temperature != 23.5 {
		t.Fatalf("temperature = %v, want 23.5", reading.Temperature)
	}
	if reading.Humidity != 61 {
		t.Fatalf("humidity = %v, want 61", reading.Humidity)
	}
	if reading.SimTime.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("simTime = %v", reading.SimTime)
	}
	if reading.Extra["light"] != "842" {
		t.Fatalf("extra = %v", reading.Extra)
	}
}

func TestReadSensorsMissingFieldIsInvalidResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"temperature":"21"}`))
	}))

	_, err := client.ReadSensors(context.Background())
	if !IsInvalidResponse(err) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestUploadRulePostsWireForm(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	var gotBody rule.WireRule
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		if err := decodeJSONBody(r, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))

	r := rule.Rule{
		ID:             "uid-1",
		Name:           "Night light",
		Condition:      rule.Condition{Kind: rule.ConditionMotion},
		Action:         rule.Action{Kind: rule.ActionDeviceOutput, Device: "Hall Light", State: rule.OutputOn},
		ActiveDays:     rule.ParseDaySet("Sa,Su"),
		TriggerEnabled: true,
		TriggerTime:    rule.TimeOfDay{Hour: 22, Minute: 0},
	}
	if err := client.UploadRule(context.Background(), r); err != nil {
		t.Fatalf("UploadRule returned error: %v", err)
	}
	if gotPath != "/add_rule" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery.Get("token") == "" || gotQuery.Get("code") == "" {
		t.Fatalf("auth params missing on POST: %v", gotQuery)
	}
	if gotBody.UID != "uid-1" || gotBody.Condition != "Motion Detected" || gotBody.Action != "Hall Light On" {
		t.Fatalf("unexpected wire body: %+v", gotBody)
	}
	if gotBody.ActiveDays != "Sa,Su" {
		t.Fatalf("activeDays = %q", gotBody.ActiveDays)
	}
}

func TestListRulesDecodesAndKeepsPartialRules(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"uid":"a","name":"Fan","condition":"Greater Than 28","action":"Fan On","activeDays":"M,W","triggerEnabled":true,"triggerTime":1700000000},
			{"uid":"b","name":"Odd","condition":"Dew Point 9","action":"note","activeDays":"","triggerEnabled":false,"triggerTime":1700000000}
		]`))
	}))

	rules, err := client.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules returned error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2 (partial rule must not be dropped)", len(rules))
	}
	if rules[0].Condition.Kind != rule.ConditionComparison || rules[0].Condition.Threshold != 28 {
		t.Fatalf("rule a condition = %+v", rules[0].Condition)
	}
	if !rules[1].Partial() {
		t.Fatalf("rule b should be flagged partial")
	}
}

func TestDeleteAndToggleSendUID(t *testing.T) {
	requests := map[string]url.Values{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests[r.URL.Path] = r.URL.Query()
	}))

	if err := client.DeleteRule(context.Background(), "uid-9"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := client.ToggleRule(context.Background(), "uid-9"); err != nil {
		t.Fatalf("ToggleRule: %v", err)
	}
	if requests["/delete_rule"].Get("uid") != "uid-9" {
		t.Fatalf("delete_rule query = %v", requests["/delete_rule"])
	}
	if requests["/toggle_rule"].Get("uid") != "uid-9" {
		t.Fatalf("toggle_rule query = %v", requests["/toggle_rule"])
	}
}

func TestDisplaySecurityAndLED(t *testing.T) {
	requests := map[string]url.Values{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests[r.URL.Path] = r.URL.Query()
	}))

	if err := client.DisplayMessage(context.Background(), "door open", 5*time.Second); err != nil {
		t.Fatalf("DisplayMessage: %v", err)
	}
	if err := client.ConfigureSecurity(context.Background(), SecurityConfig{
		Allowed:        []string{"tag-1", "tag-2"},
		Denied:         []string{"tag-9"},
		GrantedMessage: "welcome",
		DeniedMessage:  "nope",
		BuzzerDuration: 1500 * time.Millisecond,
	}); err != nil {
		t.Fatalf("ConfigureSecurity: %v", err)
	}
	if err := client.SetLEDColor(context.Background(), 2, "#00ff88"); err != nil {
		t.Fatalf("SetLEDColor: %v", err)
	}

	lcd := requests["/lcd"]
	if lcd.Get("msg") != "door open" || lcd.Get("duration") != "5" {
		t.Fatalf("lcd query = %v", lcd)
	}
	security := requests["/security"]
	if len(security["good"]) != 2 || security["bad"][0] != "tag-9" || security.Get("buzzerMs") != "1500" {
		t.Fatalf("security query = %v", security)
	}
	led := requests["/led"]
	if led.Get("strip") != "2" || led.Get("color") != "00ff88" {
		t.Fatalf("led query = %v", led)
	}
}

func TestFetchLogs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["12:00 door opened","12:05 motion"]`))
	}))

	lines, err := client.FetchLogs(context.Background())
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if len(lines) != 2 || lines[1] != "12:05 motion" {
		t.Fatalf("lines = %v", lines)
	}
}
