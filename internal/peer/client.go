// Package peer implements the command protocol client for the embedded hub:
// request building with rolling-code authentication, single-shot transport
// with outcome classification, and the bounded retry policy for
// idempotent-safe commands.
package peer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/micro-hub/hub-bridge/internal/model"
	"github.com/micro-hub/hub-bridge/internal/rollingcode"
	"github.com/micro-hub/hub-bridge/internal/rule"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseSize = 1 << 20
)

// Act is the device command verb vocabulary of the hub.
type Act string

const (
	ActOn       Act = "on"
	ActOff      Act = "off"
	ActToggle   Act = "toggle"
	ActOpen     Act = "open"
	ActClose    Act = "close"
	ActStatus   Act = "status"
	ActSetColor Act = "setColor"
)

// Idempotent reports whether repeating the act leaves the hub in the same
// end state. Toggle flips on every delivery, so it must never ride the retry
// policy without the caller accepting a possible double flip.
func (a Act) Idempotent() bool {
	return a != ActToggle
}

// Options configures a hub client.
type Options struct {
	BaseURL    string
	Token      string
	Secret     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client executes exactly one network call per operation and classifies the
// outcome. It holds no mutable state and never retries internally; retry is
// a policy decision owned by the caller.
type Client struct {
	httpClient *http.Client
	builder    *RequestBuilder
	codes      *rollingcode.Generator
	logger     *slog.Logger
}

// NewClient creates a hub client from options.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = timeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codes := rollingcode.New(opts.Secret)
	return &Client{
		httpClient: httpClient,
		builder:    NewRequestBuilder(opts.BaseURL, opts.Token, codes),
		codes:      codes,
		logger:     logger,
	}
}

// Codes exposes the rolling code generator for diagnostics.
func (c *Client) Codes() *rollingcode.Generator {
	return c.codes
}

// Command issues one device command. extra carries command-specific keys
// such as the color hex for setColor; auth keys in extra are ignored.
func (c *Client) Command(ctx context.Context, port string, act Act, extra url.Values) (string, error) {
	const op = "command"
	params := url.Values{}
	for key, values := range extra {
		params[key] = values
	}
	params.Set("port", port)
	params.Set("act", string(act))

	body, err := c.get(ctx, op, "command", params)
	if err != nil {
		return "", err
	}
	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &ResponseError{Op: op, Reason: "malformed command payload: " + err.Error()}
	}
	if payload.State == "" {
		return "", &ResponseError{Op: op, Reason: "missing state field"}
	}
	return payload.State, nil
}

// ReadSensors fetches the hub's current sensor map. Numeric fields arrive as
// strings or numbers depending on firmware version; both are accepted.
func (c *Client) ReadSensors(ctx context.Context) (model.SensorReading, error) {
	const op = "sensor read"
	body, err := c.get(ctx, op, "sensor", nil)
	if err != nil {
		return model.SensorReading{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.SensorReading{}, &ResponseError{Op: op, Reason: "malformed sensor payload: " + err.Error()}
	}

	reading := model.SensorReading{ObservedAt: time.Now().UTC()}
	temperature, ok := flexFloat(raw["temperature"])
	if !ok {
		return model.SensorReading{}, &ResponseError{Op: op, Reason: "missing or non-numeric temperature"}
	}
	humidity, ok := flexFloat(raw["humidity"])
	if !ok {
		return model.SensorReading{}, &ResponseError{Op: op, Reason: "missing or non-numeric humidity"}
	}
	reading.Temperature = temperature
	reading.Humidity = humidity
	if millis, ok := flexFloat(raw["simTime"]); ok {
		reading.SimTime = time.UnixMilli(int64(millis)).UTC()
	}
	for key, value := range raw {
		switch key {
		case "temperature", "humidity", "simTime":
			continue
		}
		if reading.Extra == nil {
			reading.Extra = map[string]string{}
		}
		reading.Extra[key] = flexString(value)
	}
	return reading, nil
}

// UploadRule creates or replaces a rule on the hub. Success is signaled by
// status alone.
func (c *Client) UploadRule(ctx context.Context, r rule.Rule) error {
	const op = "rule upload"
	req, err := c.builder.PostJSON(ctx, "add_rule", rule.Encode(r))
	if err != nil {
		return &ResponseError{Op: op, Reason: "build request: " + err.Error()}
	}
	_, err = c.do(op, req)
	return err
}

// ListRules fetches the authoritative rule list from the hub.
func (c *Client) ListRules(ctx context.Context) ([]rule.Rule, error) {
	const op = "rule list"
	body, err := c.get(ctx, op, "get_rules", nil)
	if err != nil {
		return nil, err
	}
	var wire []rule.WireRule
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ResponseError{Op: op, Reason: "malformed rule list: " + err.Error()}
	}
	rules := make([]rule.Rule, 0, len(wire))
	for _, w := range wire {
		decoded := rule.Decode(w)
		if decoded.Partial() {
			c.logger.Warn("rule decoded with unstructured fields", "uid", w.UID, "condition", w.Condition)
		}
		rules = append(rules, decoded)
	}
	return rules, nil
}

// DeleteRule removes a rule by id.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	_, err := c.get(ctx, "rule delete", "delete_rule", url.Values{"uid": {id}})
	return err
}

// ToggleRule flips a rule's enabled flag on the hub. This is a state-flipping
// operation: never wrap it in the retry policy.
func (c *Client) ToggleRule(ctx context.Context, id string) error {
	_, err := c.get(ctx, "rule toggle", "toggle_rule", url.Values{"uid": {id}})
	return err
}

// DisplayMessage shows text on the hub LCD for the given duration.
func (c *Client) DisplayMessage(ctx context.Context, message string, duration time.Duration) error {
	params := url.Values{
		"msg":      {message},
		"duration": {strconv.Itoa(int(duration.Seconds()))},
	}
	_, err := c.get(ctx, "display message", "lcd", params)
	return err
}

// SecurityConfig is the RFID allow/deny configuration pushed to the hub.
type SecurityConfig struct {
	Allowed        []string
	Denied         []string
	GrantedMessage string
	DeniedMessage  string
	BuzzerDuration time.Duration
}

// ConfigureSecurity pushes the RFID access configuration.
func (c *Client) ConfigureSecurity(ctx context.Context, cfg SecurityConfig) error {
	params := url.Values{}
	for _, id := range cfg.Allowed {
		params.Add("good", id)
	}
	for _, id := range cfg.Denied {
		params.Add("bad", id)
	}
	params.Set("granted", cfg.GrantedMessage)
	params.Set("denied", cfg.DeniedMessage)
	params.Set("buzzerMs", strconv.FormatInt(cfg.BuzzerDuration.Milliseconds(), 10))
	_, err := c.get(ctx, "security config", "security", params)
	return err
}

// SetLEDColor sets one LED strip to a hex color.
func (c *Client) SetLEDColor(ctx context.Context, strip int, colorHex string) error {
	params := url.Values{
		"strip": {strconv.Itoa(strip)},
		"color": {strings.TrimPrefix(colorHex, "#")},
	}
	_, err := c.get(ctx, "led", "led", params)
	return err
}

// FetchLogs retrieves the hub's recent event log lines.
func (c *Client) FetchLogs(ctx context.Context) ([]string, error) {
	const op = "logs"
	body, err := c.get(ctx, op, "logs", nil)
	if err != nil {
		return nil, err
	}
	var lines []string
	if err := json.Unmarshal(body, &lines); err != nil {
		return nil, &ResponseError{Op: op, Reason: "malformed log payload: " + err.Error()}
	}
	return lines, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	req, err := c.builder.Get(ctx, path, params)
	if err != nil {
		return nil, &ResponseError{Op: op, Reason: "build request: " + err.Error()}
	}
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &UnreachableError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(op, resp.StatusCode)
	}
	return body, nil
}

func flexFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, true
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func flexString(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
