package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/micro-hub/hub-bridge/internal/model"
	"github.com/micro-hub/hub-bridge/internal/peer"
	"github.com/micro-hub/hub-bridge/internal/storage"
)

type fakeHub struct {
	mu           sync.Mutex
	commandCalls int
	commandErrs  []error
	state        string
	logs         []string
	logsErr      error
	gate         chan struct{}
}

func (f *fakeHub) Command(ctx context.Context, port string, act peer.Act, extra url.Values) (string, error) {
	f.mu.Lock()
	call := f.commandCalls
	f.commandCalls++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if call < len(f.commandErrs) && f.commandErrs[call] != nil {
		return "", f.commandErrs[call]
	}
	if f.state == "" {
		return "OK", nil
	}
	return f.state, nil
}

func (f *fakeHub) DisplayMessage(ctx context.Context, message string, duration time.Duration) error {
	return nil
}

func (f *fakeHub) ConfigureSecurity(ctx context.Context, cfg peer.SecurityConfig) error {
	return nil
}

func (f *fakeHub) SetLEDColor(ctx context.Context, strip int, colorHex string) error {
	return nil
}

func (f *fakeHub) FetchLogs(ctx context.Context) ([]string, error) {
	return f.logs, f.logsErr
}

type recordingNotifier struct {
	mu       sync.Mutex
	changed  []model.Device
	removed  []string
	mirrored [][]string
}

func (n *recordingNotifier) DeviceChanged(device model.Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, device)
}

func (n *recordingNotifier) DeviceRemoved(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, id)
}

func (n *recordingNotifier) EventsMirrored(lines []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mirrored = append(n.mirrored, lines)
}

func newTestService(t *testing.T, hub *fakeHub) (*Service, *recordingNotifier) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := storage.New(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	notifier := &recordingNotifier{}
	retry := peer.NewRetryPolicy(3, time.Millisecond)
	return New(hub, repo, retry, notifier, logger), notifier
}

func registerLight(t *testing.T, s *Service) model.Device {
	t.Helper()
	device, err := s.RegisterDevice(context.Background(), RegisterInput{
		Name: "Hall Light",
		Type: model.TypeLight,
		Port: "D4",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return device
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	s, _ := newTestService(t, &fakeHub{})
	_, err := s.RegisterDevice(context.Background(), RegisterInput{Name: "x", Type: "thermostat", Port: "D1"})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestCommandUpdatesStateAndMarksOnline(t *testing.T) {
	hub := &fakeHub{state: "ON"}
	s, notifier := newTestService(t, hub)
	device := registerLight(t, s)

	state, err := s.Command(context.Background(), device.ID, peer.ActOn, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if state != "ON" {
		t.Fatalf("state = %q", state)
	}

	got, err := s.GetDevice(context.Background(), device.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Online || got.LastState != "ON" {
		t.Fatalf("device not updated: %+v", got)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.changed) < 2 {
		t.Fatalf("expected register + command notifications, got %d", len(notifier.changed))
	}
}

func TestCommandRejectsUnknownAct(t *testing.T) {
	s, _ := newTestService(t, &fakeHub{})
	device := registerLight(t, s)
	if _, err := s.Command(context.Background(), device.ID, "blink", nil); !errors.Is(err, ErrUnknownAct) {
		t.Fatalf("expected ErrUnknownAct, got %v", err)
	}
}

func TestIdempotentCommandIsRetried(t *testing.T) {
	hub := &fakeHub{
		state: "ON",
		commandErrs: []error{
			&peer.UnreachableError{Op: "command", Err: errors.New("timeout")},
			&peer.UnreachableError{Op: "command", Err: errors.New("timeout")},
		},
	}
	s, _ := newTestService(t, hub)
	device := registerLight(t, s)

	if _, err := s.Command(context.Background(), device.ID, peer.ActOn, nil); err != nil {
		t.Fatalf("command should succeed on third attempt: %v", err)
	}
	if hub.commandCalls != 3 {
		t.Fatalf("command sent %d times, want 3", hub.commandCalls)
	}
}

func TestToggleIsNeverRetried(t *testing.T) {
	hub := &fakeHub{
		commandErrs: []error{&peer.UnreachableError{Op: "command", Err: errors.New("timeout")}},
	}
	s, _ := newTestService(t, hub)
	device := registerLight(t, s)

	_, err := s.Command(context.Background(), device.ID, peer.ActToggle, nil)
	if !peer.IsUnreachable(err) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if hub.commandCalls != 1 {
		t.Fatalf("toggle sent %d times, want exactly 1", hub.commandCalls)
	}
}

func TestUnreachableCommandMarksDeviceOffline(t *testing.T) {
	hub := &fakeHub{
		commandErrs: []error{
			&peer.UnreachableError{Op: "command", Err: errors.New("refused")},
			&peer.UnreachableError{Op: "command", Err: errors.New("refused")},
			&peer.UnreachableError{Op: "command", Err: errors.New("refused")},
		},
	}
	s, _ := newTestService(t, hub)
	device := registerLight(t, s)

	if _, err := s.Command(context.Background(), device.ID, peer.ActOn, nil); err == nil {
		t.Fatalf("expected error")
	}
	got, err := s.GetDevice(context.Background(), device.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Online {
		t.Fatalf("device should be offline")
	}
}

func TestConcurrentCommandOnSamePortIsRejected(t *testing.T) {
	hub := &fakeHub{gate: make(chan struct{}), state: "ON"}
	s, _ := newTestService(t, hub)
	device := registerLight(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Command(context.Background(), device.ID, peer.ActOn, nil)
		done <- err
	}()

	for {
		hub.mu.Lock()
		started := hub.commandCalls >= 1
		hub.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := s.Command(context.Background(), device.ID, peer.ActOff, nil)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}

	close(hub.gate)
	if err := <-done; err != nil {
		t.Fatalf("first command failed: %v", err)
	}
}

func TestMirrorLogsStoresAndNotifiesNewLinesOnly(t *testing.T) {
	hub := &fakeHub{logs: []string{"12:00 boot", "12:01 motion"}}
	s, notifier := newTestService(t, hub)

	if err := s.MirrorLogs(context.Background()); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	hub.logs = []string{"12:00 boot", "12:01 motion", "12:02 door"}
	if err := s.MirrorLogs(context.Background()); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	entries, err := s.ListEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.mirrored) != 2 {
		t.Fatalf("mirrored batches = %d, want 2", len(notifier.mirrored))
	}
	if len(notifier.mirrored[1]) != 1 || notifier.mirrored[1][0] != "12:02 door" {
		t.Fatalf("second batch = %v", notifier.mirrored[1])
	}
}
