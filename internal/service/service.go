// Package service owns the device registry and dispatches hub commands. It
// enforces the per-port single-flight rule: at most one mutating command per
// device port at a time, with a second concurrent attempt rejected rather
// than silently dropped.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micro-hub/hub-bridge/internal/model"
	"github.com/micro-hub/hub-bridge/internal/peer"
	"github.com/micro-hub/hub-bridge/internal/storage"
)

var (
	// ErrDeviceBusy rejects a second concurrent command on the same port.
	ErrDeviceBusy = errors.New("command already in flight for device port")
	// ErrInvalidDevice covers bad registration input.
	ErrInvalidDevice = errors.New("invalid device")
	// ErrUnknownAct rejects verbs outside the hub vocabulary.
	ErrUnknownAct = errors.New("unknown command act")
)

// HubClient is the slice of the hub client the service uses.
type HubClient interface {
	Command(ctx context.Context, port string, act peer.Act, extra url.Values) (string, error)
	DisplayMessage(ctx context.Context, message string, duration time.Duration) error
	ConfigureSecurity(ctx context.Context, cfg peer.SecurityConfig) error
	SetLEDColor(ctx context.Context, strip int, colorHex string) error
	FetchLogs(ctx context.Context) ([]string, error)
}

// Notifier receives service-level change events; the websocket hub and MQTT
// publisher sit behind it.
type Notifier interface {
	DeviceChanged(device model.Device)
	DeviceRemoved(id string)
	EventsMirrored(lines []string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) DeviceChanged(model.Device) {}
func (NopNotifier) DeviceRemoved(string)       {}
func (NopNotifier) EventsMirrored([]string)    {}

type Service struct {
	client   HubClient
	repo     *storage.Repository
	retry    peer.RetryPolicy
	notifier Notifier
	logger   *slog.Logger

	mu           sync.Mutex
	inflight     map[string]struct{}
	lastContact  time.Time
	contactKnown bool
}

func New(client HubClient, repo *storage.Repository, retry peer.RetryPolicy, notifier Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		client:   client,
		repo:     repo,
		retry:    retry,
		notifier: notifier,
		logger:   logger,
		inflight: map[string]struct{}{},
	}
}

// RegisterInput carries the client-owned device fields.
type RegisterInput struct {
	Name string           `json:"name"`
	Type model.DeviceType `json:"type"`
	Port string           `json:"port"`
}

func (s *Service) ListDevices(ctx context.Context) ([]model.Device, error) {
	return s.repo.ListDevices(ctx)
}

func (s *Service) GetDevice(ctx context.Context, id string) (model.Device, error) {
	return s.repo.GetDevice(ctx, id)
}

func (s *Service) RegisterDevice(ctx context.Context, input RegisterInput) (model.Device, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Port = strings.TrimSpace(input.Port)
	if input.Name == "" {
		return model.Device{}, fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if input.Port == "" {
		return model.Device{}, fmt.Errorf("%w: port is required", ErrInvalidDevice)
	}
	if !model.KnownDeviceType(input.Type) {
		return model.Device{}, fmt.Errorf("%w: unknown type %q", ErrInvalidDevice, input.Type)
	}

	now := time.Now().UTC()
	device := model.Device{
		ID:        uuid.NewString(),
		Name:      input.Name,
		Type:      input.Type,
		Port:      input.Port,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.UpsertDevice(ctx, device); err != nil {
		return model.Device{}, err
	}
	s.notifier.DeviceChanged(device)
	return device, nil
}

func (s *Service) PatchDevice(ctx context.Context, id string, input RegisterInput) (model.Device, error) {
	device, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		device.Name = name
	}
	if input.Type != "" {
		if !model.KnownDeviceType(input.Type) {
			return model.Device{}, fmt.Errorf("%w: unknown type %q", ErrInvalidDevice, input.Type)
		}
		device.Type = input.Type
	}
	if port := strings.TrimSpace(input.Port); port != "" {
		device.Port = port
	}
	device.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertDevice(ctx, device); err != nil {
		return model.Device{}, err
	}
	s.notifier.DeviceChanged(device)
	return device, nil
}

func (s *Service) DeleteDevice(ctx context.Context, id string) error {
	if err := s.repo.DeleteDevice(ctx, id); err != nil {
		return err
	}
	s.notifier.DeviceRemoved(id)
	return nil
}

// Command sends one actuation command to the device's port. State-setting
// verbs ride the retry policy; toggle goes out exactly once because a
// retried toggle can double-flip the output.
func (s *Service) Command(ctx context.Context, deviceID string, act peer.Act, extra url.Values) (string, error) {
	switch act {
	case peer.ActOn, peer.ActOff, peer.ActToggle, peer.ActOpen, peer.ActClose, peer.ActStatus, peer.ActSetColor:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAct, act)
	}

	device, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}

	if err := s.acquirePort(device.Port); err != nil {
		return "", fmt.Errorf("device %s: %w", deviceID, err)
	}
	defer s.releasePort(device.Port)

	var state string
	run := func(ctx context.Context) error {
		var cmdErr error
		state, cmdErr = s.client.Command(ctx, device.Port, act, extra)
		return cmdErr
	}

	if act.Idempotent() {
		err = s.retry.Do(ctx, run)
	} else {
		err = run(ctx)
	}

	if err != nil {
		if peer.IsUnreachable(err) {
			if markErr := s.repo.MarkDeviceOnline(ctx, device.ID, false, nil); markErr != nil {
				s.logger.Warn("mark device offline failed", "device_id", device.ID, "err", markErr)
			} else {
				device.Online = false
				s.notifier.DeviceChanged(device)
			}
		}
		return "", err
	}

	s.touchContact()
	if err := s.repo.SetDeviceState(ctx, device.ID, state, true); err != nil {
		s.logger.Warn("persist device state failed", "device_id", device.ID, "err", err)
	} else {
		device.LastState = state
		device.Online = true
		s.notifier.DeviceChanged(device)
	}
	return state, nil
}

// DisplayMessage shows a message on the hub LCD. Idempotent, retried.
func (s *Service) DisplayMessage(ctx context.Context, message string, duration time.Duration) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.client.DisplayMessage(ctx, message, duration)
	})
	if err == nil {
		s.touchContact()
	}
	return err
}

// ConfigureSecurity pushes the RFID allow/deny configuration. Idempotent,
// retried.
func (s *Service) ConfigureSecurity(ctx context.Context, cfg peer.SecurityConfig) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.client.ConfigureSecurity(ctx, cfg)
	})
	if err == nil {
		s.touchContact()
	}
	return err
}

// SetLEDColor sets a strip color. Idempotent, retried.
func (s *Service) SetLEDColor(ctx context.Context, strip int, colorHex string) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.client.SetLEDColor(ctx, strip, colorHex)
	})
	if err == nil {
		s.touchContact()
	}
	return err
}

// MirrorLogs fetches the hub event log and appends new lines locally.
func (s *Service) MirrorLogs(ctx context.Context) error {
	lines, err := s.client.FetchLogs(ctx)
	if err != nil {
		return err
	}
	s.touchContact()

	inserted, err := s.repo.AppendEvents(ctx, "hub", lines)
	if err != nil {
		return err
	}
	if len(inserted) > 0 {
		s.notifier.EventsMirrored(inserted)
	}
	return nil
}

func (s *Service) ListEvents(ctx context.Context, limit int) ([]model.EventLogEntry, error) {
	return s.repo.ListEvents(ctx, limit)
}

// MarkContact records a successful hub exchange made elsewhere (poller,
// rule sync).
func (s *Service) MarkContact() {
	s.touchContact()
}

// LastContact reports the most recent successful hub exchange.
func (s *Service) LastContact() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContact, s.contactKnown
}

func (s *Service) touchContact() {
	s.mu.Lock()
	s.lastContact = time.Now().UTC()
	s.contactKnown = true
	s.mu.Unlock()
}

func (s *Service) acquirePort(port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[port]; busy {
		return ErrDeviceBusy
	}
	s.inflight[port] = struct{}{}
	return nil
}

func (s *Service) releasePort(port string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, port)
}
