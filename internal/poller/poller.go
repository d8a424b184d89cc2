// Package poller drives the periodic sensor reads against the hub and folds
// the results into the device projection. Results apply in issue order: a
// poll that started earlier can never overwrite data from a later one, no
// matter how the network reorders completions.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-hub/hub-bridge/internal/model"
	"github.com/micro-hub/hub-bridge/internal/peer"
)

// SensorClient is the slice of the hub client the poller needs.
type SensorClient interface {
	ReadSensors(ctx context.Context) (model.SensorReading, error)
}

// Store receives per-device poll outcomes.
type Store interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
	MarkDeviceOnline(ctx context.Context, id string, online bool, reading *model.SensorReading) error
}

// Update is one applied poll outcome, fanned out to observers (websocket
// hub, MQTT publisher).
type Update struct {
	DeviceID string               `json:"device_id"`
	Online   bool                 `json:"online"`
	Reading  *model.SensorReading `json:"reading,omitempty"`
}

type Poller struct {
	client    SensorClient
	store     Store
	logger    *slog.Logger
	interval  time.Duration
	refreshCh chan struct{}
	notify    func(Update)

	mu      sync.Mutex
	issued  uint64
	applied map[string]uint64
}

// New creates a poller. notify may be nil.
func New(client SensorClient, store Store, interval time.Duration, logger *slog.Logger, notify func(Update)) *Poller {
	if notify == nil {
		notify = func(Update) {}
	}
	return &Poller{
		client:    client,
		store:     store,
		logger:    logger,
		interval:  interval,
		refreshCh: make(chan struct{}, 1),
		notify:    notify,
		applied:   map[string]uint64{},
	}
}

// TriggerRefresh requests an immediate poll without waiting for the timer.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("sensor poll failed", "err", err)
		}
	}
}

// PollOnce issues one sensor read and applies the outcome to every device
// fed by the hub's sensor endpoint. Safe to call concurrently with Run; the
// issue-order guard drops whichever result is older.
func (p *Poller) PollOnce(ctx context.Context) error {
	issue := p.nextIssue()

	reading, err := p.client.ReadSensors(ctx)
	if ctx.Err() != nil {
		// Canceled polls must not apply stale results.
		return ctx.Err()
	}

	devices, listErr := p.store.ListDevices(ctx)
	if listErr != nil {
		return listErr
	}

	for _, device := range devices {
		if !sensorFed(device.Type) {
			continue
		}
		if err != nil {
			p.apply(ctx, issue, device.ID, false, nil)
			continue
		}
		r := reading
		p.apply(ctx, issue, device.ID, true, &r)
	}

	if err != nil {
		if peer.IsUnreachable(err) {
			p.logger.Info("hub unreachable; devices marked offline", "err", err)
			return nil
		}
		return err
	}
	return nil
}

func (p *Poller) nextIssue() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued++
	return p.issued
}

// apply holds the mutex across both the guard check and the store write, so
// a result that passed the guard cannot be interleaved with a newer one and
// land in the store last.
func (p *Poller) apply(ctx context.Context, issue uint64, deviceID string, online bool, reading *model.SensorReading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if issue < p.applied[deviceID] {
		p.logger.Debug("dropping stale poll result", "device_id", deviceID, "issue", issue)
		return
	}

	if err := p.store.MarkDeviceOnline(ctx, deviceID, online, reading); err != nil {
		p.logger.Warn("apply poll result failed", "device_id", deviceID, "err", err)
		return
	}
	p.applied[deviceID] = issue
	p.notify(Update{DeviceID: deviceID, Online: online, Reading: reading})
}

func sensorFed(t model.DeviceType) bool {
	switch t {
	case model.TypeSensor, model.TypeTemperature, model.TypeHumidity:
		return true
	}
	return false
}
