package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/micro-hub/hub-bridge/internal/config"
	"github.com/micro-hub/hub-bridge/internal/httpapi"
	"github.com/micro-hub/hub-bridge/internal/logging"
	"github.com/micro-hub/hub-bridge/internal/model"
	"github.com/micro-hub/hub-bridge/internal/mqtt"
	"github.com/micro-hub/hub-bridge/internal/peer"
	"github.com/micro-hub/hub-bridge/internal/poller"
	"github.com/micro-hub/hub-bridge/internal/rulesync"
	"github.com/micro-hub/hub-bridge/internal/scheduler"
	"github.com/micro-hub/hub-bridge/internal/service"
	"github.com/micro-hub/hub-bridge/internal/storage"
	"github.com/micro-hub/hub-bridge/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New(slog.LevelInfo).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	hubClient := peer.NewClient(peer.Options{
		BaseURL: cfg.PeerBaseURL,
		Token:   cfg.PeerToken,
		Secret:  cfg.PeerSecret,
		Timeout: cfg.PeerTimeout,
		Logger:  logger,
	})
	retry := peer.NewRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay)

	wsHub := ws.NewHub(logger)
	defer wsHub.Close()

	var publisher *mqtt.Publisher
	if cfg.MQTTEnabled() {
		publisher, err = mqtt.NewPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, logger)
		if err != nil {
			logger.Warn("mqtt disabled", "err", err)
		} else {
			defer publisher.Close()
		}
	}

	jobs := scheduler.New(logger)
	statusJobs := &deviceJobs{
		jobs:      jobs,
		rootCtx:   ctx,
		every:     cfg.StatusPollInterval,
		timeout:   cfg.PeerTimeout + time.Second,
		logger:    logger,
		scheduled: map[string]struct{}{},
	}

	svc := service.New(hubClient, repo, retry, &fanoutNotifier{hub: wsHub, mqtt: publisher, status: statusJobs}, logger)
	statusJobs.svc = svc

	if devices, err := repo.ListDevices(ctx); err != nil {
		logger.Warn("device registry preload failed", "err", err)
	} else {
		for _, device := range devices {
			statusJobs.apply(device)
		}
	}

	rules := rulesync.New(hubClient, repo, logger, func(event rulesync.Event) {
		wsHub.Broadcast("rule_sync", event)
	})
	if err := rules.LoadFromStore(ctx); err != nil {
		logger.Warn("rule projection preload failed", "err", err)
	}

	sensorPoller := poller.New(hubClient, repo, cfg.SensorPollInterval, logger, func(update poller.Update) {
		if update.Online {
			svc.MarkContact()
		}
		wsHub.Broadcast("sensor_update", update)
		if update.Reading != nil {
			publisher.PublishReading(update.DeviceID, *update.Reading)
		}
		publisher.PublishOnline(update.DeviceID, update.Online)
	})
	go sensorPoller.Run(ctx)
	sensorPoller.TriggerRefresh()

	err = jobs.ScheduleEvery("rule-sync", cfg.RuleSyncInterval, func() {
		syncCtx, cancel := context.WithTimeout(ctx, cfg.PeerTimeout+time.Second)
		defer cancel()
		if err := rules.Refresh(syncCtx); err != nil {
			logger.Warn("rule refresh failed", "err", err)
			return
		}
		svc.MarkContact()
	})
	if err != nil {
		logger.Error("failed to schedule rule sync", "err", err)
		os.Exit(1)
	}
	err = jobs.ScheduleEvery("log-mirror", cfg.LogMirrorInterval, func() {
		mirrorCtx, cancel := context.WithTimeout(ctx, cfg.PeerTimeout+time.Second)
		defer cancel()
		if err := svc.MirrorLogs(mirrorCtx); err != nil {
			logger.Warn("log mirror failed", "err", err)
		}
	})
	if err != nil {
		logger.Error("failed to schedule log mirror", "err", err)
		os.Exit(1)
	}
	jobs.Start()
	defer jobs.Stop()
	logger.Info("scheduler started", "jobs", jobs.JobCount())

	api := httpapi.New(svc, rules, sensorPoller, wsHub, hubClient.Codes(), logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr, "peer", cfg.PeerBaseURL)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// fanoutNotifier forwards service events to the websocket hub, the status
// job manager and, when configured, the MQTT publisher. The publisher may be
// nil.
type fanoutNotifier struct {
	hub    *ws.Hub
	mqtt   *mqtt.Publisher
	status *deviceJobs
}

func (n *fanoutNotifier) DeviceChanged(device model.Device) {
	n.status.apply(device)
	n.hub.Broadcast("device_update", device)
	n.mqtt.PublishOnline(device.ID, device.Online)
}

func (n *fanoutNotifier) DeviceRemoved(id string) {
	n.status.remove(id)
	n.hub.Broadcast("device_removed", map[string]string{"id": id})
}

func (n *fanoutNotifier) EventsMirrored(lines []string) {
	n.hub.Broadcast("hub_events", lines)
	for _, line := range lines {
		n.mqtt.PublishEvent(line)
	}
}

// deviceJobs keeps one status-refresh cron job per actuator device, added
// and removed as the registry changes. Sensor-fed devices are covered by the
// poller instead.
type deviceJobs struct {
	jobs    *scheduler.Scheduler
	svc     *service.Service
	rootCtx context.Context
	every   time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	scheduled map[string]struct{}
}

func (d *deviceJobs) apply(device model.Device) {
	key := "status:" + device.ID
	if !statusPolled(device.Type) {
		d.remove(device.ID)
		return
	}

	d.mu.Lock()
	if _, exists := d.scheduled[key]; exists {
		d.mu.Unlock()
		return
	}
	d.scheduled[key] = struct{}{}
	d.mu.Unlock()

	id := device.ID
	err := d.jobs.ScheduleEvery(key, d.every, func() {
		cmdCtx, cancel := context.WithTimeout(d.rootCtx, d.timeout)
		defer cancel()
		if _, err := d.svc.Command(cmdCtx, id, peer.ActStatus, nil); err != nil {
			d.logger.Debug("status refresh failed", "device_id", id, "err", err)
		}
	})
	if err != nil {
		d.logger.Warn("failed to schedule status refresh", "device_id", device.ID, "err", err)
		d.mu.Lock()
		delete(d.scheduled, key)
		d.mu.Unlock()
	}
}

func (d *deviceJobs) remove(id string) {
	key := "status:" + id
	d.mu.Lock()
	delete(d.scheduled, key)
	d.mu.Unlock()
	d.jobs.Remove(key)
}

func statusPolled(t model.DeviceType) bool {
	switch t {
	case model.TypeLight, model.TypeFan, model.TypeDoor, model.TypeServo, model.TypeStatusLED:
		return true
	}
	return false
}
