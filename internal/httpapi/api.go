// Package httpapi exposes the bridge over HTTP for the local UI: device
// registry and commands, rule management, the mirrored event log, and a
// websocket feed of projection changes.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/micro-hub/hub-bridge/internal/peer"
	"github.com/micro-hub/hub-bridge/internal/poller"
	"github.com/micro-hub/hub-bridge/internal/rollingcode"
	"github.com/micro-hub/hub-bridge/internal/rule"
	"github.com/micro-hub/hub-bridge/internal/rulesync"
	"github.com/micro-hub/hub-bridge/internal/service"
	"github.com/micro-hub/hub-bridge/internal/storage"
	"github.com/micro-hub/hub-bridge/internal/ws"
)

type API struct {
	service *service.Service
	rules   *rulesync.Coordinator
	poller  *poller.Poller
	hub     *ws.Hub
	codes   *rollingcode.Generator
	logger  *slog.Logger
}

func New(svc *service.Service, rules *rulesync.Coordinator, p *poller.Poller, hub *ws.Hub, codes *rollingcode.Generator, logger *slog.Logger) *API {
	return &API{service: svc, rules: rules, poller: p, hub: hub, codes: codes, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverJSON(a.logger))

	// The websocket handler blocks for the connection's lifetime and hijacks
	// the connection, so it stays outside the timeout and the logging
	// response wrapper.
	r.Get("/ws", a.hub.Handle)

	r.Group(func(g chi.Router) {
		g.Use(requestLogger(a.logger))
		g.Get("/healthz", a.health)
	})
	r.Route("/api", func(api chi.Router) {
		api.Use(requestLogger(a.logger))
		api.Use(middleware.Timeout(30 * time.Second))
		api.Get("/devices", a.listDevices)
		api.Post("/devices", a.createDevice)
		api.Get("/devices/{id}", a.getDevice)
		api.Patch("/devices/{id}", a.patchDevice)
		api.Delete("/devices/{id}", a.deleteDevice)
		api.Post("/devices/{id}/command", a.commandDevice)

		api.Get("/rules", a.listRules)
		api.Post("/rules", a.saveRule)
		api.Post("/rules/refresh", a.refreshRules)
		api.Get("/rules/{id}", a.getRule)
		api.Put("/rules/{id}", a.updateRule)
		api.Delete("/rules/{id}", a.deleteRule)
		api.Post("/rules/{id}/toggle", a.toggleRule)

		api.Get("/events", a.listEvents)
		api.Post("/display", a.display)
		api.Post("/security", a.security)
		api.Post("/leds", a.setLED)
		api.Post("/refresh", a.refresh)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"ws_clients":  a.hub.ClientCount(),
		"code_window": a.codes.Window(time.Now()),
	}
	if at, ok := a.service.LastContact(); ok {
		payload["hub_last_contact"] = at.Format(time.RFC3339)
	} else {
		payload["hub_last_contact"] = nil
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	var payload service.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	device, err := a.service.RegisterDevice(r.Context(), payload)
	if err != nil {
		if errors.Is(err, service.ErrInvalidDevice) {
			writeError(w, http.StatusBadRequest, "invalid_device", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "register_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.service.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (a *API) patchDevice(w http.ResponseWriter, r *http.Request) {
	var payload service.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	device, err := a.service.PatchDevice(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "Device not found")
		case errors.Is(err, service.ErrInvalidDevice):
			writeError(w, http.StatusBadRequest, "invalid_device", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "patch_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type commandPayload struct {
	Act   peer.Act          `json:"act"`
	Extra map[string]string `json:"extra,omitempty"`
}

func (a *API) commandDevice(w http.ResponseWriter, r *http.Request) {
	var payload commandPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	extra := url.Values{}
	for key, value := range payload.Extra {
		extra.Set(key, value)
	}
	state, err := a.service.Command(r.Context(), chi.URLParam(r, "id"), payload.Act, extra)
	if err != nil {
		a.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (a *API) listRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.rules.List()})
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	entry, ok := a.rules.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Rule not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) saveRule(w http.ResponseWriter, r *http.Request) {
	var payload rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	saved, err := a.rules.Save(r.Context(), payload)
	if err != nil {
		a.writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var payload rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	payload.ID = chi.URLParam(r, "id")
	saved, err := a.rules.Save(r.Context(), payload)
	if err != nil {
		a.writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) toggleRule(w http.ResponseWriter, r *http.Request) {
	entry, err := a.rules.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) refreshRules(w http.ResponseWriter, r *http.Request) {
	if err := a.rules.Refresh(r.Context()); err != nil {
		a.writePeerError(w, "refresh_failed", err)
		return
	}
	a.service.MarkContact()
	writeJSON(w, http.StatusOK, map[string]any{"items": a.rules.List()})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = value
	}
	entries, err := a.service.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type displayPayload struct {
	Message         string `json:"message"`
	DurationSeconds int    `json:"durationSeconds"`
}

func (a *API) display(w http.ResponseWriter, r *http.Request) {
	var payload displayPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if payload.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "message is required")
		return
	}
	if err := a.service.DisplayMessage(r.Context(), payload.Message, time.Duration(payload.DurationSeconds)*time.Second); err != nil {
		a.writePeerError(w, "display_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type securityPayload struct {
	Allowed        []string `json:"allowed"`
	Denied         []string `json:"denied"`
	GrantedMessage string   `json:"grantedMessage"`
	DeniedMessage  string   `json:"deniedMessage"`
	BuzzerMs       int      `json:"buzzerMs"`
}

func (a *API) security(w http.ResponseWriter, r *http.Request) {
	var payload securityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	cfg := peer.SecurityConfig{
		Allowed:        payload.Allowed,
		Denied:         payload.Denied,
		GrantedMessage: payload.GrantedMessage,
		DeniedMessage:  payload.DeniedMessage,
		BuzzerDuration: time.Duration(payload.BuzzerMs) * time.Millisecond,
	}
	if err := a.service.ConfigureSecurity(r.Context(), cfg); err != nil {
		a.writePeerError(w, "security_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type ledPayload struct {
	Strip int    `json:"strip"`
	Color string `json:"color"`
}

func (a *API) setLED(w http.ResponseWriter, r *http.Request) {
	var payload ledPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if payload.Color == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "color is required")
		return
	}
	if err := a.service.SetLEDColor(r.Context(), payload.Strip, payload.Color); err != nil {
		a.writePeerError(w, "led_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
	case errors.Is(err, service.ErrUnknownAct):
		writeError(w, http.StatusBadRequest, "unknown_act", err.Error())
	case errors.Is(err, service.ErrDeviceBusy):
		writeError(w, http.StatusConflict, "device_busy", err.Error())
	default:
		a.writePeerError(w, "command_failed", err)
	}
}

func (a *API) writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rulesync.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Rule not found")
	case errors.Is(err, rulesync.ErrRuleBusy):
		writeError(w, http.StatusConflict, "rule_busy", err.Error())
	default:
		a.writePeerError(w, "rule_sync_failed", err)
	}
}

func (a *API) writePeerError(w http.ResponseWriter, code string, err error) {
	switch {
	case peer.IsAuthMismatch(err):
		writeError(w, http.StatusBadGateway, "auth_mismatch", err.Error())
	case peer.IsUnreachable(err):
		writeError(w, http.StatusBadGateway, "hub_unreachable", err.Error())
	case peer.IsInvalidResponse(err):
		writeError(w, http.StatusBadGateway, "invalid_hub_response", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, code, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
