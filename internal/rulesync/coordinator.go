// Package rulesync keeps the local rule projection aligned with the hub. The
// hub owns the durable rule list; every mutation goes through an explicit
// per-rule state machine so failures revert cleanly instead of leaving the
// projection guessing which callback fired.
package rulesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micro-hub/hub-bridge/internal/rule"
	"github.com/micro-hub/hub-bridge/internal/storage"
)

// State is the sync lifecycle of one rule.
type State string

const (
	StateDraft     State = "draft"
	StateUploading State = "uploading"
	StateSynced    State = "synced"
	StateDeleting  State = "deleting"
	StateDeleted   State = "deleted"
)

var (
	// ErrRuleBusy rejects a second concurrent mutation on the same rule id.
	ErrRuleBusy = errors.New("rule mutation already in flight")
	// ErrRuleNotFound means the id is not in the local projection.
	ErrRuleNotFound = errors.New("rule not found")
)

// PeerClient is the slice of the hub client the coordinator needs.
type PeerClient interface {
	UploadRule(ctx context.Context, r rule.Rule) error
	ListRules(ctx context.Context) ([]rule.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ToggleRule(ctx context.Context, id string) error
}

// Store persists the projection across restarts.
type Store interface {
	ListRules(ctx context.Context) ([]storage.StoredRule, error)
	UpsertRule(ctx context.Context, item storage.StoredRule) error
	ReplaceRules(ctx context.Context, items []storage.StoredRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Event reports a rule state transition to observers (the websocket hub).
type Event struct {
	RuleID string `json:"rule_id"`
	State  State  `json:"state"`
}

// Entry is one rule with its current sync state.
type Entry struct {
	Rule  rule.Rule `json:"rule"`
	State State     `json:"state"`
}

type Coordinator struct {
	client PeerClient
	store  Store
	logger *slog.Logger
	notify func(Event)

	mu       sync.Mutex
	rules    map[string]*Entry
	inflight map[string]struct{}
}

// New creates a coordinator. notify may be nil.
func New(client PeerClient, store Store, logger *slog.Logger, notify func(Event)) *Coordinator {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Coordinator{
		client:   client,
		store:    store,
		logger:   logger,
		notify:   notify,
		rules:    map[string]*Entry{},
		inflight: map[string]struct{}{},
	}
}

// LoadFromStore seeds the projection from the persisted cache so the UI has
// data before the first successful hub refresh.
func (c *Coordinator) LoadFromStore(ctx context.Context) error {
	items, err := c.store.ListRules(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		c.rules[item.Rule.ID] = &Entry{Rule: item.Rule, State: State(item.SyncState)}
	}
	return nil
}

// List returns the current projection sorted by name then id.
func (c *Coordinator) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]Entry, 0, len(c.rules))
	for _, entry := range c.rules {
		items = append(items, *entry)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Rule.Name != items[j].Rule.Name {
			return items[i].Rule.Name < items[j].Rule.Name
		}
		return items[i].Rule.ID < items[j].Rule.ID
	})
	return items
}

// Get returns one projected rule.
func (c *Coordinator) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.rules[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Save uploads a new or edited rule. A missing id marks a fresh rule and one
// is assigned; the id never changes afterwards. On failure the rule reverts
// to its prior state and the error is surfaced, never swallowed.
func (c *Coordinator) Save(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	c.mu.Lock()
	if _, busy := c.inflight[r.ID]; busy {
		c.mu.Unlock()
		return rule.Rule{}, fmt.Errorf("rule %s: %w", r.ID, ErrRuleBusy)
	}
	prior, existed := c.rules[r.ID]
	var revert Entry
	if existed {
		revert = *prior
	} else {
		revert = Entry{Rule: r, State: StateDraft}
	}
	c.inflight[r.ID] = struct{}{}
	c.rules[r.ID] = &Entry{Rule: r, State: StateUploading}
	c.mu.Unlock()
	c.notify(Event{RuleID: r.ID, State: StateUploading})

	err := c.client.UploadRule(ctx, r)

	c.mu.Lock()
	delete(c.inflight, r.ID)
	if err != nil {
		c.rules[r.ID] = &Entry{Rule: revert.Rule, State: revert.State}
		c.mu.Unlock()
		c.notify(Event{RuleID: r.ID, State: revert.State})
		return rule.Rule{}, fmt.Errorf("upload rule %s: %w", r.ID, err)
	}
	c.rules[r.ID] = &Entry{Rule: r, State: StateSynced}
	c.mu.Unlock()
	c.notify(Event{RuleID: r.ID, State: StateSynced})

	if err := c.store.UpsertRule(ctx, storage.StoredRule{Rule: r, SyncState: string(StateSynced), UpdatedAt: time.Now().UTC()}); err != nil {
		c.logger.Warn("persist rule projection failed", "rule_id", r.ID, "err", err)
	}
	return r, nil
}

// Delete removes a rule from the hub, then from the projection. Failure
// reverts to Synced so the rule is not silently dropped.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	entry, ok := c.rules[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if _, busy := c.inflight[id]; busy {
		c.mu.Unlock()
		return fmt.Errorf("rule %s: %w", id, ErrRuleBusy)
	}
	revert := *entry
	c.inflight[id] = struct{}{}
	entry.State = StateDeleting
	c.mu.Unlock()
	c.notify(Event{RuleID: id, State: StateDeleting})

	err := c.client.DeleteRule(ctx, id)

	c.mu.Lock()
	delete(c.inflight, id)
	if err != nil {
		c.rules[id] = &Entry{Rule: revert.Rule, State: revert.State}
		c.mu.Unlock()
		c.notify(Event{RuleID: id, State: revert.State})
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	delete(c.rules, id)
	c.mu.Unlock()
	c.notify(Event{RuleID: id, State: StateDeleted})

	if err := c.store.DeleteRule(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("remove rule from projection cache failed", "rule_id", id, "err", err)
	}
	return nil
}

// Toggle flips a rule's enabled flag on the hub. The hub applies the flip;
// retrying on loss could double-flip, so the call goes out exactly once and
// the local flag only changes after the hub confirms.
func (c *Coordinator) Toggle(ctx context.Context, id string) (Entry, error) {
	c.mu.Lock()
	entry, ok := c.rules[id]
	if !ok {
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if _, busy := c.inflight[id]; busy {
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("rule %s: %w", id, ErrRuleBusy)
	}
	c.inflight[id] = struct{}{}
	c.mu.Unlock()

	err := c.client.ToggleRule(ctx, id)

	c.mu.Lock()
	delete(c.inflight, id)
	if err != nil {
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("toggle rule %s: %w", id, err)
	}
	entry.Rule.TriggerEnabled = !entry.Rule.TriggerEnabled
	updated := *entry
	c.mu.Unlock()

	if err := c.store.UpsertRule(ctx, storage.StoredRule{Rule: updated.Rule, SyncState: string(updated.State), UpdatedAt: time.Now().UTC()}); err != nil {
		c.logger.Warn("persist toggled rule failed", "rule_id", id, "err", err)
	}
	return updated, nil
}

// Refresh fetches the authoritative list and reconciles the projection by
// id: present rules are field-updated in place, absent rules are removed.
// Rules with a mutation in flight are left alone until it settles.
func (c *Coordinator) Refresh(ctx context.Context) error {
	fetched, err := c.client.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("refresh rules: %w", err)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	seen := map[string]struct{}{}
	for _, fresh := range fetched {
		seen[fresh.ID] = struct{}{}
		if _, busy := c.inflight[fresh.ID]; busy {
			continue
		}
		if entry, ok := c.rules[fresh.ID]; ok {
			entry.Rule = fresh
			entry.State = StateSynced
		} else {
			c.rules[fresh.ID] = &Entry{Rule: fresh, State: StateSynced}
		}
	}
	for id, entry := range c.rules {
		if _, present := seen[id]; present {
			continue
		}
		if _, busy := c.inflight[id]; busy {
			continue
		}
		// Drafts and uploads that have not reached the hub yet survive a
		// refresh; everything else follows the authoritative list.
		if entry.State == StateDraft || entry.State == StateUploading {
			continue
		}
		delete(c.rules, id)
	}

	persisted := make([]storage.StoredRule, 0, len(c.rules))
	for _, entry := range c.rules {
		persisted = append(persisted, storage.StoredRule{Rule: entry.Rule, SyncState: string(entry.State), UpdatedAt: now})
	}
	c.mu.Unlock()

	if err := c.store.ReplaceRules(ctx, persisted); err != nil {
		c.logger.Warn("persist rule projection failed", "err", err)
	}
	return nil
}
