// Package trigger owns the live recurring timers realizing schedule rules.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"plugd/internal/schedule"
	"plugd/pkg/logx"
)

// FireFunc is invoked with the rule's identity at each trigger instant.
// Its outcome (including device errors) never disarms the rule.
type FireFunc func(id string, action schedule.Action)

// Engine maps rule IDs to recurring daily cron entries.
//
// One cron runner drives all armed rules. Arm/Disarm may be called before
// Start; entries registered early simply begin firing once the runner starts.
type Engine struct {
	mu sync.Mutex

	log logx.Logger
	loc *time.Location

	c       *cron.Cron
	entries map[string]cron.EntryID
	fire    FireFunc
	started bool
}

func New(loc *time.Location, log logx.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Engine{
		log:     log,
		loc:     loc,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: map[string]cron.EntryID{},
	}
}

// OnFire installs the firing callback. Must be set before Start.
func (e *Engine) OnFire(fn FireFunc) {
	e.mu.Lock()
	e.fire = fn
	e.mu.Unlock()
}

func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.c.Start()
	e.log.Info("trigger engine started",
		logx.String("tz", e.loc.String()), logx.Int("armed", len(e.entries)))
}

// Stop cancels all future firings. A firing already in progress runs to
// completion; Stop returns once the cron runner has drained or ctx expires.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	done := e.c.Stop().Done()
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	e.log.Info("trigger engine stopped")
}

// Arm registers or replaces the recurring trigger for rule.ID.
//
// Replace is remove-then-add under the engine lock: there is no instant at
// which both the old and the new entry are eligible to fire for the same ID.
func (e *Engine) Arm(rule schedule.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.entries[rule.ID]; ok {
		e.c.Remove(old)
		delete(e.entries, rule.ID)
	}

	spec := fmt.Sprintf("%d %d * * *", rule.Minute, rule.Hour)
	id, action := rule.ID, rule.Action
	entryID, err := e.c.AddFunc(spec, func() {
		e.mu.Lock()
		fn := e.fire
		e.mu.Unlock()
		if fn == nil {
			return
		}
		fn(id, action)
	})
	if err != nil {
		return fmt.Errorf("arm %s: %w", rule.ID, err)
	}
	e.entries[rule.ID] = entryID
	e.log.Debug("rule armed",
		logx.String("id", rule.ID), logx.String("action", string(action)),
		logx.Int("hour", rule.Hour), logx.Int("minute", rule.Minute))
	return nil
}

// Disarm removes the trigger for id. Unknown IDs are a no-op, not an error.
func (e *Engine) Disarm(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entryID, ok := e.entries[id]
	if !ok {
		return
	}
	e.c.Remove(entryID)
	delete(e.entries, id)
	e.log.Debug("rule disarmed", logx.String("id", id))
}

// Armed reports how many rules currently hold a live entry.
func (e *Engine) Armed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Next reports the next firing instant for id, if armed and running.
func (e *Engine) Next(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entryID, ok := e.entries[id]
	if !ok {
		return time.Time{}, false
	}
	entry := e.c.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if entry.Next.IsZero() && entry.Schedule != nil {
		// Runner not started yet; evaluate the schedule directly.
		return entry.Schedule.Next(time.Now().In(e.loc)), true
	}
	return entry.Next, true
}
