// Package events provides the kernel's internal priority-ordered
// publish/subscribe bus. Pipeline stages, the plugin host, and the
// orchestrator all fan out through a Bus rather than calling each other
// directly, so plugins can observe and mutate a turn without the
// publisher knowing who is listening.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Well-known event names published by the kernel itself. Plugins may
// publish and subscribe to any string; these constants only name the
// ones the kernel guarantees to fire.
const (
	Tick             = "tick"
	AllPluginsLoaded = "all_plugins_loaded"
	PluginLoaded     = "plugin_loaded"
	SystemShutdown   = "system.shutdown"
	CommandExecuted  = "command_executed"

	StageStart       = "pipeline.start"
	StageInput       = "pipeline.input"
	StageContext     = "pipeline.context"
	StagePrompt      = "pipeline.prompt"
	StageLLM         = "pipeline.llm"
	StagePostProcess = "pipeline.post_process"
	StageOutput      = "pipeline.output"
	StageEnd         = "pipeline.end"
)

// Handler is a subscriber callback. It receives the same payload
// object passed to Publish — for pipeline stage events this is the
// shared *pipeline.Context, for everything else it is whatever the
// publisher chose. A Handler must not assume exclusive access to the
// payload when invoked from a parallel Publish.
type Handler func(ctx context.Context, event string, payload any) error

// Subscription records one handler registered against one event name.
type Subscription struct {
	Event    string
	Handler  Handler
	Priority int

	seq int // insertion order, used to keep equal-priority subscribers stable
}

// Bus is an in-process, priority-ordered publish/subscribe bus with
// two dispatch modes. It is safe for concurrent use; the subscriber
// table is guarded by a sync.RWMutex, the same discipline
// internal/router.Router uses for its audit log and stats.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	seq    int
	logger *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers handler for event at the given priority. Higher
// priority fires first; insertion order is preserved among equal
// priorities. Returns the Subscription so callers can Unsubscribe it
// later without tracking the handler value separately.
func (b *Bus) Subscribe(event string, handler Handler, priority int) *Subscription {
	if b == nil || handler == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &Subscription{Event: event, Handler: handler, Priority: priority, seq: b.seq}
	list := append(b.subs[event], sub)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	b.subs[event] = list
	return sub
}

// Unsubscribe removes sub from its event's subscriber list. Reports
// whether a subscription was actually removed.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if b == nil || sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.Event]
	for i, s := range list {
		if s == sub {
			b.subs[sub.Event] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every subscriber registered for event.
func (b *Bus) Clear(event string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, event)
}

// snapshot returns the subscriber list for event as it stood at the
// instant of the call. Subscriptions added during a later dispatch of
// this snapshot must not appear in it — callers take the snapshot once,
// before invoking any handler.
func (b *Bus) snapshot(event string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.subs[event]
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// Publish delivers payload to every current subscriber of event in
// parallel: each handler runs in its own goroutine and Publish returns
// once all of them have finished. A handler panic or error is logged
// and does not affect sibling handlers or the publisher.
func (b *Bus) Publish(ctx context.Context, event string, payload any) {
	if b == nil {
		return
	}
	subs := b.snapshot(event)
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			defer wg.Done()
			b.safeExec(ctx, sub, payload)
		}(sub)
	}
	wg.Wait()
}

// PublishSequential delivers payload to every current subscriber of
// event one at a time, in priority order, waiting for each handler to
// return before invoking the next. The pipeline relies on this mode so
// that handlers mutating a shared *pipeline.Context never race.
func (b *Bus) PublishSequential(ctx context.Context, event string, payload any) {
	if b == nil {
		return
	}
	for _, sub := range b.snapshot(event) {
		b.safeExec(ctx, sub, payload)
	}
}

// safeExec invokes a single handler, converting a panic into a logged
// error so one misbehaving subscriber never takes down the bus or its
// siblings.
func (b *Bus) safeExec(ctx context.Context, sub *Subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", sub.Event, "priority", sub.Priority, "error", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	if err := sub.Handler(ctx, sub.Event, payload); err != nil {
		b.logger.Error("event handler failed",
			"event", sub.Event, "priority", sub.Priority, "error", err)
	}
}

// SubscriberCount returns the number of handlers currently registered
// for event.
func (b *Bus) SubscriberCount(event string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
