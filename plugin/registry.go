package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// Interface checks happen once at registration, so emitting an event is a
// slice walk with no reflection.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists
	onInit                []OnInit
	onShutdown            []OnShutdown
	onSessionAuthorized   []OnSessionAuthorized
	onSessionActivated    []OnSessionActivated
	onSessionSettled      []OnSessionSettled
	onSessionCancelled    []OnSessionCancelled
	onCheckpointCompleted []OnCheckpointCompleted
	onPayoutFailed        []OnPayoutFailed
	onPayoutRecovered     []OnPayoutRecovered
	onProgressFlushed     []OnProgressFlushed
	onReviewClassified    []OnReviewClassified
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{logger: slog.Default()}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSessionAuthorized); ok {
		r.onSessionAuthorized = append(r.onSessionAuthorized, v)
	}
	if v, ok := p.(OnSessionActivated); ok {
		r.onSessionActivated = append(r.onSessionActivated, v)
	}
	if v, ok := p.(OnSessionSettled); ok {
		r.onSessionSettled = append(r.onSessionSettled, v)
	}
	if v, ok := p.(OnSessionCancelled); ok {
		r.onSessionCancelled = append(r.onSessionCancelled, v)
	}
	if v, ok := p.(OnCheckpointCompleted); ok {
		r.onCheckpointCompleted = append(r.onCheckpointCompleted, v)
	}
	if v, ok := p.(OnPayoutFailed); ok {
		r.onPayoutFailed = append(r.onPayoutFailed, v)
	}
	if v, ok := p.(OnPayoutRecovered); ok {
		r.onPayoutRecovered = append(r.onPayoutRecovered, v)
	}
	if v, ok := p.(OnProgressFlushed); ok {
		r.onProgressFlushed = append(r.onProgressFlushed, v)
	}
	if v, ok := p.(OnReviewClassified); ok {
		r.onReviewClassified = append(r.onReviewClassified, v)
	}

	return nil
}

// Plugins returns the names of all registered plugins.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// hookErr logs a hook failure. Hooks never abort engine operations.
func (r *Registry) hookErr(name, hook string, err error) {
	if err != nil {
		r.logger.Warn("plugin hook failed", "plugin", name, "hook", hook, "error", err)
	}
}

// EmitInit notifies all OnInit plugins.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onInit {
		r.hookErr(p.Name(), "OnInit", p.OnInit(ctx, engine))
	}
}

// EmitShutdown notifies all OnShutdown plugins.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onShutdown {
		r.hookErr(p.Name(), "OnShutdown", p.OnShutdown(ctx))
	}
}

// EmitSessionAuthorized notifies all OnSessionAuthorized plugins.
func (r *Registry) EmitSessionAuthorized(ctx context.Context, sess interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onSessionAuthorized {
		r.hookErr(p.Name(), "OnSessionAuthorized", p.OnSessionAuthorized(ctx, sess))
	}
}

// EmitSessionActivated notifies all OnSessionActivated plugins.
func (r *Registry) EmitSessionActivated(ctx context.Context, sess interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onSessionActivated {
		r.hookErr(p.Name(), "OnSessionActivated", p.OnSessionActivated(ctx, sess))
	}
}

// EmitSessionSettled notifies all OnSessionSettled plugins.
func (r *Registry) EmitSessionSettled(ctx context.Context, sess, record interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onSessionSettled {
		r.hookErr(p.Name(), "OnSessionSettled", p.OnSessionSettled(ctx, sess, record))
	}
}

// EmitSessionCancelled notifies all OnSessionCancelled plugins.
func (r *Registry) EmitSessionCancelled(ctx context.Context, sess interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onSessionCancelled {
		r.hookErr(p.Name(), "OnSessionCancelled", p.OnSessionCancelled(ctx, sess))
	}
}

// EmitCheckpointCompleted notifies all OnCheckpointCompleted plugins.
func (r *Registry) EmitCheckpointCompleted(ctx context.Context, sess interface{}, seq int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onCheckpointCompleted {
		r.hookErr(p.Name(), "OnCheckpointCompleted", p.OnCheckpointCompleted(ctx, sess, seq))
	}
}

// EmitPayoutFailed notifies all OnPayoutFailed plugins.
func (r *Registry) EmitPayoutFailed(ctx context.Context, record interface{}, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onPayoutFailed {
		r.hookErr(p.Name(), "OnPayoutFailed", p.OnPayoutFailed(ctx, record, err))
	}
}

// EmitPayoutRecovered notifies all OnPayoutRecovered plugins.
func (r *Registry) EmitPayoutRecovered(ctx context.Context, record interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onPayoutRecovered {
		r.hookErr(p.Name(), "OnPayoutRecovered", p.OnPayoutRecovered(ctx, record))
	}
}

// EmitProgressFlushed notifies all OnProgressFlushed plugins.
func (r *Registry) EmitProgressFlushed(ctx context.Context, count int, elapsed time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onProgressFlushed {
		r.hookErr(p.Name(), "OnProgressFlushed", p.OnProgressFlushed(ctx, count, elapsed))
	}
}

// EmitReviewClassified notifies all OnReviewClassified plugins.
func (r *Registry) EmitReviewClassified(ctx context.Context, rev interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onReviewClassified {
		r.hookErr(p.Name(), "OnReviewClassified", p.OnReviewClassified(ctx, rev))
	}
}
