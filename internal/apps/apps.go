// Package apps persists the installed application registry. Apps are
// named integrations a user can toggle; the kernel only tracks the
// catalog and enabled flags.
package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

// ErrNotFound is returned for operations on unknown apps.
var ErrNotFound = errors.New("apps: app not found")

// Registry stores apps in the KV layer keyed by name.
type Registry struct {
	store kv.Store
	clock clock.Clock
}

// NewRegistry wires the app registry.
func NewRegistry(store kv.Store, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	return &Registry{store: store, clock: clk}
}

// Install registers an app, enabled by default. Reinstalling an
// existing app is idempotent and keeps its enabled flag.
func (r *Registry) Install(ctx context.Context, name, ownerUID string) (*models.App, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, errors.New("apps: app name is required")
	}

	if existing, err := r.Get(ctx, name); err == nil {
		return existing, nil
	}

	app := &models.App{
		Name:        name,
		OwnerUID:    ownerUID,
		Enabled:     true,
		InstalledAt: r.clock.Now(),
	}
	if err := r.put(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// Get loads one app by name.
func (r *Registry) Get(ctx context.Context, name string) (*models.App, error) {
	raw, err := r.store.Get(ctx, kv.BucketApps, strings.ToLower(name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("apps: load %s: %w", name, err)
	}
	var app models.App
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("apps: decode %s: %w", name, err)
	}
	return &app, nil
}

// List returns all installed apps sorted by name.
func (r *Registry) List(ctx context.Context) ([]*models.App, error) {
	pairs, err := r.store.List(ctx, kv.BucketApps)
	if err != nil {
		return nil, fmt.Errorf("apps: list: %w", err)
	}
	out := make([]*models.App, 0, len(pairs))
	for name, raw := range pairs {
		var app models.App
		if err := json.Unmarshal(raw, &app); err != nil {
			return nil, fmt.Errorf("apps: decode %s: %w", name, err)
		}
		out = append(out, &app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetEnabled toggles an app.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) (*models.App, error) {
	app, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	app.Enabled = enabled
	if err := r.put(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

func (r *Registry) put(ctx context.Context, app *models.App) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("apps: encode %s: %w", app.Name, err)
	}
	if err := r.store.Put(ctx, kv.BucketApps, app.Name, raw, nil); err != nil {
		return fmt.Errorf("apps: store %s: %w", app.Name, err)
	}
	return nil
}
