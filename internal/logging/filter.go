package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// levelTable is shared between a ComponentFilterHandler and every handler
// derived from it via WithAttrs/WithGroup, so SetLevel affects all of them.
type levelTable struct {
	mu        sync.RWMutex
	defaultLv slog.Level
	overrides map[string]slog.Level
}

func (t *levelTable) level(component string) slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if lv, ok := t.overrides[component]; ok {
		return lv
	}
	return t.defaultLv
}

// minLevel is the lowest level any component could currently emit at.
func (t *levelTable) minLevel() slog.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lv := t.defaultLv
	for _, o := range t.overrides {
		if o < lv {
			lv = o
		}
	}
	return lv
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from a "component" attribute, either pre-attached
// with Logger.With or passed on the record itself. Records without a
// component use the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levelTable
	component string // from WithAttrs, empty if not scoped
}

// NewComponentFilterHandler wraps next with per-component level filtering.
// next should accept all levels; filtering happens here.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		levels: &levelTable{
			defaultLv: defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.overrides[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel removes a component override. No-op if none is set.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.overrides, component)
	h.levels.mu.Unlock()
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.level(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.defaultLv
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.level(h.component)
	}
	// The record may still carry a component; decide in Handle.
	return level >= h.levels.minLevel()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == ComponentKey {
			component = a.Value.String()
		}
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: component}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: h.component}
}

// ApplyLevelSpecs parses "level" or "component=level" entries and applies
// them to h. A bare level replaces the default.
func (h *ComponentFilterHandler) ApplyLevelSpecs(specs []string) error {
	for _, spec := range specs {
		component, levelText, scoped := strings.Cut(spec, "=")
		if !scoped {
			levelText, component = component, ""
		}
		var lv slog.Level
		if err := lv.UnmarshalText([]byte(strings.TrimSpace(levelText))); err != nil {
			return fmt.Errorf("log level %q: %w", spec, err)
		}
		if component == "" {
			h.levels.mu.Lock()
			h.levels.defaultLv = lv
			h.levels.mu.Unlock()
			continue
		}
		h.SetLevel(strings.TrimSpace(component), lv)
	}
	return nil
}
