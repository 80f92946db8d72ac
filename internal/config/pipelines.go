package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meshline/supportmesh/internal/mesh"
)

// pipelineDef is the TOML shape of one route preset.
type pipelineDef struct {
	Steps        []string `toml:"steps"`
	ErrorHandler string   `toml:"error_handler"`
}

type pipelineFile struct {
	Pipelines map[string]pipelineDef `toml:"pipelines"`
}

// Catalog maps preset names to routes. It starts from the built-in presets
// and layers a TOML file on top; the file can be re-read at runtime so
// operators can tune routes without a restart.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	routes  map[string]mesh.Route
	lastMod time.Time

	stop chan struct{}
	once sync.Once
}

// builtinRoutes are the presets that exist without any TOML file.
func builtinRoutes() map[string]mesh.Route {
	return map[string]mesh.Route{
		"full_support":        mesh.FullSupportRoute(),
		"complaint_analysis":  mesh.ComplaintAnalysisRoute(),
		"response_generation": mesh.ResponseGenerationRoute(),
		"action_execution":    mesh.ActionExecutionRoute(),
		"escalation":          mesh.EscalationRoute(),
	}
}

// NewCatalog builds a catalog layered over path. An empty path or a missing
// file yields the built-ins only.
func NewCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		path:   path,
		logger: logger.With("component", "pipelines"),
		routes: builtinRoutes(),
		stop:   make(chan struct{}),
	}
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Route returns a copy of the named preset, cursor at zero.
func (c *Catalog) Route(name string) (mesh.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[name]
	if !ok {
		return mesh.Route{}, false
	}
	steps := make([]mesh.Stage, len(r.Steps))
	copy(steps, r.Steps)
	return mesh.Route{Steps: steps, ErrorHandler: r.ErrorHandler}, true
}

// Names lists the available presets.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.routes))
	for name := range c.routes {
		names = append(names, name)
	}
	return names
}

// reload re-reads the TOML file and swaps in the parsed presets. A broken
// file leaves the current presets in place.
func (c *Catalog) reload() error {
	var file pipelineFile
	if _, err := toml.DecodeFile(c.path, &file); err != nil {
		return fmt.Errorf("parse pipelines %s: %w", c.path, err)
	}

	routes := builtinRoutes()
	for name, def := range file.Pipelines {
		route, err := def.toRoute()
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", name, err)
		}
		routes[name] = route
	}

	c.mu.Lock()
	c.routes = routes
	c.mu.Unlock()
	c.logger.Info("pipelines loaded", "path", c.path, "count", len(routes))
	return nil
}

func (d pipelineDef) toRoute() (mesh.Route, error) {
	steps := make([]mesh.Stage, 0, len(d.Steps))
	for _, s := range d.Steps {
		stage, err := mesh.ParseStage(s)
		if err != nil {
			return mesh.Route{}, err
		}
		steps = append(steps, stage)
	}
	if err := mesh.ValidateSteps(steps); err != nil {
		return mesh.Route{}, err
	}
	handler := mesh.DefaultErrorHandler
	if d.ErrorHandler != "" {
		h, err := mesh.ParseStage(d.ErrorHandler)
		if err != nil {
			return mesh.Route{}, fmt.Errorf("error handler: %w", err)
		}
		handler = h
	}
	return mesh.Route{Steps: steps, ErrorHandler: handler}, nil
}

// Watch polls the TOML file's modification time and reloads on change.
func (c *Catalog) Watch(interval time.Duration) {
	if c.path == "" {
		return
	}
	if info, err := os.Stat(c.path); err == nil {
		c.lastMod = info.ModTime()
	}
	go c.poll(interval)
	c.logger.Info("pipeline watcher started", "path", c.path, "interval", interval)
}

// StopWatch halts the watcher. Safe to call when Watch never started.
func (c *Catalog) StopWatch() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Catalog) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *Catalog) check() {
	info, err := os.Stat(c.path)
	if err != nil {
		c.logger.Warn("pipeline watcher: cannot stat file", "path", c.path, "error", err)
		return
	}
	if info.ModTime().After(c.lastMod) {
		c.lastMod = info.ModTime()
		if err := c.reload(); err != nil {
			c.logger.Error("pipeline reload failed", "error", err)
		}
	}
}
