package config

import (
	"fmt"
	"strings"

	"github.com/loykin/portswitch/internal/detector"
	"github.com/loykin/portswitch/internal/supervisor"
)

// Catalog resolves app ids against [[apps]].
type Catalog struct {
	cfg  *Config
	apps []AppConfig
	byID map[string]int
}

func NewCatalog(c *Config) *Catalog {
	cat := &Catalog{cfg: c, byID: make(map[string]int, len(c.Apps))}
	for _, a := range c.Apps {
		cat.byID[a.ID] = len(cat.apps)
		cat.apps = append(cat.apps, a)
	}
	return cat
}

// List returns the configured apps in file order.
func (c *Catalog) List() []AppConfig {
	return append([]AppConfig(nil), c.apps...)
}

func (c *Catalog) Lookup(id string) (AppConfig, bool) {
	i, ok := c.byID[id]
	if !ok {
		return AppConfig{}, false
	}
	return c.apps[i], true
}

// Resolve builds the launch description for id. Non-empty command and
// folder override the catalog entry; an unknown id runs DefaultCommand in
// BaseDir/id.
func (c *Catalog) Resolve(id, command, folder string) (supervisor.App, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return supervisor.App{}, fmt.Errorf("%w: id is required", supervisor.ErrInvalidApp)
	}
	ac, ok := c.Lookup(id)
	if !ok {
		ac = AppConfig{ID: id, Folder: c.cfg.ResolveFolder(id, "")}
	}
	if command = strings.TrimSpace(command); command != "" {
		ac.Command = command
	}
	if folder = strings.TrimSpace(folder); folder != "" {
		ac.Folder = c.cfg.ResolveFolder(id, folder)
	}
	if ac.Command == "" {
		ac.Command = DefaultCommand
	}
	return c.toApp(ac), nil
}

func (c *Catalog) toApp(ac AppConfig) supervisor.App {
	app := supervisor.App{
		ID:           ac.ID,
		Name:         ac.Name,
		Command:      ac.Command,
		WorkDir:      ac.Folder,
		Env:          ac.Env,
		ReadyMarkers: ac.ReadyMarkers,
		ReadyTimeout: ac.ReadyTimeout,
		Log:          c.cfg.LoggerConfig().File,
	}
	if ac.ReadyCommand != "" {
		app.ReadyProbes = append(app.ReadyProbes, detector.CommandDetector{Command: ac.ReadyCommand, WorkDir: ac.Folder})
	}
	if ac.ReadyPort {
		app.ReadyProbes = append(app.ReadyProbes, detector.PortDetector{Port: c.cfg.Port})
	}
	return app
}
