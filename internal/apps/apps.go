// Package apps bundles the application scripts the bridge can run without an
// external script file.
package apps

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"go-worker-bridge/internal/runtime"
)

//go:embed pdb_input.js
var pdbInputSource string

const (
	// PDBInput is the default application: a KLIFS PDB metadata lookup.
	PDBInput = "pdb-input"
)

var builtin = map[string]runtime.AppConfig{
	PDBInput: {
		Name:     "pdb_input.js",
		Title:    "Custom PDB Input Component using Vue.js",
		Source:   pdbInputSource,
		Location: true,
	},
}

// Names lists the bundled applications.
func Names() []string {
	return []string{PDBInput}
}

// Lookup returns a bundled application by name.
func Lookup(name string) (runtime.AppConfig, bool) {
	app, ok := builtin[name]
	return app, ok
}

// Load builds the application config from a script path, or from a bundled
// application when path is empty. title and location override the defaults.
func Load(name, path, title string, location bool) (runtime.AppConfig, error) {
	if strings.TrimSpace(path) == "" {
		app, ok := Lookup(name)
		if !ok {
			return runtime.AppConfig{}, errors.Errorf("apps: unknown application %q", name)
		}
		if title != "" {
			app.Title = title
		}
		app.Location = location
		return app, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return runtime.AppConfig{}, errors.Wrapf(err, "apps: read script %q", path)
	}
	return runtime.AppConfig{
		Name:     filepath.Base(path),
		Title:    title,
		Source:   string(src),
		Location: location,
	}, nil
}
