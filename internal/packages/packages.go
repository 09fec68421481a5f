// Package packages turns configured dependency specs into loadable module
// sources for the embedded runtime.
package packages

import (
	"context"
	"embed"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrUnknownPackage is returned when a dependency resolves to nothing.
var ErrUnknownPackage = errors.New("unknown package")

const maxPackageSize = 8 << 20

//go:embed bundled/*.js
var bundled embed.FS

// Dependency is one entry of the startup install list.
type Dependency struct {
	// Spec is the entry as configured.
	Spec string
	// Name is what status messages show.
	Name string
	// Module is the name scripts pass to require.
	Module string
	// Version is the pinned version, if any.
	Version string
	// URL is set for dependencies fetched over HTTP.
	URL string
}

// Package is a resolved dependency ready to be loaded.
type Package struct {
	Module  string
	Version string
	Origin  string
	// Builtin packages are provided natively by the runtime and carry no source.
	Builtin bool
	Source  []byte
}

// Parse derives the display and module names of a dependency spec.
// Wheel-style archives ("name-1.0-py3-none-any.whl") are named after the
// part of their basename before the first dash.
func Parse(spec string) Dependency {
	spec = strings.TrimSpace(spec)
	dep := Dependency{Spec: spec, Name: spec, Module: spec}

	if strings.Contains(spec, "://") {
		dep.URL = spec
	}

	base := spec
	if dep.URL != "" {
		if u, err := url.Parse(spec); err == nil {
			base = path.Base(u.Path)
		}
	} else {
		base = path.Base(spec)
	}

	switch {
	case strings.HasSuffix(base, ".whl"):
		name := strings.SplitN(strings.TrimSuffix(base, ".whl"), "-", 2)[0]
		dep.Name = name
		dep.Module = name
	case dep.URL != "":
		dep.Module = strings.TrimSuffix(base, path.Ext(base))
	case strings.Contains(spec, "=="):
		parts := strings.SplitN(spec, "==", 2)
		dep.Module = strings.TrimSpace(parts[0])
		dep.Version = strings.TrimSpace(parts[1])
	}
	return dep
}

func ParseAll(specs []string) []Dependency {
	deps := make([]Dependency, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		deps = append(deps, Parse(s))
	}
	return deps
}

// Resolver locates package sources. Lookup order is URL, builtin, bundled,
// then the local package directory.
type Resolver struct {
	client   *http.Client
	dir      string
	builtins map[string]bool
}

type ResolverOption func(*Resolver)

// WithPackageDir makes <dir>/<module>.js files installable by name.
func WithPackageDir(dir string) ResolverOption {
	return func(r *Resolver) {
		r.dir = dir
	}
}

func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithBuiltins registers module names that the runtime provides natively.
func WithBuiltins(names ...string) ResolverOption {
	return func(r *Resolver) {
		for _, n := range names {
			r.builtins[n] = true
		}
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:   &http.Client{Timeout: 30 * time.Second},
		builtins: map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, dep Dependency) (*Package, error) {
	if dep.URL != "" {
		src, err := r.fetch(ctx, dep.URL)
		if err != nil {
			return nil, err
		}
		return &Package{Module: dep.Module, Version: dep.Version, Origin: dep.URL, Source: src}, nil
	}

	if r.builtins[dep.Module] {
		return &Package{Module: dep.Module, Version: dep.Version, Origin: "builtin", Builtin: true}, nil
	}

	if src, err := bundled.ReadFile("bundled/" + dep.Module + ".js"); err == nil {
		return &Package{Module: dep.Module, Version: dep.Version, Origin: "bundled", Source: src}, nil
	}

	if r.dir != "" {
		p := filepath.Join(r.dir, dep.Module+".js")
		src, err := os.ReadFile(p)
		if err == nil {
			return &Package{Module: dep.Module, Version: dep.Version, Origin: p, Source: src}, nil
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "packages: read %s", p)
		}
	}

	return nil, errors.Wrapf(ErrUnknownPackage, "packages: %s", dep.Spec)
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "packages: build request for %s", rawURL)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "packages: fetch %s", rawURL)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("packages: fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "packages: read %s", rawURL)
	}
	if len(body) > maxPackageSize {
		return nil, errors.Errorf("packages: %s exceeds %d bytes", rawURL, maxPackageSize)
	}
	log.Debug().Str("component", "packages").Str("url", rawURL).Int("bytes", len(body)).Msg("fetched package")
	return body, nil
}
