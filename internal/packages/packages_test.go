package packages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		spec    string
		name    string
		module  string
		version string
		url     bool
	}{
		{spec: "pkgA", name: "pkgA", module: "pkgA"},
		{spec: "bad.whl", name: "bad", module: "bad"},
		{spec: "https://cdn.example.com/dist/wheels/panel-0.14.4-py3-none-any.whl", name: "panel", module: "panel", url: true},
		{spec: "https://cdn.example.com/js/vue-helpers.js", name: "https://cdn.example.com/js/vue-helpers.js", module: "vue-helpers", url: true},
		{spec: "pyodide-http==0.1.0", name: "pyodide-http==0.1.0", module: "pyodide-http", version: "0.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			dep := Parse(tt.spec)
			require.Equal(t, tt.name, dep.Name)
			require.Equal(t, tt.module, dep.Module)
			require.Equal(t, tt.version, dep.Version)
			require.Equal(t, tt.url, dep.URL != "")
		})
	}
}

func TestParseAllSkipsBlank(t *testing.T) {
	deps := ParseAll([]string{"a", " ", "b"})
	require.Len(t, deps, 2)
	require.Equal(t, "b", deps[1].Name)
}

func TestResolver_BuiltinBundledAndDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.js"), []byte("exports.x = 1;"), 0o644))

	r := NewResolver(WithBuiltins("dashboard"), WithPackageDir(dir))
	ctx := context.Background()

	p, err := r.Resolve(ctx, Parse("dashboard"))
	require.NoError(t, err)
	require.True(t, p.Builtin)

	p, err = r.Resolve(ctx, Parse("vue-components"))
	require.NoError(t, err)
	require.Equal(t, "bundled", p.Origin)
	require.Contains(t, string(p.Source), "PDBInput")

	p, err = r.Resolve(ctx, Parse("local"))
	require.NoError(t, err)
	require.Equal(t, "exports.x = 1;", string(p.Source))

	_, err = r.Resolve(ctx, Parse("bad.whl"))
	require.ErrorIs(t, err, ErrUnknownPackage)
}

func TestResolver_FetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("exports.remote = true;"))
	}))
	defer srv.Close()

	r := NewResolver(WithHTTPClient(srv.Client()))
	p, err := r.Resolve(context.Background(), Parse(srv.URL+"/remote.js"))
	require.NoError(t, err)
	require.Equal(t, "remote", p.Module)
	require.Equal(t, "exports.remote = true;", string(p.Source))

	_, err = r.Resolve(context.Background(), Parse(srv.URL+"/missing.js"))
	require.Error(t, err)
}
