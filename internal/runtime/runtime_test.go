package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-worker-bridge/internal/contracts"
	"go-worker-bridge/internal/packages"
)

const boundApp = `
const dashboard = require("dashboard");
dashboard.extension({ sizing_mode: "stretch_width" });

const input = dashboard.textInput({ placeholder: "Enter PDB ID" });
const output = dashboard.bind(function (value) {
  if (!value) {
    return "Please specify a PDB ID.";
  }
  return { pdb: value };
}, input, "value");

dashboard.template({ title: "PDB", main: ["# Info", dashboard.column(input, output)] }).servable();
`

func newInstalledRuntime(t *testing.T, modules ...string) *Runtime {
	t.Helper()
	rt := New()
	for _, m := range modules {
		require.NoError(t, rt.Install(context.Background(), packages.Parse(m)))
	}
	return rt
}

func findModel(t *testing.T, snap *Snapshot, typ string) contracts.Model {
	t.Helper()
	for _, doc := range snap.DocsJSON {
		for _, m := range doc.Roots.References {
			if m.Type == typ {
				return m
			}
		}
	}
	t.Fatalf("no %s model in snapshot", typ)
	return contracts.Model{}
}

func TestRuntime_RequireBeforeInstallFails(t *testing.T) {
	rt := New()
	_, err := rt.Execute(context.Background(), AppConfig{Name: "app.js", Source: `require("dashboard");`})
	require.Error(t, err)

	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.False(t, rt.Installed("dashboard"))
}

func TestRuntime_ExecuteBuildsSnapshot(t *testing.T) {
	rt := newInstalledRuntime(t, "dashboard")
	snap, err := rt.Execute(context.Background(), AppConfig{Name: "app.js", Title: "initial", Source: boundApp})
	require.NoError(t, err)
	require.Len(t, snap.RootIDs, 1)

	tpl := findModel(t, snap, "Template")
	require.Equal(t, tpl.ID, snap.RootIDs[0])
	require.Equal(t, "PDB", snap.DocsJSON[snap.RenderItems[0].DocID].Title)
	require.Equal(t, "stretch_width", tpl.Attributes["sizing_mode"])

	md := findModel(t, snap, "Markdown")
	require.Contains(t, md.Attributes["html"], "<h1")
}

func TestRuntime_HostPatchIsNotEchoedButReactionsAre(t *testing.T) {
	rt := newInstalledRuntime(t, "dashboard")
	snap, err := rt.Execute(context.Background(), AppConfig{Source: boundApp})
	require.NoError(t, err)
	input := findModel(t, snap, "TextInput")

	var mu sync.Mutex
	var out []json.RawMessage
	rt.Link("js", func(patch json.RawMessage, _ [][]byte) {
		mu.Lock()
		out = append(out, patch)
		mu.Unlock()
	})

	patch := `[{"op":"replace","path":"/models/` + input.ID + `/attributes/value","value":"4WSQ"}]`
	require.NoError(t, rt.ApplyPatch(context.Background(), []byte(patch), "js"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, out)
	for _, p := range out {
		require.NotContains(t, string(p), `"path":"/models/`+input.ID+`/attributes/value"`)
	}
	joined := ""
	for _, p := range out {
		joined += string(p)
	}
	require.Contains(t, joined, `"pdb":"4WSQ"`)
}

func TestRuntime_ExecutionErrorSummary(t *testing.T) {
	rt := New()
	_, err := rt.Execute(context.Background(), AppConfig{Name: "boom.js", Source: `
function fail() { throw new TypeError("bad thing"); }
fail();
`})
	require.Error(t, err)
	require.Equal(t, "TypeError: bad thing", Summary(err))

	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.NotEmpty(t, ee.Frames)
	require.True(t, strings.HasSuffix(err.Error(), "\n"))
}

func TestRuntime_RejectedPromiseFails(t *testing.T) {
	rt := New()
	_, err := rt.Execute(context.Background(), AppConfig{Source: `
(async function () { throw new Error("async failure"); })();
`})
	require.Error(t, err)
	require.Equal(t, "Error: async failure", Summary(err))
}

func TestRuntime_ContextCancelInterruptsScript(t *testing.T) {
	rt := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rt.Execute(ctx, AppConfig{Source: `while (true) {}`})
	require.Error(t, err)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "InterruptedError", ee.Name)
}

func TestRuntime_RequestsModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("pdb-codes")
		if code == "BAD" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`["error", "unknown code"]`))
			return
		}
		_, _ = w.Write([]byte(`[{"pdb": "` + code + `", "kinase": "EGFR"}]`))
	}))
	defer srv.Close()

	rt := New(WithHTTPClient(srv.Client()))
	require.NoError(t, rt.Install(context.Background(), packages.Parse("requests")))
	require.NoError(t, rt.Install(context.Background(), packages.Parse("dashboard")))

	snap, err := rt.Execute(context.Background(), AppConfig{Source: `
const requests = require("requests");
const dashboard = require("dashboard");
const ok = requests.get("` + srv.URL + `/api", { params: { "pdb-codes": "4WSQ" } });
const bad = requests.get("` + srv.URL + `/api", { params: { "pdb-codes": "BAD" } });
dashboard.json({ kinase: ok.json()[0].kinase, status: bad.status_code, detail: bad.json()[1] }).servable();
`})
	require.NoError(t, err)

	pane := findModel(t, snap, "JSON")
	require.Equal(t, map[string]any{"kinase": "EGFR", "status": float64(400), "detail": "unknown code"}, pane.Attributes["object"])
}

func TestRuntime_SourcePackageFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.js"), []byte(`exports.greet = function (n) { return "hi " + n; };`), 0o644))

	resolver := packages.NewResolver(packages.WithBuiltins(Builtins...), packages.WithPackageDir(dir))
	rt := New(WithResolver(resolver))
	require.NoError(t, rt.Install(context.Background(), packages.Parse("greet")))
	require.NoError(t, rt.Install(context.Background(), packages.Parse("dashboard")))

	snap, err := rt.Execute(context.Background(), AppConfig{Source: `
const dashboard = require("dashboard");
dashboard.markdown(require("greet").greet("there")).servable();
`})
	require.NoError(t, err)
	require.Equal(t, "hi there", findModel(t, snap, "Markdown").Attributes["text"])
}

func TestRuntime_UpdateLocation(t *testing.T) {
	rt := newInstalledRuntime(t, "dashboard")
	_, err := rt.Execute(context.Background(), AppConfig{Location: true, Source: `
const dashboard = require("dashboard");
const pane = dashboard.markdown("").servable();
dashboard.onLocation("search", function (search) { pane.set("text", "search=" + search); });
`})
	require.NoError(t, err)

	applied, err := rt.UpdateLocation(context.Background(), map[string]any{"search": "?x=1", "unknown": "y"})
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, applied)

	loc := rt.Document().Location()
	require.Equal(t, "?x=1", loc.Get("search"))
	require.True(t, loc.Readonly())

	_, _, roots := rt.Document().Snapshot()
	text, err := rt.Document().Get(roots[0], "text")
	require.NoError(t, err)
	require.Equal(t, "search=?x=1", text)
}

func TestRuntime_UpdateLocationWithoutModelIsNoop(t *testing.T) {
	rt := New()
	applied, err := rt.UpdateLocation(context.Background(), map[string]any{"search": "?x=1"})
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestRuntime_ScriptCannotWriteLocation(t *testing.T) {
	rt := newInstalledRuntime(t, "dashboard")
	_, err := rt.Execute(context.Background(), AppConfig{Location: true, Source: `
require("dashboard").location.set("search", "?x=2");
`})
	require.Error(t, err)
	require.Contains(t, Summary(err), "read-only")
}

func TestRuntime_BundledComponents(t *testing.T) {
	rt := newInstalledRuntime(t, "dashboard", "vue-components")
	snap, err := rt.Execute(context.Background(), AppConfig{Source: `
const vue = require("vue-components");
vue.PDBInput({ height: 90 }).servable();
`})
	require.NoError(t, err)
	input := findModel(t, snap, "TextInput")
	require.Equal(t, "Enter PDB ID", input.Attributes["placeholder"])
	require.Equal(t, "Retrieve PDB metadata", input.Attributes["button"])

	rt = newInstalledRuntime(t, "dashboard", "vue-components")
	snap, err = rt.Execute(context.Background(), AppConfig{Source: `
const vue = require("vue-components");
vue.BasicVueComponent({ text: "Hi from the bridge", height: 60 }).servable();
`})
	require.NoError(t, err)
	box := findModel(t, snap, "HTML")
	require.Contains(t, box.Attributes["html"], "Hi from the bridge")
	require.Contains(t, box.Attributes["html"], "#0072B5")
	require.Equal(t, float64(60), box.Attributes["height"])
}

func TestRuntime_TemplateMainMustBeArray(t *testing.T) {
	rt := newInstalledRuntime(t, "dashboard")
	var err error
	require.NotPanics(t, func() {
		_, err = rt.Execute(context.Background(), AppConfig{Source: `
const d = require("dashboard");
d.template({ title: "x", main: {} }).servable();
`})
	})
	require.Error(t, err)
	require.Equal(t, "TypeError: template main must be an array", Summary(err))
}

func TestRuntime_NativePanicBecomesExecutionError(t *testing.T) {
	rt := New()
	var err error
	require.NotPanics(t, func() {
		err = rt.withContext(context.Background(), func() error {
			var m map[string]int
			m["boom"] = 1
			return nil
		})
	})
	require.Error(t, err)

	ee := newExecutionError("app.js", err)
	require.Contains(t, Summary(ee), "native module panic")
}

func TestRuntime_SyntaxErrorSummaryNamesOnce(t *testing.T) {
	rt := New()
	_, err := rt.Execute(context.Background(), AppConfig{Name: "app.js", Source: `this is not ) javascript`})
	require.Error(t, err)

	summary := Summary(err)
	require.True(t, strings.HasPrefix(summary, "SyntaxError: "), summary)
	require.NotContains(t, summary, "SyntaxError: SyntaxError")
}

func TestRuntime_BrokenSourcePackageFailsInstall(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.js"), []byte(`this is not ) javascript`), 0o644))

	resolver := packages.NewResolver(packages.WithBuiltins(Builtins...), packages.WithPackageDir(dir))
	rt := New(WithResolver(resolver))
	err := rt.Install(context.Background(), packages.Parse("broken"))
	require.Error(t, err)
	require.False(t, rt.Installed("broken"))

	require.NoError(t, rt.Install(context.Background(), packages.Parse("dashboard")))
	require.True(t, rt.Installed("dashboard"))
}

func TestSummary(t *testing.T) {
	require.Equal(t, "", Summary(nil))
	require.Equal(t, "b", Summary(stringError("a\nb\n")))
	require.Equal(t, "single", Summary(stringError("single")))
}

type stringError string

func (e stringError) Error() string { return string(e) }
