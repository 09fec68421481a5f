package apps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go-worker-bridge/internal/packages"
	"go-worker-bridge/internal/runtime"
)

func TestLoad(t *testing.T) {
	app, err := Load(PDBInput, "", "", true)
	require.NoError(t, err)
	require.Equal(t, "pdb_input.js", app.Name)
	require.True(t, app.Location)
	require.Contains(t, app.Source, "structures_pdb_list")

	_, err = Load("nope", "", "", false)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "custom.js")
	require.NoError(t, os.WriteFile(path, []byte("1;"), 0o644))
	app, err = Load("", path, "Custom", false)
	require.NoError(t, err)
	require.Equal(t, "custom.js", app.Name)
	require.Equal(t, "Custom", app.Title)
}

func TestPDBInputRendersWithoutNetwork(t *testing.T) {
	rt := runtime.New()
	for _, dep := range packages.ParseAll([]string{"dashboard", "requests", "vue-components"}) {
		require.NoError(t, rt.Install(context.Background(), dep))
	}

	app, err := Load(PDBInput, "", "", true)
	require.NoError(t, err)

	// the bound pane only hits the network once a PDB id is set
	snap, err := rt.Execute(context.Background(), app)
	require.NoError(t, err)
	require.Len(t, snap.RootIDs, 1)

	var texts []any
	for _, doc := range snap.DocsJSON {
		require.Equal(t, "Custom PDB Input Component using Vue.js", doc.Title)
		for _, m := range doc.Roots.References {
			if m.Type == "Markdown" {
				texts = append(texts, m.Attributes["text"])
			}
		}
	}
	require.Contains(t, texts, "Please specify a PDB ID.")
}
