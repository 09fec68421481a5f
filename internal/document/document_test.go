package document

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDocument_SetEmitsReplacePatch(t *testing.T) {
	doc := New("doc-1")
	m, err := doc.AddModel("TextInput", map[string]any{"value": ""})
	require.NoError(t, err)

	var events []Event
	doc.Listen(func(ev Event) { events = append(events, ev) })

	require.NoError(t, doc.Set(m.ID, "value", "4WSQ", ""))
	require.Len(t, events, 1)

	var ops []map[string]any
	require.NoError(t, json.Unmarshal(events[0].Patch, &ops))
	require.Equal(t, "replace", ops[0]["op"])
	require.Equal(t, "/models/"+m.ID+"/attributes/value", ops[0]["path"])
	require.Equal(t, "4WSQ", ops[0]["value"])

	// equal value is not a change
	require.NoError(t, doc.Set(m.ID, "value", "4WSQ", ""))
	require.Len(t, events, 1)
}

func TestDocument_ApplyJSONPatchTagsSetterAndFiresWatchers(t *testing.T) {
	doc := New("doc-1")
	in, err := doc.AddModel("TextInput", map[string]any{"value": ""})
	require.NoError(t, err)
	out, err := doc.AddModel("Markdown", map[string]any{"text": ""})
	require.NoError(t, err)

	// reacts to the host change by updating another model
	doc.Watch(in.ID, "value", func(_, nv any, setter string) {
		require.Equal(t, "js", setter)
		require.NoError(t, doc.Set(out.ID, "text", "got "+nv.(string), ""))
	})

	var setters []string
	doc.Listen(func(ev Event) { setters = append(setters, ev.Setter) })

	patch := `[{"op":"replace","path":"/models/` + in.ID + `/attributes/value","value":"2xyu"}]`
	require.NoError(t, doc.ApplyJSONPatch([]byte(patch), "js"))

	v, err := doc.Get(out.ID, "text")
	require.NoError(t, err)
	require.Equal(t, "got 2xyu", v)
	require.Equal(t, []string{"js", ""}, setters)
}

func TestDocument_ApplyJSONPatchRejectsMalformed(t *testing.T) {
	doc := New("doc-1")
	require.Error(t, doc.ApplyJSONPatch([]byte(`{not json`), "js"))
	require.Error(t, doc.ApplyJSONPatch([]byte(`[{"op":"replace","path":"/models/missing/attributes/x","value":1}]`), "js"))
}

func TestDocument_NumbersCompareAfterPatch(t *testing.T) {
	doc := New("doc-1")
	m, err := doc.AddModel("Slider", map[string]any{"value": 3})
	require.NoError(t, err)

	fired := 0
	doc.Watch(m.ID, "value", func(_, _ any, _ string) { fired++ })

	// same number, different Go type before normalization
	require.NoError(t, doc.ApplyJSONPatch([]byte(`[{"op":"replace","path":"/models/`+m.ID+`/attributes/value","value":3}]`), "js"))
	require.Equal(t, 0, fired)
}

func TestDocument_Snapshot(t *testing.T) {
	doc := New("doc-1")
	doc.SetTitle("Dashboard")
	a, err := doc.AddModel("Markdown", map[string]any{"text": "# hi"})
	require.NoError(t, err)
	_, err = doc.AddModel("JSON", map[string]any{"object": map[string]any{"a": 1}})
	require.NoError(t, err)
	require.NoError(t, doc.AddRoot(a.ID))
	require.Error(t, doc.AddRoot("nope"))

	docs, items, roots := doc.Snapshot()
	require.Equal(t, []string{a.ID}, roots)
	require.Len(t, items, 1)
	require.Equal(t, "doc-1", items[0].DocID)
	require.Equal(t, a.ID, items[0].Roots[a.ID])
	require.Equal(t, "Dashboard", docs["doc-1"].Title)
	require.Len(t, docs["doc-1"].Roots.References, 2)
}

func TestLocation_UpdateOnlyRecognizedKeys(t *testing.T) {
	loc := NewLocation()

	var applied []string
	err := loc.EditReadonly(func() error {
		var err error
		applied, err = loc.Update(map[string]any{"search": "?x=1", "unknown": "y"})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, applied)
	require.Equal(t, "?x=1", loc.Get("search"))
	require.False(t, loc.Has("unknown"))
	require.True(t, loc.Readonly())
}

func TestLocation_ReadonlyOutsideScope(t *testing.T) {
	loc := NewLocation()
	_, err := loc.Update(map[string]any{"hash": "#a"})
	require.ErrorIs(t, err, ErrReadonly)
}

func TestLocation_EditReadonlyRestoresOnFailure(t *testing.T) {
	loc := NewLocation()
	boom := errors.New("boom")

	err := loc.EditReadonly(func() error {
		require.False(t, loc.Readonly())
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, loc.Readonly())

	require.Panics(t, func() {
		_ = loc.EditReadonly(func() error { panic("bad") })
	})
	require.True(t, loc.Readonly())
}

func TestLocation_WatchFiresOnChange(t *testing.T) {
	loc := NewLocation()
	var got []any
	require.NoError(t, loc.Watch("search", func(_, nv any) { got = append(got, nv) }))
	require.Error(t, loc.Watch("nope", func(_, _ any) {}))

	require.NoError(t, loc.EditReadonly(func() error {
		_, err := loc.Update(map[string]any{"search": "?pdb=4WSQ"})
		return err
	}))
	require.Equal(t, []any{"?pdb=4WSQ"}, got)
}
