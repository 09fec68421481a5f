// Package document holds the live dashboard state that the embedded runtime
// builds and that host patches are applied to.
package document

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"

	"go-worker-bridge/internal/contracts"
)

// Version is reported in serialized snapshots.
const Version = "1.0.0"

// Model is a single node of the document tree.
type Model struct {
	ID    string
	Type  string
	Attrs map[string]any
}

// Event describes one applied change. Patch is a JSON patch (RFC 6902)
// against the serialized state, Setter is the origin tag of the change.
type Event struct {
	Patch  json.RawMessage
	Setter string
}

// Listener observes every change applied to a document.
type Listener func(Event)

// Watcher observes a single model attribute.
type Watcher func(old, new any, setter string)

type watchKey struct {
	id   string
	attr string
}

type stateJSON struct {
	Models map[string]modelJSON `json:"models"`
	Roots  []string             `json:"roots"`
}

type modelJSON struct {
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

type attrChange struct {
	key      watchKey
	old, new any
}

// Document is the mutable model graph shared by the runtime and the host.
// Callbacks run on the caller's goroutine after the internal lock is released.
type Document struct {
	mu sync.Mutex

	id     string
	title  string
	nextID int

	models map[string]*Model
	order  []string
	roots  []string

	location *Location

	listenerSeq int
	listeners   map[int]Listener
	watcherSeq  int
	watchers    map[watchKey]map[int]Watcher
}

func New(id string) *Document {
	return &Document{
		id:        id,
		nextID:    1000,
		models:    map[string]*Model{},
		listeners: map[int]Listener{},
		watchers:  map[watchKey]map[int]Watcher{},
	}
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title
}

func (d *Document) SetTitle(title string) {
	d.mu.Lock()
	d.title = title
	d.mu.Unlock()
}

// EnableLocation attaches a location model to the document. Calling it again
// returns the existing model.
func (d *Document) EnableLocation() *Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.location == nil {
		d.location = NewLocation()
	}
	return d.location
}

// Location returns the location model, or nil when the app did not enable one.
func (d *Document) Location() *Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location
}

// AddModel creates a model and announces it to listeners as an add operation.
func (d *Document) AddModel(typ string, attrs map[string]any) (*Model, error) {
	normalized := map[string]any{}
	for k, v := range attrs {
		nv, err := normalize(v)
		if err != nil {
			return nil, errors.Wrapf(err, "document: attribute %q of %s", k, typ)
		}
		normalized[k] = nv
	}

	d.mu.Lock()
	d.nextID++
	m := &Model{ID: fmt.Sprintf("p%d", d.nextID), Type: typ, Attrs: normalized}
	d.models[m.ID] = m
	d.order = append(d.order, m.ID)
	patch, err := json.Marshal([]map[string]any{{
		"op":    "add",
		"path":  "/models/" + escapePointer(m.ID),
		"value": modelJSON{Type: m.Type, Attributes: copyAttrs(m.Attrs)},
	}})
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "document: encode add patch")
	}

	d.notify(Event{Patch: patch}, nil)
	return m, nil
}

// AddRoot marks an existing model as a document root.
func (d *Document) AddRoot(id string) error {
	d.mu.Lock()
	if _, ok := d.models[id]; !ok {
		d.mu.Unlock()
		return errors.Errorf("document: unknown model %q", id)
	}
	for _, r := range d.roots {
		if r == id {
			d.mu.Unlock()
			return nil
		}
	}
	d.roots = append(d.roots, id)
	d.mu.Unlock()
	return nil
}

func (d *Document) Roots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.roots...)
}

// Get returns a copy of an attribute value.
func (d *Document) Get(id, attr string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.models[id]
	if !ok {
		return nil, errors.Errorf("document: unknown model %q", id)
	}
	return m.Attrs[attr], nil
}

// Set changes one attribute. Setting an equal value is a no-op.
func (d *Document) Set(id, attr string, value any, setter string) error {
	nv, err := normalize(value)
	if err != nil {
		return errors.Wrapf(err, "document: attribute %q", attr)
	}

	d.mu.Lock()
	m, ok := d.models[id]
	if !ok {
		d.mu.Unlock()
		return errors.Errorf("document: unknown model %q", id)
	}
	old, existed := m.Attrs[attr]
	if existed && reflect.DeepEqual(old, nv) {
		d.mu.Unlock()
		return nil
	}
	m.Attrs[attr] = nv
	op := "replace"
	if !existed {
		op = "add"
	}
	patch, err := json.Marshal([]map[string]any{{
		"op":    op,
		"path":  attributePath(id, attr),
		"value": nv,
	}})
	d.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "document: encode patch")
	}

	d.notify(Event{Patch: patch, Setter: setter}, []attrChange{{key: watchKey{id, attr}, old: old, new: nv}})
	return nil
}

// ApplyJSONPatch applies a JSON patch produced by the host. Listeners receive
// the patch tagged with setter so the originating side can skip the echo.
func (d *Document) ApplyJSONPatch(raw []byte, setter string) error {
	ops, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return errors.Wrap(err, "document: decode patch")
	}

	d.mu.Lock()
	state, err := json.Marshal(d.stateLocked())
	if err != nil {
		d.mu.Unlock()
		return errors.Wrap(err, "document: encode state")
	}
	out, err := ops.Apply(state)
	if err != nil {
		d.mu.Unlock()
		return errors.Wrap(err, "document: apply patch")
	}
	var next stateJSON
	if err := json.Unmarshal(out, &next); err != nil {
		d.mu.Unlock()
		return errors.Wrap(err, "document: decode patched state")
	}
	changes := d.replaceStateLocked(next)
	d.mu.Unlock()

	d.notify(Event{Patch: json.RawMessage(raw), Setter: setter}, changes)
	return nil
}

// Listen registers a change listener and returns its removal function.
func (d *Document) Listen(fn Listener) func() {
	d.mu.Lock()
	d.listenerSeq++
	id := d.listenerSeq
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Watch registers a watcher on one model attribute.
func (d *Document) Watch(id, attr string, fn Watcher) func() {
	key := watchKey{id, attr}
	d.mu.Lock()
	d.watcherSeq++
	seq := d.watcherSeq
	if d.watchers[key] == nil {
		d.watchers[key] = map[int]Watcher{}
	}
	d.watchers[key][seq] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.watchers[key], seq)
		d.mu.Unlock()
	}
}

// Snapshot serializes the document the way the host expects it on first render.
func (d *Document) Snapshot() (map[string]contracts.DocJSON, []contracts.RenderItem, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	refs := make([]contracts.Model, 0, len(d.order))
	for _, id := range d.order {
		m := d.models[id]
		refs = append(refs, contracts.Model{ID: m.ID, Type: m.Type, Attributes: copyAttrs(m.Attrs)})
	}
	rootIDs := append([]string(nil), d.roots...)
	roots := make(map[string]string, len(rootIDs))
	for _, id := range rootIDs {
		roots[id] = id
	}

	docs := map[string]contracts.DocJSON{
		d.id: {
			Title:   d.title,
			Version: Version,
			Roots:   contracts.DocRoots{References: refs, RootIDs: rootIDs},
		},
	}
	items := []contracts.RenderItem{{DocID: d.id, Roots: roots, RootIDs: rootIDs}}
	return docs, items, append([]string(nil), rootIDs...)
}

func (d *Document) stateLocked() stateJSON {
	s := stateJSON{Models: make(map[string]modelJSON, len(d.models)), Roots: append([]string{}, d.roots...)}
	for id, m := range d.models {
		s.Models[id] = modelJSON{Type: m.Type, Attributes: copyAttrs(m.Attrs)}
	}
	return s
}

// replaceStateLocked swaps in a patched state and reports the attribute
// changes on models that existed before and after.
func (d *Document) replaceStateLocked(next stateJSON) []attrChange {
	var changes []attrChange

	ids := make([]string, 0, len(next.Models))
	for id := range next.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		nm := next.Models[id]
		if nm.Attributes == nil {
			nm.Attributes = map[string]any{}
		}
		cur, ok := d.models[id]
		if !ok {
			d.models[id] = &Model{ID: id, Type: nm.Type, Attrs: nm.Attributes}
			d.order = append(d.order, id)
			continue
		}
		attrs := make([]string, 0, len(nm.Attributes))
		for attr := range nm.Attributes {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)
		for _, attr := range attrs {
			nv := nm.Attributes[attr]
			if ov, had := cur.Attrs[attr]; !had || !reflect.DeepEqual(ov, nv) {
				changes = append(changes, attrChange{key: watchKey{id, attr}, old: ov, new: nv})
			}
		}
		cur.Attrs = nm.Attributes
	}

	kept := d.order[:0]
	for _, id := range d.order {
		if _, ok := next.Models[id]; ok {
			kept = append(kept, id)
		} else {
			delete(d.models, id)
		}
	}
	d.order = kept
	d.roots = next.Roots
	return changes
}

func (d *Document) notify(ev Event, changes []attrChange) {
	d.mu.Lock()
	type pending struct {
		fn     Watcher
		change attrChange
	}
	var calls []pending
	for _, c := range changes {
		seqs := make([]int, 0, len(d.watchers[c.key]))
		for seq := range d.watchers[c.key] {
			seqs = append(seqs, seq)
		}
		sort.Ints(seqs)
		for _, seq := range seqs {
			calls = append(calls, pending{fn: d.watchers[c.key][seq], change: c})
		}
	}
	seqs := make([]int, 0, len(d.listeners))
	for seq := range d.listeners {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	listeners := make([]Listener, 0, len(seqs))
	for _, seq := range seqs {
		listeners = append(listeners, d.listeners[seq])
	}
	d.mu.Unlock()

	// Listeners see the triggering change before anything its watchers cause.
	for _, fn := range listeners {
		fn(ev)
	}
	for _, p := range calls {
		p.fn(p.change.old, p.change.new, ev.Setter)
	}
}

func attributePath(id, attr string) string {
	return "/models/" + escapePointer(id) + "/attributes/" + escapePointer(attr)
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}

// normalize round-trips a value through JSON so stored attributes compare
// equal to values decoded from host patches.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
