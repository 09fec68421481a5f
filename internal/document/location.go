package document

import (
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrReadonly is returned when the location model is written outside
// EditReadonly.
var ErrReadonly = errors.New("location is read-only")

// LocationParams are the keys the location model recognizes.
var LocationParams = []string{"href", "hostname", "pathname", "protocol", "port", "search", "hash", "reload"}

// Location mirrors the host page URL. It is read-only to application code;
// only host updates lift the restriction.
type Location struct {
	mu       sync.Mutex
	values   map[string]any
	readonly bool

	watchers map[string][]func(old, new any)
}

func NewLocation() *Location {
	values := make(map[string]any, len(LocationParams))
	for _, k := range LocationParams {
		values[k] = ""
	}
	values["reload"] = false
	return &Location{values: values, readonly: true, watchers: map[string][]func(old, new any){}}
}

// Has reports whether key is a recognized location parameter.
func (l *Location) Has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.values[key]
	return ok
}

func (l *Location) Get(key string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values[key]
}

// Values returns a copy of all parameters.
func (l *Location) Values() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyAttrs(l.values)
}

func (l *Location) Readonly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readonly
}

// Update applies the recognized keys of values and silently drops the rest.
// It returns the keys that were applied, sorted.
func (l *Location) Update(values map[string]any) ([]string, error) {
	type fired struct {
		fn       func(old, new any)
		old, new any
	}

	l.mu.Lock()
	if l.readonly {
		l.mu.Unlock()
		return nil, ErrReadonly
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if _, ok := l.values[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var calls []fired
	for _, k := range keys {
		old := l.values[k]
		nv, err := normalize(values[k])
		if err != nil {
			l.mu.Unlock()
			return nil, errors.Wrapf(err, "location: %s", k)
		}
		if reflect.DeepEqual(old, nv) {
			continue
		}
		l.values[k] = nv
		for _, fn := range l.watchers[k] {
			calls = append(calls, fired{fn: fn, old: old, new: nv})
		}
	}
	l.mu.Unlock()

	for _, c := range calls {
		c.fn(c.old, c.new)
	}
	return keys, nil
}

// EditReadonly lifts the read-only restriction for the duration of fn and
// restores the previous state afterwards, including when fn fails or panics.
func (l *Location) EditReadonly(fn func() error) error {
	l.mu.Lock()
	prev := l.readonly
	l.readonly = false
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.readonly = prev
		l.mu.Unlock()
	}()

	return fn()
}

// Watch calls fn whenever key changes.
func (l *Location) Watch(key string, fn func(old, new any)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.values[key]; !ok {
		return errors.Errorf("location: unknown parameter %q", key)
	}
	l.watchers[key] = append(l.watchers[key], fn)
	return nil
}
