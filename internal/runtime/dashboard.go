package runtime

import (
	"strconv"

	"github.com/dop251/goja"

	"go-worker-bridge/internal/document"
)

const modelMarker = "__model__"

// dashboard is the native "dashboard" module: constructors for document
// models plus reactive bindings between them.
type dashboard struct {
	rt *Runtime
	vm *goja.Runtime
}

func (r *Runtime) loadDashboard(vm *goja.Runtime, module *goja.Object) {
	d := &dashboard{rt: r, vm: vm}
	exports := module.Get("exports").(*goja.Object)

	d.export(exports, "extension", d.extension)
	d.export(exports, "markdown", d.markdown)
	d.export(exports, "html", d.html)
	d.export(exports, "json", d.json)
	d.export(exports, "textInput", d.textInput)
	d.export(exports, "column", d.column)
	d.export(exports, "template", d.template)
	d.export(exports, "bind", d.bind)
	d.export(exports, "onLocation", d.onLocation)
	d.export(exports, "setTitle", func(call goja.FunctionCall) goja.Value {
		r.doc.SetTitle(call.Argument(0).String())
		return goja.Undefined()
	})

	if loc := r.doc.Location(); loc != nil {
		_ = exports.Set("location", d.locationObject(loc))
	} else {
		_ = exports.Set("location", goja.Null())
	}
}

func (d *dashboard) export(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	if err := obj.Set(name, fn); err != nil {
		panic(d.vm.NewGoError(err))
	}
}

func (d *dashboard) throw(err error) {
	panic(asJSError(d.vm, err))
}

// extension records defaults applied to every model created afterwards.
func (d *dashboard) extension(call goja.FunctionCall) goja.Value {
	for k, v := range d.options(call.Argument(0)) {
		d.rt.extensionDefaults[k] = v
	}
	return goja.Undefined()
}

func (d *dashboard) markdown(call goja.FunctionCall) goja.Value {
	text := ""
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		text = arg.String()
	}
	attrs, err := d.markdownAttrs(text)
	if err != nil {
		d.throw(err)
	}
	return d.handle(d.newModel("Markdown", attrs, call.Argument(1)))
}

func (d *dashboard) html(call goja.FunctionCall) goja.Value {
	return d.handle(d.newModel("HTML", map[string]any{"html": call.Argument(0).String()}, call.Argument(1)))
}

func (d *dashboard) json(call goja.FunctionCall) goja.Value {
	return d.handle(d.newModel("JSON", map[string]any{"object": call.Argument(0).Export()}, call.Argument(1)))
}

func (d *dashboard) textInput(call goja.FunctionCall) goja.Value {
	opts := d.options(call.Argument(0))
	attrs := map[string]any{"value": "", "placeholder": "", "button": "Submit"}
	for k, v := range opts {
		if v != nil {
			attrs[k] = v
		}
	}
	return d.handle(d.newModel("TextInput", attrs, goja.Undefined()))
}

func (d *dashboard) column(call goja.FunctionCall) goja.Value {
	children := make([]string, 0, len(call.Arguments))
	for _, arg := range call.Arguments {
		children = append(children, d.pane(arg))
	}
	return d.handle(d.newModel("Column", map[string]any{"children": children}, goja.Undefined()))
}

func (d *dashboard) template(call goja.FunctionCall) goja.Value {
	optsVal := call.Argument(0)
	attrs := map[string]any{"title": "", "site": "", "header_background": "#0072B5"}
	var main []string

	if obj, ok := optsVal.(*goja.Object); ok {
		for _, key := range obj.Keys() {
			v := obj.Get(key)
			if key == "main" {
				main = d.panes(v)
				continue
			}
			attrs[key] = v.Export()
		}
	}
	attrs["main"] = main
	if title, ok := attrs["title"].(string); ok && title != "" {
		d.rt.doc.SetTitle(title)
	}
	return d.handle(d.newModel("Template", attrs, goja.Undefined()))
}

// bind creates a pane whose content is fn(source[attr]), recomputed whenever
// that attribute changes.
func (d *dashboard) bind(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(d.vm.NewTypeError("bind(fn, handle, attr): fn must be a function"))
	}
	source, ok := d.modelID(call.Argument(1))
	if !ok {
		panic(d.vm.NewTypeError("bind(fn, handle, attr): handle must be a dashboard component"))
	}
	attr := call.Argument(2).String()
	doc := d.rt.doc

	holder := d.newModel("Column", map[string]any{"children": []string{}}, goja.Undefined())
	var inner *document.Model

	evaluate := func() (goja.Value, error) {
		v, err := doc.Get(source, attr)
		if err != nil {
			return nil, err
		}
		return fn(goja.Undefined(), d.vm.ToValue(v))
	}
	apply := func(res goja.Value) error {
		if id, ok := d.modelID(res); ok {
			inner = nil
			return doc.Set(holder.ID, "children", []string{id}, "")
		}
		typ, attrs, err := d.paneAttrs(res)
		if err != nil {
			return err
		}
		if inner != nil && inner.Type == typ {
			for k, v := range attrs {
				if err := doc.Set(inner.ID, k, v, ""); err != nil {
					return err
				}
			}
			return nil
		}
		m, err := doc.AddModel(typ, attrs)
		if err != nil {
			return err
		}
		inner = m
		return doc.Set(holder.ID, "children", []string{m.ID}, "")
	}

	res, err := evaluate()
	if err != nil {
		d.throw(err)
	}
	if err := apply(res); err != nil {
		d.throw(err)
	}

	doc.Watch(source, attr, func(_, _ any, _ string) {
		res, err := evaluate()
		if err == nil {
			err = apply(res)
		}
		if err != nil {
			d.rt.logger.Warn().Err(err).Str("model_id", source).Str("attr", attr).Msg("bound function failed; keeping previous output")
		}
	})
	return d.handle(holder)
}

func (d *dashboard) onLocation(call goja.FunctionCall) goja.Value {
	loc := d.rt.doc.Location()
	if loc == nil {
		return goja.Undefined()
	}
	d.watchLocation(loc, call.Argument(0).String(), call.Argument(1))
	return goja.Undefined()
}

func (d *dashboard) locationObject(loc *document.Location) *goja.Object {
	obj := d.vm.NewObject()
	d.export(obj, "get", func(call goja.FunctionCall) goja.Value {
		return d.vm.ToValue(loc.Get(call.Argument(0).String()))
	})
	d.export(obj, "values", func(goja.FunctionCall) goja.Value {
		return d.vm.ToValue(loc.Values())
	})
	d.export(obj, "set", func(call goja.FunctionCall) goja.Value {
		if _, err := loc.Update(map[string]any{call.Argument(0).String(): call.Argument(1).Export()}); err != nil {
			d.throw(err)
		}
		return goja.Undefined()
	})
	d.export(obj, "watch", func(call goja.FunctionCall) goja.Value {
		d.watchLocation(loc, call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	})
	return obj
}

func (d *dashboard) watchLocation(loc *document.Location, key string, cb goja.Value) {
	fn, ok := goja.AssertFunction(cb)
	if !ok {
		panic(d.vm.NewTypeError("location watch: callback must be a function"))
	}
	err := loc.Watch(key, func(old, nv any) {
		if _, err := fn(goja.Undefined(), d.vm.ToValue(nv), d.vm.ToValue(old)); err != nil {
			d.rt.logger.Warn().Err(err).Str("key", key).Msg("location watcher threw; continuing")
		}
	})
	if err != nil {
		d.throw(err)
	}
}

// handle wraps a model in the object scripts interact with.
func (d *dashboard) handle(m *document.Model) *goja.Object {
	doc := d.rt.doc
	obj := d.vm.NewObject()
	_ = obj.Set("id", m.ID)
	_ = obj.Set("type", m.Type)
	_ = obj.DefineDataProperty(modelMarker, d.vm.ToValue(true), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)

	d.export(obj, "get", func(call goja.FunctionCall) goja.Value {
		v, err := doc.Get(m.ID, call.Argument(0).String())
		if err != nil {
			d.throw(err)
		}
		return d.vm.ToValue(v)
	})
	d.export(obj, "set", func(call goja.FunctionCall) goja.Value {
		if err := d.setAttr(m, call.Argument(0).String(), call.Argument(1).Export()); err != nil {
			d.throw(err)
		}
		return obj
	})
	d.export(obj, "watch", func(call goja.FunctionCall) goja.Value {
		attr := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(d.vm.NewTypeError("watch(attr, fn): fn must be a function"))
		}
		doc.Watch(m.ID, attr, func(old, nv any, _ string) {
			if _, err := fn(goja.Undefined(), d.vm.ToValue(nv), d.vm.ToValue(old)); err != nil {
				d.rt.logger.Warn().Err(err).Str("model_id", m.ID).Str("attr", attr).Msg("watcher threw; continuing")
			}
		})
		return obj
	})
	d.export(obj, "servable", func(goja.FunctionCall) goja.Value {
		if err := doc.AddRoot(m.ID); err != nil {
			d.throw(err)
		}
		return obj
	})
	return obj
}

func (d *dashboard) setAttr(m *document.Model, attr string, value any) error {
	if m.Type == "Markdown" && attr == "text" {
		text, _ := value.(string)
		attrs, err := d.markdownAttrs(text)
		if err != nil {
			return err
		}
		if err := d.rt.doc.Set(m.ID, "text", attrs["text"], ""); err != nil {
			return err
		}
		return d.rt.doc.Set(m.ID, "html", attrs["html"], "")
	}
	return d.rt.doc.Set(m.ID, attr, value, "")
}

func (d *dashboard) newModel(typ string, attrs map[string]any, opts goja.Value) *document.Model {
	merged := make(map[string]any, len(attrs)+len(d.rt.extensionDefaults))
	for k, v := range d.rt.extensionDefaults {
		merged[k] = v
	}
	for k, v := range d.options(opts) {
		if v != nil {
			merged[k] = v
		}
	}
	for k, v := range attrs {
		merged[k] = v
	}
	m, err := d.rt.doc.AddModel(typ, merged)
	if err != nil {
		d.throw(err)
	}
	return m
}

func (d *dashboard) options(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	opts, _ := v.Export().(map[string]any)
	return opts
}

func (d *dashboard) markdownAttrs(text string) (map[string]any, error) {
	html, err := d.rt.renderer.Markdown(text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text, "html": html}, nil
}

// pane converts a script value to a model id, wrapping plain values.
func (d *dashboard) pane(v goja.Value) string {
	if id, ok := d.modelID(v); ok {
		return id
	}
	typ, attrs, err := d.paneAttrs(v)
	if err != nil {
		d.throw(err)
	}
	return d.newModel(typ, attrs, goja.Undefined()).ID
}

// panes converts an array of script values to model ids. A missing value
// means no panes; anything else that is not array-like is a TypeError.
func (d *dashboard) panes(v goja.Value) []string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		panic(d.vm.NewTypeError("template main must be an array"))
	}
	length := obj.Get("length")
	if length == nil || goja.IsUndefined(length) || goja.IsNull(length) {
		panic(d.vm.NewTypeError("template main must be an array"))
	}
	n := int(length.ToInteger())
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, d.pane(obj.Get(strconv.Itoa(i))))
	}
	return ids
}

// paneAttrs picks a pane type for a plain value: strings become markdown,
// everything else is shown as JSON.
func (d *dashboard) paneAttrs(v goja.Value) (string, map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		attrs, err := d.markdownAttrs("")
		return "Markdown", attrs, err
	}
	if s, ok := v.Export().(string); ok {
		attrs, err := d.markdownAttrs(s)
		return "Markdown", attrs, err
	}
	return "JSON", map[string]any{"object": v.Export()}, nil
}

func (d *dashboard) modelID(v goja.Value) (string, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return "", false
	}
	if marker := obj.Get(modelMarker); marker == nil || !marker.ToBoolean() {
		return "", false
	}
	return obj.Get("id").String(), true
}
