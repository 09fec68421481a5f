package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

const maxResponseSize = 16 << 20

// loadRequests is the native "requests" module: a blocking HTTP client
// modelled on the Python library of the same name.
func (r *Runtime) loadRequests(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	methods := []struct{ name, method string }{
		{"get", http.MethodGet},
		{"post", http.MethodPost},
		{"put", http.MethodPut},
		{"delete", http.MethodDelete},
	}
	for _, m := range methods {
		method := m.method
		if err := exports.Set(m.name, func(call goja.FunctionCall) goja.Value {
			resp, err := r.doRequest(method, call.Argument(0).String(), exportOptions(call.Argument(1)))
			if err != nil {
				panic(asJSError(vm, err))
			}
			return responseObject(vm, resp)
		}); err != nil {
			panic(vm.NewGoError(err))
		}
	}
}

type httpResponse struct {
	StatusCode int
	URL        string
	Body       []byte
	Headers    map[string]string
}

func exportOptions(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	opts, _ := v.Export().(map[string]any)
	return opts
}

func (r *Runtime) doRequest(method, rawURL string, opts map[string]any) (*httpResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "requests: parse url %q", rawURL)
	}
	if params, ok := opts["params"].(map[string]any); ok {
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if payload, ok := opts["json"]; ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "requests: encode json body")
		}
		body = bytes.NewReader(b)
	} else if data, ok := opts["data"].(string); ok {
		body = bytes.NewReader([]byte(data))
	}

	req, err := http.NewRequestWithContext(r.callCtx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "requests: build %s %s", method, u)
	}
	if _, ok := opts["json"]; ok {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := opts["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "requests: %s %s", method, u)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrapf(err, "requests: read %s", u)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	r.logger.Debug().Str("method", method).Str("url", u.String()).Int("status", resp.StatusCode).Msg("script request")
	return &httpResponse{StatusCode: resp.StatusCode, URL: u.String(), Body: b, Headers: headers}, nil
}

func responseObject(vm *goja.Runtime, resp *httpResponse) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("status_code", resp.StatusCode)
	_ = obj.Set("ok", resp.StatusCode < 400)
	_ = obj.Set("url", resp.URL)
	_ = obj.Set("text", string(resp.Body))
	_ = obj.Set("headers", resp.Headers)
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		var v any
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			panic(vm.NewGoError(errors.Wrapf(err, "requests: decode json from %s", resp.URL)))
		}
		return vm.ToValue(v)
	})
	return obj
}
