package runtime

import (
	"strings"

	"github.com/dop251/goja"
)

// ExecutionError is a script failure formatted as a traceback. The line
// before the trailing newline is always "<Name>: <Message>".
type ExecutionError struct {
	Script  string
	Name    string
	Message string
	Frames  []string
	Err     error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("Uncaught exception in ")
	b.WriteString(e.Script)
	b.WriteString(" (most recent call first):\n")
	for _, f := range e.Frames {
		b.WriteString("  at ")
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString(e.Name)
	b.WriteString(": ")
	b.WriteString(e.Message)
	b.WriteByte('\n')
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// newExecutionError converts anything goja returns from a script run.
func newExecutionError(script string, err error) *ExecutionError {
	ee := &ExecutionError{Script: script, Name: "Error", Message: err.Error(), Err: err}

	switch typed := err.(type) {
	case *goja.Exception:
		ee.Frames = stackFrames(typed)
		ee.Name, ee.Message = describeThrown(typed.Value())
	case *rejectedError:
		ee.Frames = rejectionFrames(typed.value)
		ee.Name, ee.Message = describeThrown(typed.value)
	case *goja.InterruptedError:
		ee.Name = "InterruptedError"
		ee.Message = typed.Error()
	case *goja.CompilerSyntaxError:
		ee.Name = "SyntaxError"
		ee.Message = typed.Error()
	}
	// goja rethrows compile errors with the name already in the message
	ee.Message = strings.TrimPrefix(ee.Message, ee.Name+": ")
	return ee
}

func describeThrown(v goja.Value) (string, string) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "Error", "undefined"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return "Error", v.String()
	}
	name := "Error"
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	msg := ""
	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
		msg = m.String()
	} else {
		msg = obj.ToString().String()
	}
	return name, msg
}

// rejectedError carries the reason of a rejected top-level promise.
type rejectedError struct {
	value goja.Value
}

func (e *rejectedError) Error() string {
	if e.value == nil {
		return "promise rejected"
	}
	return "promise rejected: " + e.value.String()
}

func rejectionFrames(v goja.Value) []string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	stack := obj.Get("stack")
	if stack == nil || goja.IsUndefined(stack) {
		return nil
	}
	return parseFrames(stack.String())
}

// stackFrames extracts the "at ..." lines of a goja exception.
func stackFrames(ex *goja.Exception) []string {
	return parseFrames(ex.String())
}

func parseFrames(text string) []string {
	var frames []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "at ") {
			frames = append(frames, strings.TrimPrefix(trimmed, "at "))
		}
	}
	return frames
}

// Summary returns the second-to-last line of an error's text, which for an
// ExecutionError is the exception line. Single-line errors are returned as is.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	lines := strings.Split(err.Error(), "\n")
	if len(lines) < 2 {
		return lines[0]
	}
	return lines[len(lines)-2]
}
