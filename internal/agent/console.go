// internal/agent/console.go
package agent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/signalnine/statebridge/internal/host"
	"github.com/signalnine/statebridge/internal/protocol"
)

// wrapConsole returns an entry point that records the call and then always
// forwards it unchanged to orig
func (c *capture) wrapConsole(kind protocol.LogType, orig host.LogFunc) host.LogFunc {
	return func(args ...any) {
		c.recordConsole(kind, args)
		orig(args...)
	}
}

func (c *capture) recordConsole(kind protocol.LogType, args []any) {
	// Capture must never stop the call from reaching the original.
	defer func() { _ = recover() }()

	entry := protocol.LogEntry{
		Type:      kind,
		Message:   FormatArgs(args...),
		Timestamp: c.now(),
	}
	c.console.Push(entry)
	if kind == protocol.LogTypeError {
		c.errors.Push(entry)
	}
}

// FormatArgs renders console arguments as one space-separated message.
// Composite values are encoded as JSON, everything else is stringified.
func FormatArgs(args ...any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatArg(arg)
	}
	return strings.Join(parts, " ")
}

func formatArg(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case []byte:
		return string(x)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer, reflect.Interface:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%+v", v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
