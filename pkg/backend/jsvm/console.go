package jsvm

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// registerConsole routes the guest's console methods to logger. Guest
// output is data from the sandbox, so it is logged as a field value and
// never used as a format string.
func registerConsole(vm *goja.Runtime, logger zerolog.Logger) error {
	console := vm.NewObject()

	levels := map[string]zerolog.Level{
		"log":   zerolog.InfoLevel,
		"info":  zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for name, level := range levels {
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			logger.WithLevel(level).Str("guest_output", formatLogMessage(call.Arguments)).Msg("guest console")
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}

	return vm.Set("console", console)
}

// maxLogMessage bounds how much guest output one console call can log.
const maxLogMessage = 4096

// formatLogMessage joins console arguments with spaces like console.log.
func formatLogMessage(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatValue(arg)
	}
	msg := strings.Join(parts, " ")
	if len(msg) > maxLogMessage {
		msg = msg[:maxLogMessage] + "..."
	}
	return msg
}

// formatValue converts a goja.Value to a string representation.
func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v.Export())
}
