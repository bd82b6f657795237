package instrument

import "strings"

// Argument is one captured call argument. ParamName is the original
// identifier, used for redaction matching; the positional index is the
// stable attribute-key suffix.
type Argument struct {
	Value     any
	ParamName string
}

// Arguments is the ordered positional argument set for one call.
type Arguments []Argument

// instrumenterBinding is the conventional name for a binding that refers
// to the instrumenter itself; it is skipped to avoid self-capture.
const instrumenterBinding = "instrumenter"

// extractArguments collects the scope's bindings into an argument set.
// Capture is best-effort: any introspection failure yields an empty set
// and never aborts the instrumented call.
func extractArguments(scope CallerContext) Arguments {
	if scope == nil {
		return nil
	}

	bindings, err := scope.Bindings()
	if err != nil {
		return nil
	}

	args := make(Arguments, 0, len(bindings))
	for _, b := range bindings {
		if strings.HasPrefix(b.Name, "_") {
			continue
		}
		if b.Name == instrumenterBinding {
			continue
		}
		args = append(args, Argument{Value: b.Value, ParamName: b.Name})
	}
	return args
}
