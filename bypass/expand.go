package bypass

import (
	"strings"

	"tethercloak/ops"
)

// ExpandLayers returns fresh per-session layer instances with
// `{placeholder}` tokens in operation arguments replaced from vars
// (typically {iface}, {gateway}, {proxy_port} captured at connect
// time). Catalog layers are never mutated; every connection attempt
// works on its own snapshot.
func ExpandLayers(layers []*Layer, vars map[string]string) []*Layer {
	out := make([]*Layer, 0, len(layers))
	for _, layer := range layers {
		out = append(out, &Layer{
			ID:         layer.ID,
			Ordinal:    layer.Ordinal,
			Activate:   expandOperation(layer.Activate, vars),
			Deactivate: expandOperation(layer.Deactivate, vars),
			Verify:     expandOperation(layer.Verify, vars),
		})
	}
	return out
}

func expandOperation(op ops.Operation, vars map[string]string) ops.Operation {
	if len(op.Args) == 0 || len(vars) == 0 {
		return op
	}
	args := make([]string, len(op.Args))
	for i, arg := range op.Args {
		for key, value := range vars {
			arg = strings.ReplaceAll(arg, "{"+key+"}", value)
		}
		args[i] = arg
	}
	op.Args = args
	return op
}
