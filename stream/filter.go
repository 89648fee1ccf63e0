package stream

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/iidesho/flyt/chunk"
)

// celFilter wraps a compiled CEL predicate evaluated against every record
// after the time bounds and listener match. When disabled, Eval always
// returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("duration_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		// Parsed JSON payload for field filtering.
		cel.Variable("json", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

func (f celFilter) Eval(rec chunk.Record) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = rec.Unmarshal(&jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"name":        rec.Name,
		"ts_ms":       rec.Timestamp.UnixMilli(),
		"duration_ms": rec.Duration.Milliseconds(),
		"size":        int64(len(rec.Payload)),
		"json":        jsonObj,
		"now_ms":      time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
