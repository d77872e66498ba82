package cel

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

// NewConditionEnvironment creates the CEL environment for policy deny
// conditions. Variables:
//   - agent: normalised agent name ("" when unknown)
//   - trust: "trusted", "restricted" or "unknown"
//   - tool: tool name
//   - command: normalised command line (Bash only)
//   - path: canonical path (file tools only)
//
// Functions:
//   - glob(pattern, value): shell glob, '*' matches any run of characters
//   - path_glob(pattern, path): path glob, '*' stops at '/', '**' crosses it
//   - path_within(path, dir): path equals dir or is nested below it
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("agent", cel.StringType),
		cel.Variable("trust", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("command", cel.StringType),
		cel.Variable("path", cel.StringType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					return globMatch(pattern, value)
				}),
			),
		),
		cel.Function("path_glob",
			cel.Overload("path_glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					return globMatch(pattern, value, '/')
				}),
			),
		),
		cel.Function("path_within",
			cel.Overload("path_within_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pathVal, dirVal ref.Val) ref.Val {
					p, ok1 := pathVal.Value().(string)
					d, ok2 := dirVal.Value().(string)
					if !ok1 || !ok2 || p == "" || d == "" {
						return types.Bool(false)
					}
					rel, err := filepath.Rel(filepath.Clean(d), filepath.Clean(p))
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../")))
				}),
			),
		),
	)
}

// globMatch compiles pattern on every call. Condition patterns are literals
// in a handful of expressions, so there is no table to precompile.
func globMatch(patternVal, valueVal ref.Val, separators ...rune) ref.Val {
	pattern, ok1 := patternVal.Value().(string)
	value, ok2 := valueVal.Value().(string)
	if !ok1 || !ok2 {
		return types.Bool(false)
	}
	g, err := glob.Compile(pattern, separators...)
	if err != nil {
		return types.NewErr("invalid glob pattern %q: %v", pattern, err)
	}
	return types.Bool(g.Match(value))
}

// BuildActivation maps an evaluation context onto the environment's variables.
func BuildActivation(evalCtx policy.EvaluationContext) map[string]interface{} {
	trust := string(evalCtx.Trust)
	if trust == "" {
		trust = string(policy.TrustUnknown)
	}
	return map[string]interface{}{
		"agent":   evalCtx.Agent,
		"trust":   trust,
		"tool":    evalCtx.Tool,
		"command": evalCtx.Command,
		"path":    evalCtx.Path,
	}
}
