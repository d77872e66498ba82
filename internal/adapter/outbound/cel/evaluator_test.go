package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return eval
}

func TestCompile_InvalidExpression(t *testing.T) {
	eval := newTestEvaluator(t)

	if _, err := eval.Compile(`this is not valid CEL !!!`); err == nil {
		t.Fatal("Compile() expected error for invalid expression, got nil")
	}
	if _, err := eval.Compile(`unknown_var == "x"`); err == nil {
		t.Fatal("Compile() expected error for undeclared variable")
	}
	if _, err := eval.Compile(`agent + "x"`); err == nil {
		t.Fatal("Compile() expected error for non-bool expression")
	}
}

func TestValidateExpression_Limits(t *testing.T) {
	eval := newTestEvaluator(t)

	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"too long", `agent == "` + strings.Repeat("a", maxExpressionLength) + `"`, "too long"},
		{"too deep", strings.Repeat("(", 60) + "true" + strings.Repeat(")", 60), "nesting"},
		{"valid", `trust == "restricted" && tool == "Bash"`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompileCondition_Evaluate(t *testing.T) {
	eval := newTestEvaluator(t)

	tests := []struct {
		name string
		expr string
		ctx  policy.EvaluationContext
		want bool
	}{
		{
			name: "tool and trust",
			expr: `trust == "restricted" && tool == "Bash"`,
			ctx:  policy.EvaluationContext{Agent: "reviewer", Trust: policy.TrustRestricted, Tool: "Bash"},
			want: true,
		},
		{
			name: "command glob",
			expr: `glob("git push*", command)`,
			ctx:  policy.EvaluationContext{Tool: "Bash", Command: "git push origin main"},
			want: true,
		},
		{
			name: "command glob miss",
			expr: `glob("git push*", command)`,
			ctx:  policy.EvaluationContext{Tool: "Bash", Command: "git status"},
			want: false,
		},
		{
			name: "path glob does not cross directories",
			expr: `path_glob("/repo/*.lock", path)`,
			ctx:  policy.EvaluationContext{Path: "/repo/sub/go.lock"},
			want: false,
		},
		{
			name: "path within",
			expr: `tool == "Write" && path_within(path, "/repo/.github")`,
			ctx:  policy.EvaluationContext{Tool: "Write", Path: "/repo/.github/workflows/ci.yml"},
			want: true,
		},
		{
			name: "path within sibling",
			expr: `path_within(path, "/repo/.git")`,
			ctx:  policy.EvaluationContext{Path: "/repo/.github/x"},
			want: false,
		},
		{
			name: "empty trust reads as unknown",
			expr: `trust == "unknown"`,
			ctx:  policy.EvaluationContext{},
			want: true,
		},
		{
			name: "strings extension",
			expr: `command.lowerAscii().contains("--force")`,
			ctx:  policy.EvaluationContext{Command: "git push --FORCE"},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prg, err := eval.CompileCondition(tt.expr)
			if err != nil {
				t.Fatalf("CompileCondition() error: %v", err)
			}
			got, err := prg.Evaluate(context.Background(), tt.ctx)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_InvalidGlobIsError(t *testing.T) {
	eval := newTestEvaluator(t)
	prg, err := eval.CompileCondition(`glob("[", command)`)
	if err != nil {
		t.Fatalf("CompileCondition() error: %v", err)
	}
	if _, err := prg.Evaluate(context.Background(), policy.EvaluationContext{Command: "x"}); err == nil {
		t.Fatal("expected evaluation error for invalid glob")
	}
}
