package policy

import "context"

// EvaluationContext carries the request attributes visible to CEL conditions.
type EvaluationContext struct {
	// Agent is the normalised agent name, empty when unknown.
	Agent string
	// Trust is the agent's resolved trust level.
	Trust TrustLevel
	// Tool is the tool name as proposed.
	Tool string
	// Command is the normalised command line for Bash requests.
	Command string
	// Path is the canonical path for file requests.
	Path string
}

// ConditionProgram is a compiled deny condition.
type ConditionProgram interface {
	// Evaluate returns true when the request must be denied.
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (bool, error)
}

// CompiledCondition pairs a condition name with its compiled program.
type CompiledCondition struct {
	Name    string
	Program ConditionProgram
}

// ConditionCompiler turns a condition expression into a program. The CEL
// adapter implements it; the policy file loader depends only on this.
type ConditionCompiler interface {
	CompileCondition(expression string) (ConditionProgram, error)
}

// ConditionResult reports the first condition that denied, if any.
type ConditionResult struct {
	Denied bool
	Name   string
	Err    error
}

// EvaluateConditions runs every condition in order and stops at the first
// one that denies or fails. An evaluation error counts as a denial.
func (s *Snapshot) EvaluateConditions(ctx context.Context, evalCtx EvaluationContext) ConditionResult {
	for _, c := range s.conditions {
		denied, err := c.Program.Evaluate(ctx, evalCtx)
		if err != nil {
			return ConditionResult{Denied: true, Name: c.Name, Err: err}
		}
		if denied {
			return ConditionResult{Denied: true, Name: c.Name}
		}
	}
	return ConditionResult{}
}
