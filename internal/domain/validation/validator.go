package validation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

// MaxParameterLength bounds a command line or path accepted for evaluation.
const MaxParameterLength = 64 * 1024

// ToolValidator renders a verdict for one proposed action by combining the
// sanitizer checks with the current policy snapshot.
type ToolValidator struct {
	policies    policy.Store
	projectRoot string
	logger      *slog.Logger

	// protected holds slash-separated paths of the gate's own files, in
	// lexical and canonical form. Writes to them, or to siblings named
	// "<path>.<suffix>" or "<path>-<suffix>", are never approved.
	protected []string
}

// ValidatorOption configures a ToolValidator.
type ValidatorOption func(*ToolValidator)

// WithProtectedPaths marks files the gate itself owns (policy, audit log,
// consent and breaker state, hook settings). Relative paths are taken from
// the project root. Rotated backups, lock files and temp files next to a
// protected path are covered as well.
func WithProtectedPaths(paths ...string) ValidatorOption {
	return func(v *ToolValidator) {
		for _, p := range paths {
			if strings.TrimSpace(p) == "" {
				continue
			}
			lexical := p
			if !filepath.IsAbs(lexical) {
				lexical = filepath.Join(v.projectRoot, lexical)
			}
			lexical = filepath.Clean(lexical)
			v.protected = append(v.protected, filepath.ToSlash(lexical))
			if canonical, err := ResolveCanonical(lexical, v.projectRoot); err == nil && canonical != lexical {
				v.protected = append(v.protected, filepath.ToSlash(canonical))
			}
		}
	}
}

// NewToolValidator creates a validator. projectRoot bounds path matching and
// is resolved to its canonical form once here.
func NewToolValidator(policies policy.Store, projectRoot string, logger *slog.Logger, opts ...ValidatorOption) *ToolValidator {
	root := filepath.Clean(projectRoot)
	if canonical, err := ResolveCanonical(root, root); err == nil {
		root = canonical
	}
	v := &ToolValidator{
		policies:    policies,
		projectRoot: root,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ProjectRoot returns the canonical project root.
func (v *ToolValidator) ProjectRoot() string { return v.projectRoot }

// Validate decides whether tool may run with params on behalf of agent.
// It never returns an error and never panics: malformed input, a missing
// policy and internal failures all produce a deny Result.
func (v *ToolValidator) Validate(ctx context.Context, agent, tool string, params map[string]interface{}) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validator panic", "tool", SanitizeForLog(tool), "panic", fmt.Sprint(r))
			result = denyRisk("internal validation error")
		}
	}()

	snap := v.policies.Current()
	if snap == nil {
		return denyRisk("policy unavailable")
	}

	if err := ValidateToolName(tool); err != nil {
		return denyInvalid(err)
	}
	spec, ok := LookupTool(tool)
	if !ok {
		return denyInvalid(NewValidationError(ErrCodeUnsupportedTool, "unsupported tool: "+tool))
	}

	value, err := extractParam(params, spec, v.projectRoot)
	if err != nil {
		return denyInvalid(err)
	}

	// Sanitizer checks run before anything consults the policy.
	switch spec.Kind {
	case ParamCommand:
		if DetectCommandInjection(value) {
			return denyRisk("command injection detected")
		}
	case ParamPath:
		if DetectPathTraversal(value) {
			return denyRisk("path traversal detected")
		}
		if spec.PatternParam != "" {
			if pattern, ok := params[spec.PatternParam].(string); ok && DetectPathTraversal(pattern) {
				return denyRisk("path traversal detected in " + spec.PatternParam)
			}
		}
	}

	if snap.Degraded() {
		return deny("policy unavailable: " + snap.LoadErr().Error())
	}

	// A blacklist hit is a security risk whatever the agent's trust level.
	evalCtx := policy.EvaluationContext{Tool: tool}
	var outcome policy.MatchOutcome
	if spec.Kind == ParamCommand {
		evalCtx.Command = policy.NormalizeCommand(value)
		outcome = snap.MatchCommand(value)
	} else {
		canonical, res, ok := v.canonicalPath(value)
		if !ok {
			return res
		}
		if spec.Writes && v.isProtected(canonical) {
			return denyRisk("write to approval gate file: " + SanitizeForLog(canonical))
		}
		evalCtx.Path = canonical
		outcome = snap.MatchPath(canonical)
	}
	if outcome.Kind == policy.KindBlacklist {
		r := denyRisk(outcome.Reason)
		r.MatchedPattern = outcome.Pattern
		return r
	}

	trust := snap.TrustLevel(agent)
	switch trust {
	case policy.TrustUnknown:
		return deny(fmt.Sprintf("unknown agent %q", truncate(SanitizeForLog(agent), 64)))
	case policy.TrustRestricted:
		if !snap.RestrictedToolAllowed(tool) {
			return deny(fmt.Sprintf("restricted agent may not use %s", tool))
		}
	}
	evalCtx.Agent = policy.NormalizeAgent(agent)
	evalCtx.Trust = trust

	if !outcome.Allowed() {
		return deny(outcome.Reason)
	}

	if cond := snap.EvaluateConditions(ctx, evalCtx); cond.Denied {
		if cond.Err != nil {
			v.logger.Warn("policy condition failed", "condition", cond.Name, "error", cond.Err)
			return denyRisk("policy condition " + cond.Name + " failed to evaluate")
		}
		return deny("policy condition: " + cond.Name)
	}

	return Result{
		Approved:       true,
		Reason:         outcome.Reason,
		MatchedPattern: outcome.Pattern,
	}
}

// canonicalPath resolves value against the project root and rejects symlink
// escapes: a path that sits inside the root lexically but resolves outside it.
func (v *ToolValidator) canonicalPath(value string) (string, Result, bool) {
	lexical := value
	if !filepath.IsAbs(lexical) {
		lexical = filepath.Join(v.projectRoot, lexical)
	}
	lexical = filepath.Clean(lexical)

	canonical, err := ResolveCanonical(lexical, v.projectRoot)
	if err != nil {
		v.logger.Warn("path resolution failed", "path", SanitizeForLog(value), "error", err)
		return "", denyRisk("path could not be resolved"), false
	}
	if IsWithin(lexical, v.projectRoot) && !IsWithin(canonical, v.projectRoot) {
		return "", denyRisk("symlink escapes project root"), false
	}
	return filepath.ToSlash(canonical), Result{}, true
}

// isProtected reports whether canonical names a gate-owned file or one of
// its rotated, lock, temp or journal siblings. Comparison ignores case so
// case-insensitive file systems cannot be used to slip past it.
func (v *ToolValidator) isProtected(canonical string) bool {
	target := strings.ToLower(canonical)
	for _, p := range v.protected {
		p = strings.ToLower(p)
		if target == p || strings.HasPrefix(target, p+".") || strings.HasPrefix(target, p+"-") {
			return true
		}
	}
	return false
}

func extractParam(params map[string]interface{}, spec ToolSpec, root string) (string, error) {
	raw, present := params[spec.Param]
	if !present || raw == nil {
		if spec.Optional {
			return root, nil
		}
		return "", NewValidationError(ErrCodeMalformed, "missing parameter: "+spec.Param)
	}
	value, ok := raw.(string)
	if !ok {
		return "", NewValidationError(ErrCodeMalformed, fmt.Sprintf("parameter %s must be a string, got %T", spec.Param, raw))
	}
	if value == "" {
		if spec.Optional {
			return root, nil
		}
		return "", NewValidationError(ErrCodeMalformed, "empty parameter: "+spec.Param)
	}
	if len(value) > MaxParameterLength {
		return "", NewValidationError(ErrCodeMalformed, "parameter too long: "+spec.Param)
	}
	return value, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
