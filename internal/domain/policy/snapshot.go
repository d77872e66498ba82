package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
)

// defaultOutcomeCacheSize bounds the per-snapshot match cache.
const defaultOutcomeCacheSize = 1024

// agentNamePattern is the accepted shape of a normalised agent name.
var agentNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// ErrPolicyUnavailable is carried by deny-all snapshots built without a cause.
var ErrPolicyUnavailable = errors.New("policy unavailable")

// compiledRule is a Rule with its glob compiled once at load time.
type compiledRule struct {
	Rule
	matcher glob.Glob
}

// Snapshot is an immutable, fully compiled policy. Readers may share it
// across goroutines without locking; a reload publishes a new Snapshot.
type Snapshot struct {
	source  SourceInfo
	loadErr error

	commandBlacklist []compiledRule
	commandWhitelist []compiledRule
	pathBlacklist    []compiledRule
	pathWhitelist    []compiledRule

	trusted         map[string]struct{}
	restricted      map[string]struct{}
	restrictedTools map[string]struct{}
	conditions      []CompiledCondition

	cache *outcomeCache
}

// Compile builds a Snapshot from doc. The project root replaces
// ProjectRootPlaceholder in path patterns. Any pattern that fails to compile
// fails the whole document; callers fall back to DenyAll.
func Compile(doc Document, projectRoot string, conditions []CompiledCondition, src SourceInfo) (*Snapshot, error) {
	s := &Snapshot{
		source:          src,
		trusted:         nameSet(doc.TrustedAgents, NormalizeAgent),
		restricted:      nameSet(doc.RestrictedAgents, NormalizeAgent),
		restrictedTools: nameSet(doc.RestrictedTools, strings.TrimSpace),
		conditions:      conditions,
		cache:           newOutcomeCache(defaultOutcomeCacheSize),
	}
	if doc.RestrictedTools == nil {
		s.restrictedTools = nameSet(DefaultRestrictedTools, strings.TrimSpace)
	}

	for _, r := range doc.Rules() {
		cr, err := compileRule(r, projectRoot)
		if err != nil {
			return nil, err
		}
		switch {
		case r.Target == TargetCommand && r.Kind == KindBlacklist:
			s.commandBlacklist = append(s.commandBlacklist, cr)
		case r.Target == TargetCommand:
			s.commandWhitelist = append(s.commandWhitelist, cr)
		case r.Kind == KindBlacklist:
			s.pathBlacklist = append(s.pathBlacklist, cr)
		default:
			s.pathWhitelist = append(s.pathWhitelist, cr)
		}
	}
	return s, nil
}

// DenyAll returns a snapshot whose every evaluation denies. cause is kept so
// the reason for the degraded state is reported, never silent.
func DenyAll(cause error, src SourceInfo) *Snapshot {
	if cause == nil {
		cause = ErrPolicyUnavailable
	}
	return &Snapshot{
		source:          src,
		loadErr:         cause,
		trusted:         map[string]struct{}{},
		restricted:      map[string]struct{}{},
		restrictedTools: map[string]struct{}{},
		cache:           newOutcomeCache(1),
	}
}

func compileRule(r Rule, projectRoot string) (compiledRule, error) {
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" {
		return compiledRule{}, fmt.Errorf("empty %s %s pattern", r.Target, r.Kind)
	}

	var (
		g   glob.Glob
		err error
	)
	if r.Target == TargetPath {
		if strings.Contains(pattern, ProjectRootPlaceholder) {
			if projectRoot == "" {
				return compiledRule{}, fmt.Errorf("pattern %q needs a project root", pattern)
			}
			pattern = strings.ReplaceAll(pattern, ProjectRootPlaceholder, glob.QuoteMeta(strings.TrimRight(projectRoot, "/")))
		}
		g, err = glob.Compile(pattern, '/')
	} else {
		pattern = NormalizeCommand(pattern)
		g, err = glob.Compile(pattern)
	}
	if err != nil {
		return compiledRule{}, fmt.Errorf("compile %s %s pattern %q: %w", r.Target, r.Kind, r.Pattern, err)
	}
	return compiledRule{Rule: Rule{Pattern: pattern, Kind: r.Kind, Target: r.Target}, matcher: g}, nil
}

func nameSet(names []string, normalize func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = normalize(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// NormalizeCommand trims a command line and collapses runs of whitespace so
// "git   status" and "git status" match the same rules.
func NormalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// NormalizeAgent lower-cases and trims an agent name. Names that do not fit
// the accepted shape normalise to "" and are therefore unknown.
func NormalizeAgent(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !agentNamePattern.MatchString(name) {
		return ""
	}
	return name
}

// Source returns the document identity captured at load time.
func (s *Snapshot) Source() SourceInfo { return s.source }

// LoadErr returns the reason this snapshot denies everything, or nil.
func (s *Snapshot) LoadErr() error { return s.loadErr }

// Degraded reports whether this is a deny-all fallback snapshot.
func (s *Snapshot) Degraded() bool { return s.loadErr != nil }

// RuleCount returns the number of compiled whitelist and blacklist rules.
func (s *Snapshot) RuleCount() int {
	return len(s.commandBlacklist) + len(s.commandWhitelist) + len(s.pathBlacklist) + len(s.pathWhitelist)
}

// Conditions returns the compiled CEL deny conditions.
func (s *Snapshot) Conditions() []CompiledCondition { return s.conditions }

// TrustLevel classifies an agent. An agent listed as both trusted and
// restricted is treated as restricted.
func (s *Snapshot) TrustLevel(agent string) TrustLevel {
	name := NormalizeAgent(agent)
	if name == "" || s.Degraded() {
		return TrustUnknown
	}
	if _, ok := s.restricted[name]; ok {
		return TrustRestricted
	}
	if _, ok := s.trusted[name]; ok {
		return TrustTrusted
	}
	return TrustUnknown
}

// RestrictedToolAllowed reports whether a restricted agent may be
// auto-approved for tool.
func (s *Snapshot) RestrictedToolAllowed(tool string) bool {
	_, ok := s.restrictedTools[tool]
	return ok
}

// MatchCommand evaluates a command line: blacklist first, then whitelist,
// otherwise deny by default.
func (s *Snapshot) MatchCommand(command string) MatchOutcome {
	command = NormalizeCommand(command)
	return s.cached(TargetCommand, command, func() MatchOutcome {
		return s.match(TargetCommand, []string{command}, s.commandBlacklist, s.commandWhitelist)
	})
}

// MatchPath evaluates a canonical absolute path: blacklist first, then
// whitelist, otherwise deny by default. The path is also tried with a
// trailing slash so directory patterns cover the directory itself.
func (s *Snapshot) MatchPath(path string) MatchOutcome {
	return s.cached(TargetPath, path, func() MatchOutcome {
		forms := []string{path}
		if !strings.HasSuffix(path, "/") {
			forms = append(forms, path+"/")
		}
		return s.match(TargetPath, forms, s.pathBlacklist, s.pathWhitelist)
	})
}

func (s *Snapshot) match(target TargetType, forms []string, blacklist, whitelist []compiledRule) MatchOutcome {
	if s.Degraded() {
		return MatchOutcome{Verdict: VerdictDeny, Reason: "policy unavailable: " + s.loadErr.Error()}
	}
	for _, r := range blacklist {
		if matchAny(r.matcher, forms) {
			return MatchOutcome{
				Verdict: VerdictDeny,
				Kind:    KindBlacklist,
				Pattern: r.Pattern,
				Reason:  "blacklist match: " + r.Pattern,
			}
		}
	}
	for _, r := range whitelist {
		if matchAny(r.matcher, forms) {
			return MatchOutcome{
				Verdict: VerdictAllow,
				Kind:    KindWhitelist,
				Pattern: r.Pattern,
				Reason:  "whitelist match: " + r.Pattern,
			}
		}
	}
	reason := "command not in whitelist"
	if target == TargetPath {
		reason = "path outside whitelist"
	}
	return MatchOutcome{Verdict: VerdictDeny, Reason: reason}
}

func matchAny(g glob.Glob, forms []string) bool {
	for _, f := range forms {
		if g.Match(f) {
			return true
		}
	}
	return false
}

func (s *Snapshot) cached(target TargetType, value string, compute func() MatchOutcome) MatchOutcome {
	h := xxhash.New()
	_, _ = h.WriteString(string(target))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(value)
	key := h.Sum64()

	if out, ok := s.cache.Get(key, value); ok {
		return out
	}
	out := compute()
	s.cache.Put(key, value, out)
	return out
}
