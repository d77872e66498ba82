// Package policy contains the auto-approval policy model: the on-disk
// document, the compiled immutable snapshot, and whitelist/blacklist matching.
package policy

import "time"

// ProjectRootPlaceholder is substituted with the resolved project root in
// path patterns at load time.
const ProjectRootPlaceholder = "<project-root>"

// Kind says whether a rule permits or forbids.
type Kind string

const (
	// KindWhitelist rules make a request an allow candidate.
	KindWhitelist Kind = "whitelist"
	// KindBlacklist rules deny unconditionally and override any whitelist match.
	KindBlacklist Kind = "blacklist"
	// KindNone is reported when no rule matched.
	KindNone Kind = ""
)

// TargetType says what a rule's pattern is matched against.
type TargetType string

const (
	// TargetCommand rules match shell command lines.
	TargetCommand TargetType = "command"
	// TargetPath rules match canonical file system paths.
	TargetPath TargetType = "path"
)

// Verdict is the result of matching a single target against the rule lists.
type Verdict string

const (
	// VerdictAllow means a whitelist rule matched and no blacklist rule did.
	VerdictAllow Verdict = "allow"
	// VerdictDeny means a blacklist rule matched, nothing matched, or the
	// policy is unavailable.
	VerdictDeny Verdict = "deny"
)

// TrustLevel classifies the requesting agent.
type TrustLevel string

const (
	// TrustTrusted agents may be auto-approved for any whitelisted action.
	TrustTrusted TrustLevel = "trusted"
	// TrustRestricted agents may be auto-approved for read-only tools only.
	TrustRestricted TrustLevel = "restricted"
	// TrustUnknown agents are never auto-approved.
	TrustUnknown TrustLevel = "unknown"
)

// DefaultRestrictedTools are the read-only tools a restricted agent may use
// when the policy document does not say otherwise.
var DefaultRestrictedTools = []string{"Read", "Glob", "Grep", "LS", "NotebookRead"}

// Rule is a single whitelist or blacklist entry.
type Rule struct {
	// Pattern is a glob. For commands '*' matches any run of characters; for
	// paths '*' stops at '/' and '**' crosses directories.
	Pattern string
	// Kind is whitelist or blacklist.
	Kind Kind
	// Target is command or path.
	Target TargetType
}

// ConditionSpec is an optional CEL deny condition from the policy document.
type ConditionSpec struct {
	// Name identifies the condition in denial reasons.
	Name string `json:"name" yaml:"name"`
	// Expression is a CEL boolean expression; true denies the request.
	Expression string `json:"expression" yaml:"expression"`
}

// Document is the policy file as stored on disk.
type Document struct {
	CommandWhitelist []string        `json:"command_whitelist" yaml:"command_whitelist"`
	CommandBlacklist []string        `json:"command_blacklist" yaml:"command_blacklist"`
	PathWhitelist    []string        `json:"path_whitelist" yaml:"path_whitelist"`
	PathBlacklist    []string        `json:"path_blacklist" yaml:"path_blacklist"`
	TrustedAgents    []string        `json:"trusted_agents" yaml:"trusted_agents"`
	RestrictedAgents []string        `json:"restricted_agents" yaml:"restricted_agents"`
	RestrictedTools  []string        `json:"restricted_tools,omitempty" yaml:"restricted_tools,omitempty"`
	Conditions       []ConditionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Rules flattens the document's four pattern lists into Rule values.
func (d Document) Rules() []Rule {
	var rules []Rule
	add := func(patterns []string, kind Kind, target TargetType) {
		for _, p := range patterns {
			rules = append(rules, Rule{Pattern: p, Kind: kind, Target: target})
		}
	}
	add(d.CommandBlacklist, KindBlacklist, TargetCommand)
	add(d.CommandWhitelist, KindWhitelist, TargetCommand)
	add(d.PathBlacklist, KindBlacklist, TargetPath)
	add(d.PathWhitelist, KindWhitelist, TargetPath)
	return rules
}

// MatchOutcome is the result of matching one command or path.
type MatchOutcome struct {
	Verdict Verdict
	// Kind is the list that decided the outcome, KindNone for default deny.
	Kind Kind
	// Pattern is the rule pattern that matched, empty for default deny.
	Pattern string
	// Reason is a human-readable explanation.
	Reason string
}

// Allowed reports whether the outcome is an allow candidate.
func (m MatchOutcome) Allowed() bool { return m.Verdict == VerdictAllow }

// SourceInfo identifies the document a snapshot was compiled from, captured
// at load time for explicit staleness checks.
type SourceInfo struct {
	// Path is the path the store was configured with.
	Path string
	// CanonicalPath is Path with symlinks resolved.
	CanonicalPath string
	// ModTime and Size are the file's modification identity at load time.
	ModTime time.Time
	Size    int64
	// Fingerprint is the xxhash of the raw document bytes.
	Fingerprint uint64
	// LoadedAt is when the snapshot was published.
	LoadedAt time.Time
}
