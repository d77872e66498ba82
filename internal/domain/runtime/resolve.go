// Package runtime resolves the invocation context of a request: the project
// root that bounds path rules, and the identity of the requesting agent.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the default AgentResolver.
const (
	DefaultAgentEnvVar   = "CLAUDE_AGENT_NAME"
	DefaultSessionEnvVar = "CLAUDE_SESSION_ID"
	// DefaultSessionKey is used when neither the caller nor the environment
	// names a session. All such requests share one breaker.
	DefaultSessionKey = "default"
)

// DefaultRootMarkers are the directory entries that mark a project root.
var DefaultRootMarkers = []string{".claude", ".git"}

// ErrProjectRootNotFound is returned when no marker is found walking up.
var ErrProjectRootNotFound = errors.New("project root not found")

// ResolveProjectRoot returns the canonical project root. A configured root
// wins and must be an existing directory; otherwise the nearest ancestor of
// start containing one of markers is used.
func ResolveProjectRoot(configured, start string, markers ...string) (string, error) {
	if configured != "" {
		return canonicalDir(configured)
	}
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		start = wd
	}
	dir, err := canonicalDir(start)
	if err != nil {
		return "", err
	}
	root, err := findUp(dir, markers)
	if err != nil {
		return "", fmt.Errorf("%w above %s", err, start)
	}
	return root, nil
}

func findUp(dir string, markers []string) (string, error) {
	if len(markers) == 0 {
		markers = DefaultRootMarkers
	}
	for {
		for _, m := range markers {
			if _, err := os.Lstat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrProjectRootNotFound
		}
		dir = parent
	}
}

func canonicalDir(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", resolved)
	}
	return resolved, nil
}

// AgentResolverOption configures an AgentResolver.
type AgentResolverOption func(*AgentResolver)

// WithAgentEnvVar changes the variable carrying the agent name.
func WithAgentEnvVar(name string) AgentResolverOption {
	return func(r *AgentResolver) { r.agentVar = name }
}

// WithSessionEnvVar changes the variable carrying the session key.
func WithSessionEnvVar(name string) AgentResolverOption {
	return func(r *AgentResolver) { r.sessionVar = name }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) AgentResolverOption {
	return func(r *AgentResolver) { r.lookup = lookup }
}

// AgentResolver reads the requesting agent's identity from the invocation
// environment. It does not judge trust; an absent name simply resolves to ""
// which the policy treats as unknown.
type AgentResolver struct {
	agentVar   string
	sessionVar string
	lookup     func(string) (string, bool)
}

// NewAgentResolver creates a resolver reading CLAUDE_AGENT_NAME and
// CLAUDE_SESSION_ID unless overridden.
func NewAgentResolver(opts ...AgentResolverOption) *AgentResolver {
	r := &AgentResolver{
		agentVar:   DefaultAgentEnvVar,
		sessionVar: DefaultSessionEnvVar,
		lookup:     os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Agent returns the agent name from the environment, trimmed.
func (r *AgentResolver) Agent() string {
	v, _ := r.lookup(r.agentVar)
	return strings.TrimSpace(v)
}

// Session returns explicit when set, else the session variable, else
// DefaultSessionKey.
func (r *AgentResolver) Session(explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	if v, ok := r.lookup(r.sessionVar); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return DefaultSessionKey
}
