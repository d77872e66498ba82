package validation

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Size limits for sanitization.
const (
	// MaxLogFieldLength is the maximum length of any string written to the audit log.
	MaxLogFieldLength = 4096

	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 255

	// maxDecodeRounds bounds repeated percent-decoding of a path.
	maxDecodeRounds = 4
)

// toolNamePattern validates tool names.
// Tool names must start with a letter and contain only alphanumeric characters,
// underscores, and hyphens.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// commandInjectionTokens are shell metacharacter sequences that chain, pipe,
// background, redirect or substitute commands. Any occurrence is a hard
// reject, quoted or not; "&" also covers "&&" and "|" covers "||".
var commandInjectionTokens = []string{
	";",
	"&",
	"|",
	"`",
	"$(",
	"${",
	">",
	"<",
	"\n",
	"\r",
	"\x00",
}

// ansiEscapePattern matches CSI and OSC terminal escape sequences.
var ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// dotLookalikes are code points that normalise to, or are commonly rendered as, '.'.
var dotLookalikes = strings.NewReplacer(
	"\uff0e", ".", // fullwidth full stop
	"\u2024", ".", // one dot leader
	"\ufe52", ".", // small full stop
	"\u2215", "/", // division slash
	"\uff0f", "/", // fullwidth solidus
	"\u2216", "\\", // set minus
	"\uff3c", "\\", // fullwidth reverse solidus
)

// overlongDots are non-canonical UTF-8 or IIS-style encodings of '.' and '/'.
var overlongDots = strings.NewReplacer(
	"%c0%ae", ".",
	"%C0%AE", ".",
	"%e0%80%ae", ".",
	"%E0%80%AE", ".",
	"%c0%af", "/",
	"%C0%AF", "/",
	"%u002e", ".",
	"%U002E", ".",
	"%u002f", "/",
	"%U002F", "/",
	"\\u002e", ".",
	"\\u002f", "/",
)

// ValidateToolName validates a tool name against injection patterns.
func ValidateToolName(name string) error {
	if name == "" {
		return NewValidationError(ErrCodeMalformed, "tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return NewValidationError(ErrCodeMalformed, "tool name too long")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		return NewValidationError(ErrCodeMalformed, "invalid characters in tool name")
	}
	if !toolNamePattern.MatchString(name) {
		return NewValidationError(ErrCodeMalformed, "invalid tool name format")
	}
	return nil
}

// DetectCommandInjection reports whether command contains a chaining, piping,
// backgrounding, redirection or substitution sequence (including process
// substitution), an embedded line break, or a null byte.
func DetectCommandInjection(command string) bool {
	for _, tok := range commandInjectionTokens {
		if strings.Contains(command, tok) {
			return true
		}
	}
	return false
}

// DetectPathTraversal reports whether path contains a ".." segment in any of
// its encodings: raw, backslash separated, single or repeated percent-encoding,
// overlong UTF-8, %u escapes, or Unicode look-alike dots and slashes. Null
// bytes and control characters are also flagged.
func DetectPathTraversal(path string) bool {
	for _, candidate := range pathVariants(path) {
		if hasControl(candidate) {
			return true
		}
		if hasDotDotSegment(candidate) {
			return true
		}
	}
	return false
}

// pathVariants returns every decoded form of path that must be checked.
func pathVariants(path string) []string {
	variants := []string{path}
	cur := path
	for i := 0; i < maxDecodeRounds; i++ {
		next := overlongDots.Replace(cur)
		if dec, err := url.PathUnescape(next); err == nil {
			next = dec
		}
		next = dotLookalikes.Replace(next)
		next = norm.NFKC.String(next)
		if next == cur {
			break
		}
		variants = append(variants, next)
		cur = next
	}
	return variants
}

func hasDotDotSegment(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if strings.TrimSpace(seg) == ".." {
			return true
		}
	}
	return false
}

func hasControl(s string) bool {
	for _, r := range s {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// ResolveCanonical returns the absolute, cleaned, symlink-resolved form of
// path. Relative paths are resolved against root. Components that do not
// exist yet (a file about to be written) are appended to the resolved form of
// their longest existing ancestor.
func ResolveCanonical(path, root string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	existing := path
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

// IsWithin reports whether path equals dir or is nested inside it.
func IsWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// SanitizeForLog strips everything that could forge or corrupt a log line:
// ANSI escape sequences, line breaks, tabs, C0/C1 control characters, DEL and
// the Unicode line/paragraph separators. Line breaks and tabs become a single
// space so adjacent words stay readable. Output is truncated to
// MaxLogFieldLength bytes on a rune boundary.
func SanitizeForLog(text string) string {
	text = ansiEscapePattern.ReplaceAllString(text, "")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r), r == '\u2028', r == '\u2029':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()

	if len(out) > MaxLogFieldLength {
		cut := MaxLogFieldLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// SanitizeValue recursively applies SanitizeForLog to every string in v,
// including map keys. Numbers, booleans, and nil pass through unchanged.
func SanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return SanitizeForLog(val)
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, v := range val {
			result[SanitizeForLog(k)] = SanitizeValue(v)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, v := range val {
			result[i] = SanitizeValue(v)
		}
		return result
	default:
		return v
	}
}
