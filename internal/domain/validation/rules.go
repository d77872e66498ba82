package validation

// ParamKind says how a tool's primary parameter is checked.
type ParamKind int

const (
	// ParamCommand is a shell command line.
	ParamCommand ParamKind = iota
	// ParamPath is a file system path.
	ParamPath
)

// ToolSpec describes the parameter a tool is judged on.
type ToolSpec struct {
	// Param is the key in the tool's parameters.
	Param string
	// Kind selects command or path checks.
	Kind ParamKind
	// Optional parameters default to the project root when absent.
	Optional bool
	// PatternParam, when set, names a glob parameter that must not
	// traverse out of the search root.
	PatternParam string
	// Writes marks tools that create or modify the file at Param.
	Writes bool
}

// SupportedTools maps tool names to the parameter each is judged on.
// Tool names are case-sensitive. Any tool not listed is denied.
var SupportedTools = map[string]ToolSpec{
	// Shell
	"Bash": {Param: "command", Kind: ParamCommand},

	// File reads and writes
	"Read":      {Param: "file_path", Kind: ParamPath},
	"Write":     {Param: "file_path", Kind: ParamPath, Writes: true},
	"Edit":      {Param: "file_path", Kind: ParamPath, Writes: true},
	"MultiEdit": {Param: "file_path", Kind: ParamPath, Writes: true},

	// Notebooks
	"NotebookRead": {Param: "notebook_path", Kind: ParamPath},
	"NotebookEdit": {Param: "notebook_path", Kind: ParamPath, Writes: true},

	// Search
	"Glob": {Param: "path", Kind: ParamPath, Optional: true, PatternParam: "pattern"},
	"Grep": {Param: "path", Kind: ParamPath, Optional: true},
	"LS":   {Param: "path", Kind: ParamPath, Optional: true},
}

// LookupTool returns the spec for a supported tool.
func LookupTool(name string) (ToolSpec, bool) {
	spec, ok := SupportedTools[name]
	return spec, ok
}
