// Package policyfile loads the approval policy document from disk and
// publishes compiled snapshots to the rest of the gate.
package policyfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/validation"
)

// maxDocumentSize caps how much of a policy file is read.
const maxDocumentSize = 1 << 20

// Sentinel load failures.
var (
	ErrDocumentTooLarge  = errors.New("policy document too large")
	ErrWritableByOthers  = errors.New("policy document is writable by group or other users")
	ErrConditionsNoCEL   = errors.New("policy defines conditions but no condition compiler is configured")
	ErrTrailingDocument  = errors.New("unexpected data after policy document")
	ErrConditionNameless = errors.New("condition has no name")
)

// Load reads, parses and compiles the policy at path. It always returns a
// usable snapshot: on any failure the snapshot is deny-all and the returned
// error is a *validation.PolicyLoadError describing why.
func Load(path, projectRoot string, compiler policy.ConditionCompiler) (*policy.Snapshot, error) {
	src := policy.SourceInfo{Path: path, LoadedAt: time.Now().UTC()}

	snap, err := load(path, projectRoot, compiler, &src)
	if err != nil {
		loadErr := &validation.PolicyLoadError{Path: path, Err: err}
		return policy.DenyAll(loadErr, src), loadErr
	}
	return snap, nil
}

func load(path, projectRoot string, compiler policy.ConditionCompiler, src *policy.SourceInfo) (*policy.Snapshot, error) {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	src.CanonicalPath = canonical

	f, err := os.Open(canonical)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", canonical)
	}
	src.ModTime = info.ModTime()
	src.Size = info.Size()

	if runtime.GOOS != "windows" && info.Mode().Perm()&0022 != 0 {
		return nil, fmt.Errorf("%w (mode %04o)", ErrWritableByOthers, info.Mode().Perm())
	}

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentSize {
		return nil, ErrDocumentTooLarge
	}
	src.Fingerprint = xxhash.Sum64(data)

	doc, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, err
	}

	conditions, err := compileConditions(doc.Conditions, compiler)
	if err != nil {
		return nil, err
	}
	return policy.Compile(doc, projectRoot, conditions, *src)
}

// Format is the on-disk encoding of a policy document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a policy document. Unknown fields are rejected so a typo such
// as "comand_blacklist" cannot silently disable a list.
func Parse(data []byte, format Format) (policy.Document, error) {
	var doc policy.Document

	if format == FormatYAML {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return doc, errors.New("empty policy document")
			}
			return doc, fmt.Errorf("parse yaml: %w", err)
		}
		return doc, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return doc, errors.New("empty policy document")
		}
		return doc, fmt.Errorf("parse json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return doc, ErrTrailingDocument
	}
	return doc, nil
}

func compileConditions(specs []policy.ConditionSpec, compiler policy.ConditionCompiler) ([]policy.CompiledCondition, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if compiler == nil {
		return nil, ErrConditionsNoCEL
	}
	out := make([]policy.CompiledCondition, 0, len(specs))
	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("condition %d: %w", i, ErrConditionNameless)
		}
		prg, err := compiler.CompileCondition(spec.Expression)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", name, err)
		}
		out = append(out, policy.CompiledCondition{Name: name, Program: prg})
	}
	return out, nil
}
