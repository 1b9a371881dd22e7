// Package profile holds the static table of supported languages.
package profile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	appErr "codejudge/pkg/errors"
)

const (
	// ClassPlaceholder in SourceFile is replaced by the public class name.
	ClassPlaceholder = "{class}"
	// DefaultJavaClass is used when no public class declaration is found.
	DefaultJavaClass = "Main"
)

var javaPublicClass = regexp.MustCompile(`public\s+class\s+([A-Za-z0-9_]+)`)

// LanguageSpec describes how one language is compiled and run.
// Templates may use {src}, {bin}, {dir} and {class}.
type LanguageSpec struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	SourceFile     string   `yaml:"sourceFile" json:"sourceFile"`
	BinaryFile     string   `yaml:"binaryFile" json:"binaryFile,omitempty"`
	CompileEnabled bool     `yaml:"compileEnabled" json:"compileEnabled"`
	CompileCmdTpl  string   `yaml:"compileCmd" json:"compileCmd,omitempty"`
	RunCmdTpl      string   `yaml:"runCmd" json:"runCmd"`
	Image          string   `yaml:"image" json:"image,omitempty"`
	Env            []string `yaml:"env" json:"-"`
}

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:         "python",
			Name:       "Python 3",
			SourceFile: "code.py",
			RunCmdTpl:  "python3 {src}",
			Image:      "python:3.10",
		},
		{
			ID:         "javascript",
			Name:       "JavaScript (Node.js)",
			SourceFile: "code.js",
			RunCmdTpl:  "node {src}",
			Image:      "node:18",
		},
		{
			ID:             "cpp",
			Name:           "C++",
			SourceFile:     "code.cpp",
			BinaryFile:     "code",
			CompileEnabled: true,
			CompileCmdTpl:  "g++ {src} -o {bin}",
			RunCmdTpl:      "{bin}",
			Image:          "gcc:latest",
		},
		{
			ID:             "java",
			Name:           "Java",
			SourceFile:     ClassPlaceholder + ".java",
			CompileEnabled: true,
			CompileCmdTpl:  "javac {src}",
			RunCmdTpl:      "java -cp {dir} {class}",
			Image:          "openjdk:11",
		},
	}
}

// Table is an immutable lookup of language specs keyed by id.
type Table struct {
	specs map[string]LanguageSpec
}

// NewTable validates specs and builds a table.
func NewTable(specs []LanguageSpec) (*Table, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	t := &Table{specs: make(map[string]LanguageSpec, len(specs))}
	for _, spec := range specs {
		if err := validate(spec); err != nil {
			return nil, err
		}
		if _, dup := t.specs[spec.ID]; dup {
			return nil, fmt.Errorf("language %s defined twice", spec.ID)
		}
		t.specs[spec.ID] = spec
	}
	return t, nil
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	t, err := NewTable(DefaultLanguages())
	if err != nil {
		panic(err)
	}
	return t
}

func validate(spec LanguageSpec) error {
	switch {
	case spec.ID == "":
		return fmt.Errorf("language id is required")
	case spec.SourceFile == "":
		return fmt.Errorf("language %s: sourceFile is required", spec.ID)
	case strings.TrimSpace(spec.RunCmdTpl) == "":
		return fmt.Errorf("language %s: runCmd is required", spec.ID)
	case spec.CompileEnabled && strings.TrimSpace(spec.CompileCmdTpl) == "":
		return fmt.Errorf("language %s: compileCmd is required when compile is enabled", spec.ID)
	case strings.Contains(spec.RunCmdTpl, "{bin}") && spec.BinaryFile == "":
		return fmt.Errorf("language %s: binaryFile is required by runCmd", spec.ID)
	}
	return nil
}

// Lookup returns the language entry for id or a LanguageNotSupported error.
func (t *Table) Lookup(id string) (LanguageSpec, error) {
	spec, ok := t.specs[id]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", id).
			WithDetail("language", id)
	}
	return spec, nil
}

// IsSupported reports whether id is a table key.
func (t *Table) IsSupported(id string) bool {
	_, ok := t.specs[id]
	return ok
}

// Languages returns all specs ordered by id.
func (t *Table) Languages() []LanguageSpec {
	out := make([]LanguageSpec, 0, len(t.specs))
	for _, spec := range t.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// JavaClassName extracts the first public class name from source, falling
// back to DefaultJavaClass.
func JavaClassName(source string) string {
	if m := javaPublicClass.FindStringSubmatch(source); len(m) == 2 {
		return m[1]
	}
	return DefaultJavaClass
}

// ResolveSourceFile returns the file name the source must be saved under and
// the class name used by class-based languages (empty otherwise).
func ResolveSourceFile(spec LanguageSpec, source string) (fileName, className string) {
	if !strings.Contains(spec.SourceFile, ClassPlaceholder) && !strings.Contains(spec.RunCmdTpl, ClassPlaceholder) {
		return spec.SourceFile, ""
	}
	className = JavaClassName(source)
	return strings.ReplaceAll(spec.SourceFile, ClassPlaceholder, className), className
}
