package profile_test

import (
	"testing"

	"codejudge/internal/judge/sandbox/profile"
	appErr "codejudge/pkg/errors"
)

func TestDefaultTableLookup(t *testing.T) {
	table := profile.DefaultTable()

	for _, id := range []string{"python", "javascript", "cpp", "java"} {
		if !table.IsSupported(id) {
			t.Fatalf("expected %s to be supported", id)
		}
	}

	spec, err := table.Lookup("cpp")
	if err != nil {
		t.Fatalf("lookup cpp: %v", err)
	}
	if !spec.CompileEnabled || spec.BinaryFile != "code" {
		t.Fatalf("unexpected cpp spec: %+v", spec)
	}

	_, err = table.Lookup("ruby")
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}

	langs := table.Languages()
	if len(langs) != 4 || langs[0].ID != "cpp" {
		t.Fatalf("expected sorted languages, got %+v", langs)
	}
}

func TestJavaClassName(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "public class", source: "public class Solution {\n public static void main(String[] a){} }", want: "Solution"},
		{name: "extra whitespace", source: "public   class\tFoo_1 {}", want: "Foo_1"},
		{name: "no public class", source: "class Hidden {}", want: "Main"},
		{name: "first match wins", source: "public class A {} public class B {}", want: "A"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := profile.JavaClassName(tt.source); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolveSourceFile(t *testing.T) {
	table := profile.DefaultTable()

	java, _ := table.Lookup("java")
	file, class := profile.ResolveSourceFile(java, "public class Hello {}")
	if file != "Hello.java" || class != "Hello" {
		t.Fatalf("expected Hello.java/Hello, got %s/%s", file, class)
	}

	py, _ := table.Lookup("python")
	file, class = profile.ResolveSourceFile(py, "print(1)")
	if file != "code.py" || class != "" {
		t.Fatalf("expected code.py with no class, got %s/%s", file, class)
	}
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name  string
		specs []profile.LanguageSpec
	}{
		{name: "empty", specs: nil},
		{name: "missing run", specs: []profile.LanguageSpec{{ID: "x", SourceFile: "x.x"}}},
		{name: "compile without cmd", specs: []profile.LanguageSpec{{ID: "x", SourceFile: "x.c", RunCmdTpl: "./x", CompileEnabled: true}}},
		{name: "bin without binary", specs: []profile.LanguageSpec{{ID: "x", SourceFile: "x.c", RunCmdTpl: "{bin}"}}},
		{name: "duplicate", specs: []profile.LanguageSpec{
			{ID: "x", SourceFile: "x.py", RunCmdTpl: "python3 {src}"},
			{ID: "x", SourceFile: "x.py", RunCmdTpl: "python3 {src}"},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := profile.NewTable(tt.specs); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
