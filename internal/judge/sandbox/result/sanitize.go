package result

import (
	"regexp"
	"strings"
)

// SandboxDir is the workspace mount point inside the container backend.
const SandboxDir = "/sandbox"

var (
	pythonTracePath = regexp.MustCompile(`File "/sandbox/.*?", `)
	compiledPath    = regexp.MustCompile(`/sandbox/[A-Za-z0-9_]+\.(cpp|java):\d+(:\d+)?(: \w+)?`)
	// g++ context lines such as "/sandbox/code.cpp: In function ..." carry no line number.
	compiledFile = regexp.MustCompile(`/sandbox/[A-Za-z0-9_]+\.(cpp|java):`)
)

// SanitizeError strips workspace paths out of compiler and interpreter output
// so callers never see host layout. hostDir is the workspace directory of the
// local backend; it is rewritten to SandboxDir before the language patterns apply.
func SanitizeError(language, msg, hostDir string) string {
	if msg == "" {
		return msg
	}
	if hostDir != "" && hostDir != SandboxDir {
		msg = strings.ReplaceAll(msg, strings.TrimRight(hostDir, "/"), SandboxDir)
	}
	switch language {
	case "python":
		msg = pythonTracePath.ReplaceAllString(msg, "")
	case "cpp", "java":
		msg = compiledPath.ReplaceAllString(msg, "")
		msg = compiledFile.ReplaceAllString(msg, "")
	}
	return msg
}
