package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// PersonaFiles are concatenated, in order, into the system prompt.
var PersonaFiles = []string{"AGENTS.md", "SOUL.md"}

// Persona returns the trimmed contents of the persona files that exist,
// separated by blank lines.
func (r *Reader) Persona() string {
	var parts []string
	for _, name := range PersonaFiles {
		data, err := os.ReadFile(filepath.Join(r.root, name))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
