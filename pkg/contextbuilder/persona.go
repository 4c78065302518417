package contextbuilder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PersonaLoader resolves a persona's identity document from
// personaCacheDir/{persona}/PERSONA.md, mirroring the front-matter parsing
// pattern in the teacher's pkg/specialists/loader.go (SPECIALIST.md ->
// PERSONA.md, one persona per subdirectory).
type PersonaLoader struct {
	dir string
}

// NewPersonaLoader returns a loader rooted at personaCacheDir; each Load
// reads that persona's PERSONA.md from disk.
func NewPersonaLoader(personaCacheDir string) *PersonaLoader {
	return &PersonaLoader{dir: personaCacheDir}
}

// Load returns the persona's identity document with front-matter stripped.
// An empty persona ID resolves to "default". A missing file is not an
// error — callers fall back to a bare identity line per §4.3's failure
// policy.
func (pl *PersonaLoader) Load(ctx context.Context, persona string) (string, error) {
	if persona == "" {
		persona = "default"
	}
	path := filepath.Join(pl.dir, persona, "PERSONA.md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return personaStripFrontmatter(string(data)), nil
}

var personaFrontmatterStripRe = regexp.MustCompile(`(?s)^---\n.*?\n---\n`)

func personaStripFrontmatter(content string) string {
	return personaFrontmatterStripRe.ReplaceAllString(content, "")
}

// PersonaMetadata is the optional front-matter block on a PERSONA.md file.
type PersonaMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var personaFrontmatterRe = regexp.MustCompile(`(?s)^---\n(.*)\n---`)

// Metadata extracts a persona's front-matter, JSON-first then
// simple-YAML-fallback, matching specialists.getMetadata's strategy.
func (pl *PersonaLoader) Metadata(persona string) *PersonaMetadata {
	path := filepath.Join(pl.dir, persona, "PERSONA.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	match := personaFrontmatterRe.FindStringSubmatch(string(data))
	if len(match) < 2 {
		return nil
	}
	fm := match[1]

	var meta PersonaMetadata
	if json.Unmarshal([]byte(fm), &meta) == nil {
		return &meta
	}

	kv := make(map[string]string)
	for _, line := range strings.Split(fm, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		kv[strings.TrimSpace(parts[0])] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	return &PersonaMetadata{Name: kv["name"], Description: kv["description"]}
}
