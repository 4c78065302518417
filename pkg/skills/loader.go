// Package skills implements the Skill Loader (C6): discovery of markdown
// skills from on-disk roots and plugin-contributed directories, front-matter
// parsing into SkillMetadata, synchronization into Storage, and eligibility
// computation for enabling a skill's prompt contribution and tool dispatch.
//
// Grounded on the teacher's pkg/specialists/loader.go front-matter
// extraction shape, generalized from a single-field (name/description)
// parse into the full SkillMetadata record spec.md §3/§4.6 names, and
// backed by gopkg.in/yaml.v3 instead of the teacher's hand-rolled
// parseSimpleYAML (see DESIGN.md).
package skills

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/storage"
)

// Metadata is the parsed front-matter of one skill document.
type Metadata struct {
	Name                   string   `yaml:"name"`
	Description            string   `yaml:"description"`
	Version                string   `yaml:"version"`
	Author                 string   `yaml:"author"`
	Tags                   []string `yaml:"tags"`
	Permissions            []string `yaml:"permissions"`
	Always                 bool     `yaml:"always"`
	UserInvocable          bool     `yaml:"user_invocable"`
	DisableModelInvocation bool     `yaml:"disable_model_invocation"`
	Emoji                  string   `yaml:"emoji"`
	RequiresEnv            []string `yaml:"requires_env"`
	RequiresBins           []string `yaml:"requires_bins"`
	RequiresAnyBins        []string `yaml:"requires_any_bins"`
	OS                     []string `yaml:"os"`
	PrimaryEnv             string   `yaml:"primary_env"`
	CommandDispatch        string   `yaml:"command_dispatch"` // "tool" or "" (prompt-only)
	CommandTool            string   `yaml:"command_tool"`
	Install                []string `yaml:"install"`
	RequiresConfig         []string `yaml:"requires_config"`
}

// Document is one discovered skill file: its parsed metadata and body.
type Document struct {
	Path   string
	Meta   Metadata
	Body   string
	Origin storage.SkillOrigin
}

var frontmatterRe = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?`)

func parseFrontmatter(content string) (Metadata, string) {
	loc := frontmatterRe.FindStringSubmatchIndex(content)
	if loc == nil {
		return Metadata{}, content
	}
	raw := content[loc[2]:loc[3]]
	body := content[loc[1]:]

	var meta Metadata
	if err := yaml.Unmarshal([]byte(raw), &meta); err != nil {
		logger.WarnCF("skills", "front-matter parse failed, treating as body-only", map[string]interface{}{
			"error": err.Error(),
		})
		return Metadata{}, content
	}
	return meta, body
}

// Loader discovers skill documents under a managed root, additional roots,
// and plugin-contributed directories.
type Loader struct {
	managedDir   string
	extraRoots   []string
	pluginDirs   []string
}

// NewLoader creates a loader rooted at managedDir (the primary skills
// directory, e.g. data_dir/skills) plus any extra roots and plugin dirs.
func NewLoader(managedDir string, extraRoots, pluginDirs []string) *Loader {
	return &Loader{managedDir: managedDir, extraRoots: extraRoots, pluginDirs: pluginDirs}
}

// Discover walks every configured root and returns one Document per
// skill file found (a single .md file, or a directory containing SKILL.md).
func (l *Loader) Discover() []Document {
	var docs []Document
	docs = append(docs, l.scanRoot(l.managedDir, storage.OriginBundled)...)
	for _, r := range l.extraRoots {
		docs = append(docs, l.scanRoot(r, storage.OriginRemoteNamespace)...)
	}
	for _, r := range l.pluginDirs {
		docs = append(docs, l.scanRoot(r, storage.OriginPlugin)...)
	}
	return docs
}

func (l *Loader) scanRoot(root string, origin storage.SkillOrigin) []Document {
	var docs []Document
	if root == "" {
		return docs
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return docs
	}
	for _, e := range entries {
		var path string
		if e.IsDir() {
			path = filepath.Join(root, e.Name(), "SKILL.md")
			if _, err := os.Stat(path); err != nil {
				continue
			}
		} else if strings.HasSuffix(e.Name(), ".md") {
			path = filepath.Join(root, e.Name())
		} else {
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			logger.WarnCF("skills", "failed to read skill file", map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}
		meta, body := parseFrontmatter(string(content))
		if meta.Name == "" {
			meta.Name = strings.TrimSuffix(filepath.Base(path), ".md")
		}
		docs = append(docs, Document{Path: path, Meta: meta, Body: body, Origin: origin})
	}
	return docs
}

// ToStorageSkill converts a discovered document into the storage.Skill row
// shape, before ID/priority/command_name assignment (done by the repo).
func ToStorageSkill(d Document) *storage.Skill {
	m := d.Meta
	return &storage.Skill{
		Name:                   m.Name,
		Description:            m.Description,
		Version:                m.Version,
		Author:                 m.Author,
		Tags:                   m.Tags,
		Permissions:            m.Permissions,
		Body:                   d.Body,
		SourceOrigin:           d.Origin,
		AlwaysInclude:          m.Always,
		UserInvocable:          m.UserInvocable,
		DisableModelInvocation: m.DisableModelInvocation,
		CommandName:            commandNameFor(m),
		Emoji:                  m.Emoji,
		RequiresEnv:            m.RequiresEnv,
		RequiresBins:           m.RequiresBins,
		RequiresAnyBins:        m.RequiresAnyBins,
		OSTags:                 m.OS,
		PrimaryEnv:             m.PrimaryEnv,
		CommandDispatch:        m.CommandDispatch,
		CommandTool:            m.CommandTool,
		InstallSpec:            strings.Join(m.Install, "\n"),
		RequiresConfig:         m.RequiresConfig,
	}
}

func commandNameFor(m Metadata) string {
	if !m.UserInvocable {
		return ""
	}
	return m.Name
}

// Sync discovers every skill and synchronizes it into Storage: bundled
// skills (origin=bundled, under the managed dir shipped with the binary) use
// UpsertBundled so user toggles survive a content refresh; everything else
// uses InstallWithPriority. Re-running Sync is idempotent (§4.6).
func Sync(ctx context.Context, repo *storage.SkillRepo, loader *Loader, defaultPriority storage.SkillPriority) ([]*storage.Skill, error) {
	docs := loader.Discover()
	out := make([]*storage.Skill, 0, len(docs))
	for _, d := range docs {
		sk := ToStorageSkill(d)
		var (
			stored *storage.Skill
			err    error
		)
		if d.Origin == storage.OriginBundled {
			stored, err = repo.UpsertBundled(ctx, sk, defaultPriority)
		} else {
			stored, err = repo.InstallWithPriority(ctx, sk, defaultPriority, "")
		}
		if err != nil {
			logger.WarnCF("skills", "sync failed for skill", map[string]interface{}{"skill": sk.Name, "error": err.Error()})
			continue
		}
		out = append(out, stored)
	}
	return out, nil
}

// HostEnv abstracts the host-capability checks Eligible performs, so tests
// can fake missing binaries/env without touching the real environment.
type HostEnv struct {
	LookPath func(name string) (string, error)
	Getenv   func(name string) string
	GOOS     string
}

// DefaultHostEnv uses the real process environment and $PATH.
func DefaultHostEnv() HostEnv {
	return HostEnv{LookPath: exec.LookPath, Getenv: os.Getenv, GOOS: runtime.GOOS}
}

// Eligible reports whether a skill's host requirements are satisfied (§4.6):
// OS tags, required env vars, required config paths, and binary
// requirements (all-of and any-of). Ineligible skills stay installed but are
// excluded from the system prompt and tool list.
func Eligible(sk *storage.Skill, env HostEnv, configResolved func(path string) bool) bool {
	if len(sk.OSTags) > 0 && !contains(sk.OSTags, env.GOOS) {
		return false
	}
	for _, v := range sk.RequiresEnv {
		if env.Getenv(v) == "" {
			return false
		}
	}
	for _, p := range sk.RequiresConfig {
		if configResolved != nil && !configResolved(p) {
			return false
		}
	}
	for _, bin := range sk.RequiresBins {
		if _, err := env.LookPath(bin); err != nil {
			return false
		}
	}
	if len(sk.RequiresAnyBins) > 0 {
		anyFound := false
		for _, bin := range sk.RequiresAnyBins {
			if _, err := env.LookPath(bin); err == nil {
				anyFound = true
				break
			}
		}
		if !anyFound {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// PromptInjection renders the system-prompt contribution of every enabled,
// eligible, always_include skill as a simple tagged block, matching the
// teacher's XML-ish specialist-summary convention.
func PromptInjection(enabled []storage.Skill, env HostEnv, configResolved func(string) bool) string {
	var b strings.Builder
	any := false
	for _, sk := range enabled {
		if !sk.AlwaysInclude || !Eligible(&sk, env, configResolved) {
			continue
		}
		if !any {
			b.WriteString("<skills>\n")
			any = true
		}
		fmt.Fprintf(&b, "  <skill name=%q>\n%s\n  </skill>\n", sk.Name, strings.TrimSpace(sk.Body))
	}
	if any {
		b.WriteString("</skills>")
	}
	return b.String()
}
