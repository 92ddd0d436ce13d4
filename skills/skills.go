// Package skills discovers SKILL.md definitions. Two directories are
// scanned: the Claude CLI's own skills under ~/.claude/skills and the
// app's skills directory. Each skill is a directory containing a SKILL.md
// with YAML frontmatter; app skills shadow CLI skills with the same id.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vibes-agent/vibes-core/logger"
	"github.com/vibes-agent/vibes-core/paths"
)

// Source identifies which directory a skill came from.
type Source string

const (
	SourceClaude Source = "claude"
	SourceApp    Source = "vibes-agent"
)

// Skill is one discovered skill definition.
type Skill struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Content       string `json:"content"`
	Source        Source `json:"source"`
	UserInvocable bool   `json:"userInvocable"`
}

// frontmatter is the recognized SKILL.md header. Unknown keys are ignored.
type frontmatter struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	UserInvocable *bool  `yaml:"user-invocable"`
}

// List returns all skills from both directories, sorted by name. App
// skills replace CLI skills sharing an id.
func List() []Skill {
	claudeDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		claudeDir = filepath.Join(home, ".claude", "skills")
	}
	appDir, err := paths.SkillsDir()
	if err != nil {
		appDir = ""
	}
	return ListFrom(claudeDir, appDir)
}

// ListFrom scans explicit directories. Either may be empty or missing.
func ListFrom(claudeDir, appDir string) []Skill {
	byID := make(map[string]Skill)
	for _, s := range scanDir(claudeDir, SourceClaude) {
		byID[s.ID] = s
	}
	for _, s := range scanDir(appDir, SourceApp) {
		byID[s.ID] = s
	}

	out := make([]Skill, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// scanDir reads every skill directory under dir. Unreadable entries are
// skipped; a missing dir yields nothing. Symlinked skill directories are
// followed.
func scanDir(dir string, source Source) []Skill {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Get().Debug("failed to read skills directory", "dir", dir, "error", err)
		}
		return nil
	}

	var skills []Skill
	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())
		real, err := filepath.EvalSymlinks(entryPath)
		if err != nil {
			continue
		}
		info, err := os.Stat(real)
		if err != nil || !info.IsDir() {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(real, "SKILL.md"))
		if err != nil {
			continue
		}

		meta, body := splitFrontmatter(string(raw))
		skill := Skill{
			ID:            entry.Name(),
			Name:          entry.Name(),
			Description:   meta.Description,
			Content:       strings.TrimSpace(body),
			Source:        source,
			UserInvocable: meta.UserInvocable == nil || *meta.UserInvocable,
		}
		if meta.Name != "" {
			skill.Name = meta.Name
		}
		skills = append(skills, skill)
	}
	return skills
}

// splitFrontmatter separates the YAML header from the body. Files without
// a well-formed header are all body.
func splitFrontmatter(raw string) (frontmatter, string) {
	var meta frontmatter

	rest, ok := strings.CutPrefix(raw, "---\n")
	if !ok {
		rest, ok = strings.CutPrefix(raw, "---\r\n")
	}
	if !ok {
		return meta, raw
	}
	idx := strings.Index(rest, "\n---\n")
	end := idx + len("\n---\n")
	if idx == -1 {
		idx = strings.Index(rest, "\n---\r\n")
		end = idx + len("\n---\r\n")
	}
	if idx == -1 {
		return meta, raw
	}

	header, body := rest[:idx], rest[end:]
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		logger.Get().Debug("failed to parse skill frontmatter", "error", err)
		return frontmatter{}, raw
	}
	return meta, body
}
