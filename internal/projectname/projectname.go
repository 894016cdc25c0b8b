// Package projectname derives a human-readable project name from a
// working directory, for use as an instance's display name.
package projectname

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	tomlNameRe = regexp.MustCompile(`(?m)^\s*name\s*=\s*["']([^"']+)["']`)
	goModRe    = regexp.MustCompile(`(?m)^module\s+(\S+)`)
)

// Detect tries, in order: git remote "origin" URL, package.json "name",
// pyproject.toml "name", go.mod module path, Cargo.toml "name", falling
// back to the directory's basename. Each step tolerates parse errors by
// falling through to the next.
func Detect(directory string) string {
	if name, ok := fromGitConfig(directory); ok {
		return name
	}
	if name, ok := fromPackageJSON(directory); ok {
		return name
	}
	if name, ok := fromTOMLName(filepath.Join(directory, "pyproject.toml")); ok {
		return name
	}
	if name, ok := fromGoMod(directory); ok {
		return name
	}
	if name, ok := fromTOMLName(filepath.Join(directory, "Cargo.toml")); ok {
		return name
	}
	return filepath.Base(directory)
}

func fromGitConfig(directory string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(directory, ".git", "config"))
	if err != nil {
		return "", false
	}

	var section string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "["):
			section = line
		case section == `[remote "origin"]` && strings.HasPrefix(line, "url"):
			idx := strings.IndexByte(line, '=')
			if idx < 0 {
				continue
			}
			url := strings.TrimSpace(line[idx+1:])
			if name, ok := repoNameFromURL(url); ok {
				return name, true
			}
		}
	}
	return "", false
}

func repoNameFromURL(url string) (string, bool) {
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, ".git")

	if strings.HasPrefix(url, "git@") && strings.Contains(url, ":") {
		path := strings.SplitN(url, ":", 2)[1]
		parts := strings.Split(path, "/")
		return parts[len(parts)-1], true
	}
	if strings.Contains(url, "://") {
		path := strings.SplitN(url, "://", 2)[1]
		parts := strings.Split(path, "/")
		return parts[len(parts)-1], true
	}
	return "", false
}

func fromPackageJSON(directory string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(directory, "package.json"))
	if err != nil {
		return "", false
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil || pkg.Name == "" {
		return "", false
	}
	name := pkg.Name
	if strings.HasPrefix(name, "@") && strings.Contains(name, "/") {
		name = strings.SplitN(name, "/", 2)[1]
	}
	return name, true
}

func fromTOMLName(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	m := tomlNameRe.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

func fromGoMod(directory string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(directory, "go.mod"))
	if err != nil {
		return "", false
	}
	m := goModRe.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	parts := strings.Split(string(m[1]), "/")
	return parts[len(parts)-1], true
}
