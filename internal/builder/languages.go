package builder

import (
	"embed"
	"fmt"
	"sort"
	"text/template"
)

//go:embed templates
var templateFS embed.FS

// Dependency is one entry of a bundle's dependency manifest.
type Dependency struct {
	Name    string
	Version string
}

// Language maps a language tag to its host scaffold and build recipe.
type Language struct {
	Tag        string
	Framework  string
	BaseImage  string
	Port       int
	Entrypoint string
	Manifest   string

	dependencies []Dependency
	storeDeps    map[string]Dependency

	scaffold *template.Template
	recipe   *template.Template
	manifest *template.Template
}

var languages = map[string]*Language{
	"python": {
		Tag:        "python",
		Framework:  "FastAPI",
		BaseImage:  "python:3.11-slim",
		Port:       8000,
		Entrypoint: "app.py",
		Manifest:   "requirements.txt",
		dependencies: []Dependency{
			{Name: "fastapi", Version: "0.104.1"},
			{Name: "uvicorn", Version: "0.24.0"},
		},
		storeDeps: map[string]Dependency{
			"postgres": {Name: "psycopg2-binary", Version: "2.9.9"},
			"redis":    {Name: "redis", Version: "5.0.1"},
		},
	},
	"javascript": {
		Tag:        "javascript",
		Framework:  "Express.js",
		BaseImage:  "node:20-slim",
		Port:       3000,
		Entrypoint: "app.js",
		Manifest:   "package.json",
		dependencies: []Dependency{
			{Name: "express", Version: "^4.18.2"},
		},
		storeDeps: map[string]Dependency{
			"postgres": {Name: "pg", Version: "^8.11.3"},
			"redis":    {Name: "redis", Version: "^4.6.10"},
		},
	},
}

func init() {
	for tag, lang := range languages {
		dir := "templates/" + tag + "/"
		lang.scaffold = template.Must(template.ParseFS(templateFS, dir+lang.Entrypoint+".tmpl"))
		lang.recipe = template.Must(template.ParseFS(templateFS, dir+"Dockerfile.tmpl"))
		lang.manifest = template.Must(template.ParseFS(templateFS, dir+lang.Manifest+".tmpl"))
	}
}

// Lookup returns the registered language for tag.
func Lookup(tag string) (*Language, bool) {
	lang, ok := languages[tag]
	return lang, ok
}

// Languages lists the supported language tags in sorted order.
func Languages() []string {
	tags := make([]string, 0, len(languages))
	for tag := range languages {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (l *Language) dependenciesFor(storeKind string) ([]Dependency, error) {
	deps := append([]Dependency(nil), l.dependencies...)
	if storeKind != "" {
		dep, ok := l.storeDeps[storeKind]
		if !ok {
			return nil, fmt.Errorf("data store %q is not supported for %s", storeKind, l.Tag)
		}
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}
