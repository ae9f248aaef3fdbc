// Package builder turns a language tag and raw source into a runnable
// artifact bundle: entrypoint, dependency manifest and Dockerfile. It has
// no side effects; the provisioner does the actual image build.
package builder

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// DataStoreEnv is the variable through which deployed code finds its
// data store.
const DataStoreEnv = "DATA_STORE_URL"

// File is one file of a bundle.
type File struct {
	Name    string
	Content []byte
}

// Bundle is the built artifact for one Definition.
type Bundle struct {
	Name         string
	Language     string
	BaseImage    string
	InternalPort int
	Entrypoint   string
	Files        []File
	// Env is applied to the running instance, not baked into the image.
	Env    map[string]string
	Digest string
}

// File returns the named file, or nil.
func (b *Bundle) File(name string) *File {
	for i := range b.Files {
		if b.Files[i].Name == name {
			return &b.Files[i]
		}
	}
	return nil
}

// ImageTag is a content-addressed tag, so identical bundles share an image.
func (b *Bundle) ImageTag() string {
	return fmt.Sprintf("apiengine/%s:%s", b.Name, b.Digest[:12])
}

// Tar packs the bundle as a Docker build context. Headers carry a fixed
// timestamp, so equal bundles produce equal archives.
func (b *Bundle) Tar() (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, f := range b.Files {
		header := &tar.Header{
			Name:    f.Name,
			Mode:    0644,
			Size:    int64(len(f.Content)),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write header %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Request is the input of Build.
type Request struct {
	Name      string
	Language  string
	Source    string
	DataStore *models.DataStore
}

// Builder is stateless; the zero value is ready to use.
type Builder struct{}

// New creates a builder.
func New() *Builder {
	return &Builder{}
}

// Validate checks that a language tag is supported.
func (b *Builder) Validate(language string) error {
	if _, ok := Lookup(language); !ok {
		return apperr.Newf(apperr.UnsupportedLanguage,
			"language %q is not supported (supported: %s)", language, strings.Join(Languages(), ", "))
	}
	return nil
}

// Build assembles the bundle for req.
func (b *Builder) Build(req Request) (*Bundle, error) {
	lang, ok := Lookup(req.Language)
	if !ok {
		return nil, b.Validate(req.Language)
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, apperr.New(apperr.Invalid, "source code is empty")
	}

	storeKind := ""
	if req.DataStore != nil {
		storeKind = req.DataStore.Kind
	}
	deps, err := lang.dependenciesFor(storeKind)
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, err, err.Error())
	}

	name := imageName(req.Name)
	data := map[string]interface{}{
		"Name":         name,
		"Source":       req.Source,
		"Port":         lang.Port,
		"BaseImage":    lang.BaseImage,
		"Entrypoint":   lang.Entrypoint,
		"Manifest":     lang.Manifest,
		"Dependencies": deps,
	}

	bundle := &Bundle{
		Name:         name,
		Language:     lang.Tag,
		BaseImage:    lang.BaseImage,
		InternalPort: lang.Port,
		Entrypoint:   lang.Entrypoint,
		Env:          map[string]string{},
	}

	for _, part := range []struct {
		name string
		tmpl *template.Template
	}{
		{lang.Entrypoint, lang.scaffold},
		{lang.Manifest, lang.manifest},
		{"Dockerfile", lang.recipe},
	} {
		content, err := render(part.tmpl, data)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to render "+part.name)
		}
		bundle.Files = append(bundle.Files, File{Name: part.name, Content: content})
	}
	sort.Slice(bundle.Files, func(i, j int) bool { return bundle.Files[i].Name < bundle.Files[j].Name })

	if req.DataStore != nil && req.DataStore.URL != "" {
		bundle.Env[DataStoreEnv] = req.DataStore.URL
	}

	bundle.Digest = digest(bundle)
	return bundle, nil
}

func render(tmpl *template.Template, data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func digest(b *Bundle) string {
	h := sha256.New()
	for _, f := range b.Files {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write(f.Content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var invalidImageChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// imageName reduces a display name to a valid image repository component.
func imageName(name string) string {
	s := invalidImageChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-._")
	if s == "" {
		return "api"
	}
	if len(s) > 64 {
		s = strings.TrimRight(s[:64], "-._")
	}
	return s
}
