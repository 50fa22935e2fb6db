// Package schemas loads the module schema registry and validates
// authoring payloads against it.
//
// The registry mirrors the on-disk layout modules reference in their
// schema paths: <dir>/<domain>/vN[.M[.P]].json, addressed from modules as
// "./schemas/<domain>/vN.json". Each document is a JSON schema with a
// human-readable "title"; image-bearing schemas either declare
// "x-umdf-payload": "image" or live under an image* domain.
package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"
)

// ErrUnknownSchema is returned when a schema path is not in the registry.
var ErrUnknownSchema = errors.New("schemas: unknown schema path")

// payloadMarker is the schema-document key declaring the payload kind.
const payloadMarker = "x-umdf-payload"

// Schema is one registered module schema.
type Schema struct {
	// ID is the short identifier, e.g. "lab.v1".
	ID string `json:"id"`

	// Domain is the schema family, e.g. "lab".
	Domain string `json:"domain"`

	// Version is parsed from the file name's vN[.M[.P]] segment.
	Version *semver.Version `json:"version"`

	// Path is the module-facing schema path, e.g. "./schemas/lab/v1.json".
	Path string `json:"path"`

	// Title is the document's title field.
	Title string `json:"title"`

	// ImageBearing reports whether modules under this schema carry frame
	// payloads.
	ImageBearing bool `json:"imageBearing"`

	// Document is the raw schema document.
	Document map[string]any `json:"document"`

	compiled *gojsonschema.Schema
}

// ValidationError reports an authoring payload that failed its schema.
type ValidationError struct {
	SchemaID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schemas: payload does not satisfy %s: %s", e.SchemaID, strings.Join(e.Problems, "; "))
}

// Registry holds the loaded schemas. It is immutable after Load and safe
// for concurrent use.
type Registry struct {
	byRel map[string]*Schema
	ids   []string
}

// Load reads every <domain>/<version>.json under dir.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	reg := &Registry{byRel: make(map[string]*Schema)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domain := entry.Name()
		files, err := os.ReadDir(filepath.Join(dir, domain))
		if err != nil {
			return nil, fmt.Errorf("read schema domain %s: %w", domain, err)
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			schema, err := loadSchema(dir, domain, file.Name())
			if err != nil {
				return nil, err
			}
			reg.byRel[domain+"/"+file.Name()] = schema
		}
	}

	for rel := range reg.byRel {
		reg.ids = append(reg.ids, rel)
	}
	sort.Slice(reg.ids, func(i, j int) bool {
		a, b := reg.byRel[reg.ids[i]], reg.byRel[reg.ids[j]]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		return a.Version.GreaterThan(b.Version)
	})
	return reg, nil
}

func loadSchema(dir, domain, filename string) (*Schema, error) {
	full := filepath.Join(dir, domain, filename)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", full, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema %s is not valid JSON: %w", full, err)
	}

	versionTag := strings.TrimSuffix(filename, ".json")
	version, err := parseVersionTag(versionTag)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", full, err)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", full, err)
	}

	title, _ := doc["title"].(string)
	if title == "" {
		title = "Unknown Schema"
	}

	return &Schema{
		ID:           domain + "." + versionTag,
		Domain:       domain,
		Version:      version,
		Path:         "./schemas/" + domain + "/" + filename,
		Title:        title,
		ImageBearing: imageBearing(domain, doc),
		Document:     doc,
		compiled:     compiled,
	}, nil
}

// parseVersionTag parses "v1", "v1.0" or "v1.0.2".
func parseVersionTag(tag string) (*semver.Version, error) {
	if !strings.HasPrefix(tag, "v") {
		return nil, fmt.Errorf("version tag %q must start with 'v'", tag)
	}
	version, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
	if err != nil {
		return nil, fmt.Errorf("version tag %q: %w", tag, err)
	}
	return version, nil
}

func imageBearing(domain string, doc map[string]any) bool {
	if marker, ok := doc[payloadMarker].(string); ok {
		return marker == "image"
	}
	return strings.Contains(domain, "image") || strings.Contains(domain, "imaging")
}

// normalize reduces a module-facing schema path to the registry key,
// e.g. "./schemas/lab/v1.json" -> "lab/v1.json".
func normalize(schemaPath string) string {
	p := path.Clean(strings.TrimPrefix(schemaPath, "./"))
	return strings.TrimPrefix(p, "schemas/")
}

// List returns all schemas, ordered by domain then newest version first.
func (r *Registry) List() []*Schema {
	out := make([]*Schema, 0, len(r.ids))
	for _, rel := range r.ids {
		out = append(out, r.byRel[rel])
	}
	return out
}

// Get looks up a schema by short ID ("lab.v1").
func (r *Registry) Get(id string) (*Schema, bool) {
	for _, s := range r.byRel {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// ByPath looks up a schema by module-facing path. Leading "./" and
// "schemas/" segments are optional.
func (r *Registry) ByPath(schemaPath string) (*Schema, bool) {
	s, ok := r.byRel[normalize(schemaPath)]
	return s, ok
}

// ImageBearing reports whether the schema at schemaPath carries frame
// payloads. Unregistered paths fall back to the path heuristic the
// original tooling used.
func (r *Registry) ImageBearing(schemaPath string) bool {
	if s, ok := r.ByPath(schemaPath); ok {
		return s.ImageBearing
	}
	p := normalize(schemaPath)
	return strings.Contains(p, "image")
}

// Validate checks an authoring metadata document against the schema at
// schemaPath. Unknown paths return ErrUnknownSchema.
func (r *Registry) Validate(schemaPath string, doc map[string]any) error {
	s, ok := r.ByPath(schemaPath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, schemaPath)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schemas: validate against %s: %w", s.ID, err)
	}
	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			problems[i] = desc.String()
		}
		return &ValidationError{SchemaID: s.ID, Problems: problems}
	}
	return nil
}
