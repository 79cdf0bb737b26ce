// Package config loads and merges rconfd's template-record configuration
// files: the configuration directory is scanned exactly once at startup
// (§1 Non-goals — no discovery of new files afterward).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	rcerrors "github.com/systmms/rconfd/internal/errors"
)

// Hooks names the commands executed when a template's output changes, and
// once after the process's first successful pass.
type Hooks struct {
	Modified string `json:"modified,omitempty" yaml:"modified,omitempty"`
	Ready    string `json:"ready,omitempty" yaml:"ready,omitempty"`
}

// TemplateRecord is one entry of a configuration file: the metadata and
// secret declarations for a single jsonnet template.
type TemplateRecord struct {
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Mode    string            `json:"mode,omitempty" yaml:"mode,omitempty"`
	User    string            `json:"user,omitempty" yaml:"user,omitempty"`
	Secrets map[string]string `json:"secrets" yaml:"secrets"`
	Hooks   Hooks             `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Cmd     string            `json:"cmd,omitempty" yaml:"cmd,omitempty"`

	// SourceFile is the configuration file this record was decoded from,
	// used for duplicate-key error messages. Not part of the wire format.
	SourceFile string `json:"-" yaml:"-"`
}

// ModifiedHook returns the command to run when this template's output
// changes, accepting the legacy single cmd field as an alias for
// hooks.modified per §9's open question.
func (r TemplateRecord) ModifiedHook() string {
	if r.Hooks.Modified != "" {
		return r.Hooks.Modified
	}
	return r.Cmd
}

// Set is the merged configuration: every template record, keyed by
// template file path.
type Set struct {
	Templates map[string]TemplateRecord
}

// SortedPaths returns template paths in the deterministic order §5
// requires: a lexicographic sort of configuration-file basenames, then
// template keys within each file.
func (s *Set) SortedPaths() []string {
	paths := make([]string, 0, len(s.Templates))
	for p := range s.Templates {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		fi, fj := s.Templates[paths[i]].SourceFile, s.Templates[paths[j]].SourceFile
		if fi != fj {
			return fi < fj
		}
		return paths[i] < paths[j]
	})
	return paths
}

// Load scans dir for .json, .yaml and .yml configuration files, validates
// each against the template-record schema, and merges them by union.
// Duplicate template keys across files are a ConfigError. Only regular
// files (symlinks to regular files included) with one of those extensions
// are considered, matching the upstream daemon's is_conffile check; the
// original itself only recognizes .json, .yaml/.yml is an rconfd extension
// (see SPEC_FULL.md's SUPPLEMENTED FEATURES).
func Load(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, rcerrors.ConfigError{Path: dir, Message: fmt.Sprintf("cannot read configuration directory: %v", err)}
	}

	var files []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)

	set := &Set{Templates: make(map[string]TemplateRecord)}

	for _, path := range files {
		records, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for key, rec := range records {
			if existing, ok := set.Templates[key]; ok {
				return nil, rcerrors.ConfigError{
					Path:    path,
					Field:   key,
					Message: fmt.Sprintf("duplicate template key, already defined in %s", existing.SourceFile),
				}
			}
			rec.SourceFile = filepath.Base(path)
			set.Templates[key] = rec
		}
	}

	return set, nil
}

func loadFile(path string) (map[string]TemplateRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rcerrors.ConfigError{Path: path, Message: err.Error()}
	}

	jsonBytes := raw
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return nil, rcerrors.ConfigError{Path: path, Message: "invalid YAML: " + err.Error()}
		}
		jsonBytes, err = json.Marshal(normalizeYAML(generic))
		if err != nil {
			return nil, rcerrors.ConfigError{Path: path, Message: err.Error()}
		}
	}

	if err := validateSchema(path, jsonBytes); err != nil {
		return nil, err
	}

	var records map[string]TemplateRecord
	if err := json.Unmarshal(jsonBytes, &records); err != nil {
		return nil, rcerrors.ConfigError{Path: path, Message: "invalid JSON: " + err.Error()}
	}

	return records, nil
}

// normalizeYAML converts the map[interface{}]interface{} shapes
// gopkg.in/yaml.v3 can produce into map[string]interface{}, so the result
// marshals to valid JSON.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = normalizeYAML(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalizeYAML(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalizeYAML(e)
		}
		return out
	default:
		return val
	}
}

func validateSchema(path string, jsonBytes []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(templateRecordSchema)
	docLoader := gojsonschema.NewBytesLoader(jsonBytes)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return rcerrors.ConfigError{Path: path, Message: err.Error()}
	}
	if !result.Valid() {
		var details []string
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return rcerrors.ConfigError{Path: path, Message: strings.Join(details, "; ")}
	}
	return nil
}
