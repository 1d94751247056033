// Package patternfile reads and writes portable knock pattern documents.
//
// A document is JSON or YAML, validated against an embedded JSON schema.
// The optional digest is checked against the beats on decode and always
// written on encode.
package patternfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"knockd/internal/knock"
	"knockd/internal/store"
)

// Version is the document format version.
const Version = 1

const schemaURL = "https://knockd.dev/schema/pattern-v1.schema.json"

//go:embed schema/pattern-v1.schema.json
var schemaJSON []byte

var (
	// ErrInvalidDocument is returned for documents that fail schema or
	// sequence validation.
	ErrInvalidDocument = errors.New("patternfile: invalid document")
	// ErrDigestMismatch is returned when the digest does not match the beats.
	ErrDigestMismatch = errors.New("patternfile: digest does not match beats")
)

// Format is a document encoding.
type Format int

const (
	JSON Format = iota
	YAML
)

// FormatFromPath picks YAML for .yaml/.yml and JSON otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return JSON
	}
}

// Document is the on-disk form of a pattern.
type Document struct {
	Version       int                      `json:"version" yaml:"version"`
	Name          string                   `json:"name" yaml:"name"`
	Beats         knock.NormalizedSequence `json:"beats" yaml:"beats,flow"`
	Threshold     *float64                 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	AllowedErrors *int                     `json:"allowed_errors,omitempty" yaml:"allowed_errors,omitempty"`
	Digest        string                   `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// FromPattern builds a document from a stored pattern.
func FromPattern(p *store.Pattern) *Document {
	return &Document{
		Version:       Version,
		Name:          p.Name,
		Beats:         p.Beats.Clone(),
		Threshold:     p.Threshold,
		AllowedErrors: p.AllowedErrors,
		Digest:        knock.Fingerprint(p.Beats),
	}
}

// Pattern converts the document into an unsaved store pattern.
func (d *Document) Pattern() *store.Pattern {
	return &store.Pattern{
		Name:          d.Name,
		Beats:         d.Beats.Clone(),
		Threshold:     d.Threshold,
		AllowedErrors: d.AllowedErrors,
	}
}

var (
	compileOnce sync.Once
	schema      *jsonschema.Schema
	compileErr  error
)

func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, compileErr = compiler.Compile(schemaURL)
	})
	return schema, compileErr
}

// Decode parses a JSON or YAML document, validates it and checks its digest.
func Decode(data []byte) (*Document, error) {
	raw, err := toJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	sch, err := documentSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !doc.Beats.Valid() {
		return nil, fmt.Errorf("%w: beats must be non-decreasing, start at 0 and end at 1", ErrInvalidDocument)
	}
	if doc.Digest != "" && doc.Digest != knock.Fingerprint(doc.Beats) {
		return nil, ErrDigestMismatch
	}
	return &doc, nil
}

// toJSON returns JSON input unchanged and re-encodes YAML as JSON.
func toJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}

	var v any
	if err := yaml.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("decode YAML: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("convert YAML: %w", err)
	}
	return out, nil
}

// Encode serializes doc in the given format, stamping the version and digest.
func Encode(doc *Document, format Format) ([]byte, error) {
	if !doc.Beats.Valid() || doc.Name == "" {
		return nil, ErrInvalidDocument
	}

	out := *doc
	out.Version = Version
	out.Digest = knock.Fingerprint(doc.Beats)

	switch format {
	case YAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&out); err != nil {
			return nil, fmt.Errorf("encode YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode YAML: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(&out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode JSON: %w", err)
		}
		return append(data, '\n'), nil
	}
}
