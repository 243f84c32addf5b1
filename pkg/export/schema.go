package export

import (
	"fmt"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"
)

// itemsRootSchema matches the shared root shape of memory_analysis,
// lifetime, unsafe_ffi, and complex_types: {version, source_trace, items[]}.
const itemsRootSchema = `{
	"type": "object",
	"required": ["version", "source_trace", "items"],
	"properties": {
		"version": {"type": "integer"},
		"source_trace": {"type": "string"},
		"items": {"type": "array"},
		"_truncated": {"type": "boolean"}
	}
}`

// metricsRootSchema matches performance.json's aggregate shape:
// {version, source_trace, metrics}.
const metricsRootSchema = `{
	"type": "object",
	"required": ["version", "source_trace", "metrics"],
	"properties": {
		"version": {"type": "integer"},
		"source_trace": {"type": "string"},
		"metrics": {"type": "object"},
		"_truncated": {"type": "boolean"}
	}
}`

var schemaByKind = map[string]string{
	"memory_analysis": itemsRootSchema,
	"lifetime":        itemsRootSchema,
	"performance":     metricsRootSchema,
	"unsafe_ffi":      itemsRootSchema,
	"complex_types":   itemsRootSchema,
}

// validateArtifact checks the JSON artifact already written at path
// against the embedded schema for kind, giving the "schema version header"
// real teeth instead of a number nobody checks. It validates the file a
// producer just streamed to disk rather than an in-memory copy of its
// contents, so schema validation never requires holding a whole artifact
// in memory either.
func validateArtifact(kind, path string) error {
	schema, ok := schemaByKind[kind]
	if !ok {
		return fmt.Errorf("export: no schema registered for %q", kind)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("export: schema validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewReferenceLoader("file://"+filepath.ToSlash(abs)),
	)
	if err != nil {
		return fmt.Errorf("export: schema validation error: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("export: %s artifact failed schema validation: %v", kind, result.Errors())
	}

	return nil
}
