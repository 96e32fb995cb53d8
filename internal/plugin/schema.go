// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const schemaResource = "manifest.schema.json"

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	compiledSchema *santhosh.Schema
	schemaErr      error
)

// ManifestSchema returns the JSON Schema (draft 2020-12) generated from the
// Manifest type. Unknown properties are rejected at every level.
func ManifestSchema() ([]byte, error) {
	loadSchema()
	return schemaJSON, schemaErr
}

func loadSchema() {
	schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			ExpandedStruct: true,
			DoNotReference: true,
			Anonymous:      true,
		}
		s := reflector.Reflect(&Manifest{})
		s.Title = "bastion plugin manifest"

		schemaJSON, schemaErr = json.MarshalIndent(s, "", "  ")
		if schemaErr != nil {
			schemaErr = bastionerr.Wrap(schemaErr, bastionerr.CodePluginManifestSchemaInvalid, "marshalling manifest schema")
			return
		}

		compiler := santhosh.NewCompiler()
		compiler.Draft = santhosh.Draft2020
		if err := compiler.AddResource(schemaResource, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = bastionerr.Wrap(err, bastionerr.CodePluginManifestSchemaInvalid, "adding manifest schema resource")
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaResource)
		if schemaErr != nil {
			schemaErr = bastionerr.Wrap(schemaErr, bastionerr.CodePluginManifestSchemaInvalid, "compiling manifest schema")
		}
	})
}

// ValidateDocument checks a decoded YAML or JSON document against the
// manifest schema.
func ValidateDocument(doc any) error {
	loadSchema()
	if schemaErr != nil {
		return schemaErr
	}

	// Round-trip through JSON so YAML scalars take their JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return bastionerr.SchemaInvalid(fmt.Sprintf("manifest cannot be represented as JSON: %s", err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return bastionerr.SchemaInvalid(fmt.Sprintf("re-decoding manifest: %s", err))
	}

	if err := compiledSchema.Validate(v); err != nil {
		var verr *santhosh.ValidationError
		if errors.As(err, &verr) {
			return bastionerr.SchemaInvalid(formatValidationError(verr))
		}
		return bastionerr.SchemaInvalid(err.Error())
	}
	return nil
}

// formatValidationError flattens the leaf causes into "location: message"
// pairs.
func formatValidationError(err *santhosh.ValidationError) string {
	var messages []string
	var collect func(*santhosh.ValidationError)
	collect = func(e *santhosh.ValidationError) {
		if len(e.Causes) == 0 && e.Message != "" {
			location := e.InstanceLocation
			if location == "" {
				location = "(root)"
			}
			messages = append(messages, location+": "+e.Message)
		}
		for _, cause := range e.Causes {
			collect(cause)
		}
	}
	collect(err)
	if len(messages) == 0 {
		return err.Error()
	}
	return strings.Join(messages, "; ")
}
