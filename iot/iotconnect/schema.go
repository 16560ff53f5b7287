package iotconnect

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// telemetrySchema is the minimal contract for a telemetry document
// produced by a real-time application: a JSON object with at least one
// attribute.
const telemetrySchema = `{
	"type": "object",
	"minProperties": 1
}`

var compiledTelemetrySchema = mustCompile(telemetrySchema)

func mustCompile(schema string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(err)
	}
	return compiled
}

// ValidateTelemetry checks a telemetry document against the telemetry
// schema. Invalid documents must not be enveloped.
func ValidateTelemetry(doc []byte) error {
	result, err := compiledTelemetrySchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("iotconnect: cannot validate telemetry: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("iotconnect: telemetry rejected: %v", result.Errors())
	}
	return nil
}
