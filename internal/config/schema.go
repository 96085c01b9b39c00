package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/relay/config.schema.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error

	durationType = reflect.TypeOf(time.Duration(0))
)

// JSONSchema returns the JSON Schema for relay.yaml. Duration fields are
// described as Go duration strings, the form yaml.v3 decodes.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag: "yaml",
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t != durationType {
					return nil
				}
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|ms|s|m|h))+$`,
					Description: "Go duration such as 500ms or 2m30s",
				}
			},
		}
		schema := r.Reflect(&Config{})
		schema.ID = schemaID
		schema.Title = "relay configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
