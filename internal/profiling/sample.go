package profiling

import (
	"encoding/json"

	"github.com/wesleyorama2/loadrunner/pkg/jsonschema"
)

// Sample is one call-stack snapshot published by the application. Function
// entries reference their caller through Parent, which is another entry's
// Self within the same sample.
type Sample struct {
	Time      int64           `json:"time"`
	Functions []FunctionEntry `json:"functions"`
}

// FunctionEntry is a node in a sampled call tree.
type FunctionEntry struct {
	Self   int    `json:"self"`
	Parent int    `json:"parent"`
	File   string `json:"file"`
	Name   string `json:"name"`
	Line   int    `json:"line"`
	Count  int    `json:"count"`
}

var sampleSchema = jsonschema.MustCompile(`{
	"type": "object",
	"required": ["time", "functions"],
	"properties": {
		"time": { "type": "integer", "minimum": 0 },
		"functions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["self", "parent", "file", "name", "line", "count"],
				"properties": {
					"self": { "type": "integer" },
					"parent": { "type": "integer" },
					"file": { "type": "string" },
					"name": { "type": "string" },
					"line": { "type": "integer" },
					"count": { "type": "integer", "minimum": 0 }
				}
			}
		}
	}
}`)

// parseSample validates raw against the sample schema and decodes it.
func parseSample(raw []byte) (json.RawMessage, error) {
	if errs := sampleSchema.ValidateBytes(raw); errs != nil {
		return nil, errs
	}
	return json.RawMessage(append([]byte(nil), raw...)), nil
}
