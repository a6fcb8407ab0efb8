// Package descriptor defines the API-call descriptor a language model is
// asked to produce, and parses model output into it.
//
// Parsing happens at the trust boundary: nothing downstream ever sees model
// text that has not passed the schema. A single model-mediated repair is
// attempted when the first parse fails (see FixingParser).
package descriptor

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "apichain://descriptor.schema.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "api_url": {
      "type": "string",
      "minLength": 1,
      "description": "the formatted url in case of GET API call otherwise just the url"
    },
    "api_method": {
      "type": "string",
      "pattern": "^[!#$%&'*+.^_|~0-9A-Za-z-]+$",
      "description": "API method from documentation"
    },
    "api_body": {
      "description": "formatted key value pair for making API call"
    }
  },
  "required": ["api_url", "api_method"]
}`

var compiled = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("descriptor: schema document: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic("descriptor: add schema resource: " + err.Error())
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic("descriptor: compile schema: " + err.Error())
	}
	return s
}

// Schema returns the JSON Schema document describing a descriptor.
func Schema() string { return schemaJSON }

// FormatInstructions tells the model how to shape its output. It is also
// the "instructions" given to the repair prompt.
func FormatInstructions() string {
	return "You must format your output as a JSON value that adheres to a given \"JSON Schema\" instance.\n\n" +
		"\"JSON Schema\" is a declarative language that allows you to annotate and validate JSON documents.\n\n" +
		"Your output will be parsed and type-checked according to the provided schema instance, so make sure all fields in your output match the schema exactly and there are no trailing commas!\n\n" +
		"Here is the JSON Schema instance your output must adhere to. Include the enclosing markdown codeblock:\n" +
		"```json\n" + schemaJSON + "\n```\n"
}

// Descriptor is one API call extracted from model output.
type Descriptor struct {
	URL    string `json:"api_url"`
	Method string `json:"api_method"`
	// Body is the raw api_body value, nil when the field was absent.
	Body json.RawMessage `json:"api_body,omitempty"`
}

// HasBody reports whether the model supplied an api_body.
func (d *Descriptor) HasBody() bool { return d.Body != nil }
