package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSON is returned when a completion contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// Validator checks model output against a schema reflected from a Go type.
type Validator struct {
	name   string
	raw    []byte
	schema *jsonschema.Schema
}

// NewValidator reflects the schema of payload and compiles it.
func NewValidator(name string, payload any) (*Validator, error) {
	r := &invopop.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	raw, err := json.Marshal(r.Reflect(payload))
	if err != nil {
		return nil, fmt.Errorf("reflect %s schema: %w", name, err)
	}

	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}

	return &Validator{name: name, raw: raw, schema: schema}, nil
}

// MustValidator is like NewValidator but panics on error. It is meant for
// package level schemas of fixed payload types.
func MustValidator(name string, payload any) *Validator {
	v, err := NewValidator(name, payload)
	if err != nil {
		panic(err)
	}
	return v
}

// Schema returns the JSON schema document.
func (v *Validator) Schema() []byte { return append([]byte(nil), v.raw...) }

// Decode extracts the JSON object from text, validates it and unmarshals it into dst.
func (v *Validator) Decode(text string, dst any) error {
	obj, err := ExtractJSON(text)
	if err != nil {
		return err
	}

	var decoded any
	if err := json.Unmarshal([]byte(obj), &decoded); err != nil {
		return fmt.Errorf("decode %s output: %w", v.name, err)
	}
	if err := v.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%s output invalid: %w", v.name, err)
	}

	return json.Unmarshal([]byte(obj), dst)
}

// ExtractJSON returns the outermost JSON object in text. Markdown code fences
// and surrounding prose are ignored.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimPrefix(text, "json")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}
