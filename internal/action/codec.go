package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/roach88/nebula/internal/fault"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validatable inputs get a Validate call after decoding.
type Validatable interface {
	Validate() error
}

// schema is a compiled JSON Schema, or nil when none was declared.
type schema struct {
	s *gojsonschema.Schema
}

func compileSchema(key, which string, raw json.RawMessage) (schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return schema{}, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return schema{}, fault.Wrap(fault.Validation, err, fmt.Sprintf("action %s: compile %s schema", key, which))
	}
	return schema{s: s}, nil
}

// check validates doc, joining every violation into one message.
func (s schema) check(doc json.RawMessage) error {
	if s.s == nil {
		return nil
	}
	res, err := s.s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		field := strings.TrimPrefix(e.Field(), "(root).")
		msgs = append(msgs, field+": "+e.Description())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// codec moves one action's values across the JSON boundary.
type codec struct {
	key    string
	input  schema
	output schema
}

func newCodec(m Metadata) (codec, error) {
	in, err := compileSchema(m.Key, "input", m.InputSchema)
	if err != nil {
		return codec{}, err
	}
	out, err := compileSchema(m.Key, "output", m.OutputSchema)
	if err != nil {
		return codec{}, err
	}
	return codec{key: m.Key, input: in, output: out}, nil
}

// decodeInput checks raw against the input schema, decodes it into T and
// runs struct-tag and Validate checks. Every failure is fault.Validation.
func decodeInput[T any](c codec, raw json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("null")
	}
	if err := c.input.check(raw); err != nil {
		return v, c.invalid(err, "input does not match schema")
	}
	if err := decodeInto(raw, &v); err != nil {
		return v, c.invalid(err, "decode input")
	}
	if err := validateValue(&v); err != nil {
		return v, c.invalid(err, "invalid input")
	}
	return v, nil
}

// decodeValue decodes an auxiliary value such as an interaction response.
func decodeValue[T any](c codec, raw json.RawMessage, what string) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("null")
	}
	if err := decodeInto(raw, &v); err != nil {
		return v, c.invalid(err, "decode "+what)
	}
	if err := validateValue(&v); err != nil {
		return v, c.invalid(err, "invalid "+what)
	}
	return v, nil
}

func decodeInto(raw json.RawMessage, v any) error {
	if string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// validateValue runs struct tags and Validate on the value ptr points to,
// looking through nested pointers.
func validateValue(ptr any) error {
	rv := reflect.ValueOf(ptr)
	var val Validatable
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if v, ok := rv.Interface().(Validatable); ok && val == nil {
			val = v
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		if err := structValidator.Struct(rv.Interface()); err != nil {
			return err
		}
	}
	if val == nil {
		val, _ = rv.Interface().(Validatable)
	}
	if val != nil {
		return val.Validate()
	}
	return nil
}

// encodeOutput encodes v and checks it against the output schema. Failures
// are fault.Fatal: the action broke its own contract.
func encodeOutput[T any](c codec, v T) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Annotate(fault.Wrap(fault.Fatal, err, "encode output"), map[string]string{"action": c.key})
	}
	if err := c.output.check(b); err != nil {
		return nil, fault.Annotate(fault.Wrap(fault.Fatal, err, "output does not match schema"), map[string]string{"action": c.key})
	}
	return b, nil
}

func encodeResult[T any](c codec, r Result[T]) (Result[json.RawMessage], error) {
	if err := r.Validate(); err != nil {
		return Result[json.RawMessage]{}, fault.Annotate(fault.Wrap(fault.Fatal, err, "invalid result"), map[string]string{"action": c.key})
	}
	return MapResult(r, func(v T) (json.RawMessage, error) { return encodeOutput(c, v) })
}

func (c codec) invalid(err error, msg string) error {
	return fault.Annotate(fault.Wrap(fault.Validation, err, msg), map[string]string{"action": c.key})
}
