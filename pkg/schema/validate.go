package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is the compiled runtime-validation form of a Param.
type Validator struct {
	schema *gojsonschema.Schema
}

// ValidationError lists every field-level problem found in one call.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid parameters: " + strings.Join(e.Problems, "; ")
}

// Compile builds a Validator for p.
func Compile(p *Param) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(p.ToJSONSchema()))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks params against the compiled schema. A nil params map is
// validated as an empty object.
func (v *Validator) Validate(params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("validate parameters: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, re := range result.Errors() {
		verr.Problems = append(verr.Problems, re.String())
	}
	return verr
}

// Validate compiles p and validates params in one step.
func Validate(p *Param, params map[string]any) error {
	v, err := Compile(p)
	if err != nil {
		return err
	}
	return v.Validate(params)
}

// IsValidationError reports whether err carries parameter problems.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
