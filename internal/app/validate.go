package app

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateInput checks a decoded request body. Missing required fields are
// reported together as MISSING_FIELDS; any other rule failure is a 422.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) {
		return validationError(err.Error(), nil)
	}

	var missing []string
	invalid := map[string]string{}
	for _, failure := range failures {
		if strings.HasPrefix(failure.Tag(), "required") {
			missing = append(missing, failure.Field())
			continue
		}
		rule := failure.Tag()
		if failure.Param() != "" {
			rule += "=" + failure.Param()
		}
		invalid[failure.Field()] = rule
	}
	if len(missing) > 0 {
		return missingFieldsError(missing...)
	}
	return validationError("request failed validation", map[string]any{"fields": invalid})
}
