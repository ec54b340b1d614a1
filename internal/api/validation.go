package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
)

var requestValidator = validator.New()

// decodeAndValidate strictly decodes a JSON request body into dst and
// runs its validate tags. Unknown fields and trailing garbage are
// rejected so client typos surface as 400s instead of zero values.
func decodeAndValidate(body io.Reader, dst any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}

	if err := requestValidator.Struct(dst); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			return validationMessage(fieldErrors[0])
		}
		return errors.New("invalid request payload")
	}
	return nil
}

// validationMessage renders the first failed tag as a client-safe
// message. Field names are lowercased to match the JSON casing.
func validationMessage(fe validator.FieldError) error {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "email":
		return errors.New("invalid email format")
	case "len":
		return fmt.Errorf("invalid %s length", field)
	case "numeric":
		return fmt.Errorf("%s must contain only digits", field)
	}
	return fmt.Errorf("invalid %s", field)
}
