package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxRequestBody bounds every decoded JSON body.
const maxRequestBody = 1 << 20 // 1 MiB

// validate reports field names by their json tag, so validation errors read
// the way the wire format does.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Decode reads a JSON request body into dst, rejecting unknown fields,
// bodies over 1 MiB, and trailing data after the first value. The returned
// error is safe to show the client.
func Decode(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return errors.New("request body is empty")
	case errors.As(err, &maxBytesErr):
		return errors.New("request body too large (max 1 MiB)")
	default:
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if _, err := dec.Token(); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// Validate runs struct-tag validation on v and returns one entry per failed
// field.
func Validate(v any) []ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = ValidationError{Field: fe.Field(), Message: describeFailure(fe)}
	}
	return out
}

// describeFailure renders a human-readable message for one failed
// constraint.
func describeFailure(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "hexadecimal":
		return "must be hexadecimal"
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

// DecodeAndValidate is a convenience helper that decodes a JSON body and
// validates the result. On failure it writes a plain-text 400/422 response
// (per the error-body convention every non-5xx response follows) and
// returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := Decode(r, dst); err != nil {
		RespondPlain(w, http.StatusBadRequest, err.Error())
		return false
	}

	if errs := Validate(dst); len(errs) > 0 {
		RespondValidationError(w, errs)
		return false
	}

	return true
}

// RespondValidationError writes a 422 plain-text response joining every
// field-level validation failure.
func RespondValidationError(w http.ResponseWriter, errs []ValidationError) {
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		if e.Field != "" {
			b.WriteString(e.Field)
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	RespondPlain(w, http.StatusUnprocessableEntity, b.String())
}
