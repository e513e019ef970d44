// SPDX-License-Identifier: MPL-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds request bodies; uploaded scripts count against it.
const maxBodyBytes = 8 << 20

// BindError is a malformed or invalid request body. Fields maps the JSON
// path of each invalid field to the rule it broke.
type BindError struct {
	Message string
	Fields  map[string]string
}

// Error implements the error interface.
func (e *BindError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%d invalid fields)", e.Message, len(e.Fields))
}

// newValidator returns a validator that reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if tag == "-" || tag == "" {
			return fld.Name
		}
		name, _, _ := strings.Cut(tag, ",")
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

// decodeJSON reads one JSON document into T and validates it. Unknown
// fields and trailing data are rejected.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, v *validator.Validate) (T, error) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, &BindError{Message: "request body is empty"}
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return out, &BindError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return out, &BindError{Message: "malformed JSON: " + err.Error()}
	}
	if dec.More() {
		return out, &BindError{Message: "request body must hold a single JSON document"}
	}

	if err := v.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return out, &BindError{Message: err.Error()}
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			fields[fieldPath(fe.Namespace())] = rule
		}
		return out, &BindError{Message: "invalid request", Fields: fields}
	}
	return out, nil
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
