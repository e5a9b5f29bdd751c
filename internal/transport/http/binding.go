package transporthttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"example.com/nfcstats/internal/apperr"
)

// Path uids are hex strings. Tags are limited to 28 digits.
const (
	uidRule    = "required,hexadecimal,min=4,max=32"
	tagUIDRule = "required,hexadecimal,min=4,max=28"
)

// A single validator instance is used, because it caches struct parsing.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeJSON decodes the body into v. When strict, unknown fields are an
// error. Decode failures are validation errors, except for an oversized body
// which the caller reports as 413.
func decodeJSON(r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return apperr.Validation("http.decode", "invalid json: "+err.Error())
	}
	return nil
}

// bind decodes and validates a request body struct.
func bind(r *http.Request, v any) error {
	if err := decodeJSON(r, v, true); err != nil {
		return err
	}
	return validationError("http.bind", validate.Struct(v))
}

// checkUID validates a path uid against rule.
func checkUID(uid, rule string) error {
	return validationError("http.uid", validate.Var(uid, rule), "uid")
}

func validationError(op string, err error, field ...string) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal(op, err)
	}
	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if len(field) > 0 {
			name = field[0]
		}
		fields = append(fields, apperr.FieldError{Field: name, Msg: ruleMessage(fe)})
	}
	return apperr.Validation(op, "one or more fields are invalid", fields...)
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "hexadecimal":
		return "must be hexadecimal"
	case "min":
		return "length must be at least " + fe.Param()
	case "max":
		return "length must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// intQuery reads a positive integer query parameter. Absent means zero, which
// the services resolve to their default.
func intQuery(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, apperr.Validation("http.query", "invalid "+name,
			apperr.FieldError{Field: name, Msg: "must be a positive integer"})
	}
	return n, nil
}
