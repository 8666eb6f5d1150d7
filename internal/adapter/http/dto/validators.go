package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"travel-event-core/pkg/apperror"

	"github.com/go-playground/validator/v10"
)

var (
	amountRe    = regexp.MustCompile(`^\d{1,15}(\.\d{1,2})?$`)
	eventTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_-]*)+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	_ = v.RegisterValidation("amount", validateAmount)
	_ = v.RegisterValidation("event_type", validateEventType)
	_ = v.RegisterValidation("json_object", validateJSONObject)
	return v
}

// validateAmount accepts a decimal string with at most two fraction digits.
func validateAmount(fl validator.FieldLevel) bool {
	return amountRe.MatchString(fl.Field().String())
}

// validateEventType accepts dotted lowercase names such as payment.confirmed.
func validateEventType(fl validator.FieldLevel) bool {
	return eventTypeRe.MatchString(fl.Field().String())
}

func validateJSONObject(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

// Decode unmarshals raw into dst and validates it. Every failure is returned
// as a VAL_001 error listing the offending fields.
func Decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperror.Validation([]apperror.FieldError{decodeFieldError(err)})
	}
	return Validate(dst)
}

// Validate runs the validate tags of v.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation([]apperror.FieldError{{Field: "body", Message: err.Error()}})
	}
	details := make([]apperror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, apperror.FieldError{Field: fieldPath(fe), Message: message(fe)})
	}
	return apperror.Validation(details)
}

func decodeFieldError(err error) apperror.FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return apperror.FieldError{Field: typeErr.Field, Message: "must be a " + typeErr.Type.String()}
	}
	var timeErr *time.ParseError
	if errors.As(err, &timeErr) {
		return apperror.FieldError{Field: "body", Message: "timestamps must be RFC 3339"}
	}
	return apperror.FieldError{Field: "body", Message: "must be a valid JSON object"}
}

// fieldPath drops the root struct name from the namespace, leaving a JSON
// path such as va_numbers[0].bank.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	} else if fe.Kind() == reflect.Slice {
		unit = " items"
	}
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s%s", fe.Param(), unit)
	case "min":
		return fmt.Sprintf("must be at least %s%s", fe.Param(), unit)
	case "len":
		return fmt.Sprintf("must be exactly %s%s", fe.Param(), unit)
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "numeric":
		return "must contain digits only"
	case "email":
		return "must be a valid email address"
	case "ip":
		return "must be an IP address"
	case "datetime":
		return "must use the layout " + fe.Param()
	case "amount":
		return "must be a decimal amount"
	case "event_type":
		return "must be a dotted lowercase event name"
	case "json_object":
		return "must be a JSON object"
	}
	return fmt.Sprintf("failed the %s check", fe.Tag())
}
