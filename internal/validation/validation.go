// Package validation checks request structs against their validate tags.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalid = errors.New("validation failed")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Error lists the offending fields in JSON naming, e.g. "messages[0].role".
type Error struct {
	Fields []string
}

func (e *Error) Error() string {
	return "invalid " + strings.Join(e.Fields, ", ")
}

func (e *Error) Unwrap() error {
	return ErrInvalid
}

// Struct validates v and returns *Error on rule violations.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	out := &Error{Fields: make([]string, 0, len(verrs))}
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		out.Fields = append(out.Fields, ns)
	}
	return out
}
