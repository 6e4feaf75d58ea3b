package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/nikhilbhutani/dataintegration/internal/apperr"
	"github.com/nikhilbhutani/dataintegration/internal/catalog"
)

var (
	validateOnce    sync.Once
	structValidator *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("dbname", func(fl validator.FieldLevel) bool {
			return catalog.ValidName(strings.TrimSpace(fl.Field().String()))
		})
		structValidator = v
	})
	return structValidator
}

// validate runs struct tags on dst and reports the first failing field.
func validate(dst any) error {
	err := validatorInstance().Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation("body", err.Error())
	}
	fe := verrs[0]
	return apperr.Validation(fe.Field(), describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "dbname":
		return "must be 1-255 characters of letters, digits, '-' or '_'"
	case "uuid":
		return "must be a UUID"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
