package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"rotarydesk/internal/types"
)

// Validator wraps go-playground/validator with the roster's custom tags.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags:
//
//	phone       at least ten digits once punctuation is stripped
//	image_kind  one of profile, poster, anniversary
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("phone", validatePhone); err != nil {
		logger.Error("failed to register phone validator", "error", err)
	}
	if err := v.RegisterValidation("image_kind", validateImageKind); err != nil {
		logger.Error("failed to register image_kind validator", "error", err)
	}

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct runs the struct's validate tags. Failures come back as a
// validation_failed AppError whose details map field names to the failing
// tag.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationFailed, "invalid request", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationFailed, "request validation failed", err,
		map[string]any{"fields": fields})
}

func validatePhone(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ', r == '-', r == '+', r == '(', r == ')':
		default:
			return false
		}
	}
	return digits >= 10
}

func validateImageKind(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "profile", "poster", "anniversary":
		return true
	}
	return false
}
