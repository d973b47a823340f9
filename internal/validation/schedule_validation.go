package validation

import (
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/cronexpr"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/go-playground/validator/v10"
	"reflect"
	"strings"
)

// ScheduleValidator checks schedule definitions with struct tags.
type ScheduleValidator struct {
	validate *validator.Validate
}

func NewScheduleValidator(evaluator *cronexpr.Evaluator) (*ScheduleValidator, error) {
	validate := validator.New()
	if err := RegisterScheduleValidation(validate, evaluator); err != nil {
		return nil, fmt.Errorf("error registering schedule validation: %w", err)
	}
	return &ScheduleValidator{validate}, nil
}

func RegisterScheduleValidation(validate *validator.Validate, evaluator *cronexpr.Evaluator) error {
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		fullJson := field.Tag.Get("json")
		if fullJson == "-" {
			return ""
		}
		jsonName := strings.SplitN(fullJson, ",", 2)[0]
		if jsonName != "" {
			return jsonName
		}
		return field.Name
	})

	err := validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return evaluator.Validate(fl.Field().String())
	})
	if err != nil {
		return err
	}
	return nil
}

func (sv *ScheduleValidator) ValidateDefinition(def model.ScheduleDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	def.Task = strings.TrimSpace(def.Task)
	err := sv.validate.Struct(def)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return Translate(validationErrors)
	}
	return err
}

// Translate turns validator field errors into a model.ValidationError keyed
// by json field name.
func Translate(validationErrors validator.ValidationErrors) *model.ValidationError {
	result := &model.ValidationError{Fields: make(map[string]string, len(validationErrors))}
	for _, fieldErr := range validationErrors {
		result.Fields[fieldErr.Field()] = describe(fieldErr)
	}
	return result
}

func describe(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "cron":
		return fmt.Sprintf("%q is not a valid cron expression", fieldErr.Value())
	case "min":
		return fmt.Sprintf("must be at least %s", fieldErr.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fieldErr.Param())
	default:
		return fmt.Sprintf("failed %s validation", fieldErr.Tag())
	}
}
