package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return models.Priority(fl.Field().String()).Valid()
	})
	validate.RegisterStructValidation(validateRuleTrigger, RuleInput{})
}

// validateRuleTrigger checks that a rule carries the parameter its trigger needs.
func validateRuleTrigger(sl validator.StructLevel) {
	r := sl.Current().Interface().(RuleInput)
	switch r.TriggerType {
	case models.TriggerTimeInStage:
		if r.HoursInStage == nil {
			sl.ReportError(r.HoursInStage, "hoursInStage", "HoursInStage", "required_for_trigger", string(r.TriggerType))
		}
	case models.TriggerCustomCondition:
		if r.CustomCondition.IsZero() {
			sl.ReportError(r.CustomCondition, "customCondition", "CustomCondition", "required_for_trigger", string(r.TriggerType))
		}
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func validateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}
