package api

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"example.com/backstage/services/eventflo/internal/services"
)

// registerValidators adds the custom rules to gin's validator
func registerValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin validator engine is not go-playground/validator")
	}
	v.RegisterTagNameFunc(jsonFieldName)
	return v.RegisterValidation("event_type", validateEventType)
}

// jsonFieldName reports fields by their JSON name in validation errors
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// validateEventType accepts 1..MaxEventTypeLen characters once surrounding space is trimmed
func validateEventType(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	return s != "" && len(s) <= services.MaxEventTypeLen
}

// bindError maps a request binding failure onto an API error. Bodies that do
// not decode are invalid requests; decoded bodies failing a rule are validation errors.
func bindError(err error) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ErrInvalidRequest.WithMessage("invalid request body: " + err.Error())
	}
	return NewValidationError(validationMessage(verrs))
}

// validationMessage turns validator errors into a short client-facing message
func validationMessage(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "event_type":
			msgs = append(msgs, field+" must be 1-128 characters")
		default:
			msgs = append(msgs, field+" failed "+fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}
