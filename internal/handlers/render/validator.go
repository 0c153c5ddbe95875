package render

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/carepass/internal/models"
)

func configureValidator(validate *validator.Validate) {
	_ = validate.RegisterValidation("entity_type", validateEntityType)
	validate.RegisterTagNameFunc(useJSONTagNames)
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Entity types are a closed set, anything else is rejected before reaching the service
func validateEntityType(fl validator.FieldLevel) bool {
	return models.EntityType(fl.Field().String()).Known()
}
