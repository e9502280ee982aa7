package api

import (
	"github.com/go-playground/validator/v10"

	"batchops/internal/clock"
)

// NewValidator builds a validator.Validate with the "cron" tag registered
// against the same 5-field parser internal/clock uses everywhere else, so
// a definition that validates here is guaranteed to also register cleanly
// against the schedule registry.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := clock.ParseSchedule(fl.Field().String())
		return err == nil
	})
	return v
}
