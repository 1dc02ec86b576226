package core

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"perkledger/internal/types"
)

// Validator wraps go-playground/validator for request payload validation.
// Handlers call ValidateStruct after DecodeJSON; tag failures are translated
// into structured AppErrors the response layer can render.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// ValidateStruct validates the struct's `validate` tags. It returns a
// *types.AppError with a field->rule details map on failure, nil on success.
//
// The error code is chosen from the first failing rule: "required" maps to
// the missing-field code, numeric bounds (gt, gte, min, max) to the invalid
// amount code, anything else to a generic validation failure.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "invalid validation target", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}

	code := codeForValidationTag(fieldErrs[0].Tag())
	return types.NewAppErrorWithDetails(code, "request validation failed", err, details)
}

func codeForValidationTag(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "gt", "gte", "min", "max":
		return types.ErrCodeValidationInvalidAmount
	default:
		return errCodeValidationFailed
	}
}

// errCodeValidationFailed covers tag failures with no more specific code.
const errCodeValidationFailed types.ErrorCode = "validation_failed"
