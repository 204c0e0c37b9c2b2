package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

// New returns a validator that reports json field names and knows the
// custom rut and money tags.
func New() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("rut", isRUT)
	_ = v.RegisterValidation("money", isMoney)
	return v
}

func isRUT(fl validator.FieldLevel) bool {
	_, ok := store.NormalizeRUT(fl.Field().String())
	return ok
}

// decimalValue lets tags see a decimal.Decimal as its string form.
func decimalValue(field reflect.Value) interface{} {
	if amount, ok := field.Interface().(decimal.Decimal); ok {
		return amount.String()
	}
	return nil
}

// isMoney accepts a non-negative amount with at most two decimals.
func isMoney(fl validator.FieldLevel) bool {
	amount, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return !amount.IsNegative() && amount.Equal(amount.Round(2))
}

// Check validates request and maps the first failure onto the store error
// taxonomy.
func Check(v *validator.Validate, request interface{}) error {
	err := v.Struct(request)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return store.ErrInvalidInput.Wrap(err)
	}

	first := fieldErrors[0]
	switch first.Tag() {
	case "rut":
		return store.ErrInvalidIdentity
	case "oneof":
		if first.Field() == "type" {
			return store.ErrInvalidTicketType
		}
		return store.ErrInvalidInput.WithMessage("%s must be one of: %s", first.Field(), first.Param())
	case "required":
		return store.ErrInvalidInput.WithMessage("%s is required", first.Field())
	case "money":
		return store.ErrInvalidInput.WithMessage("%s must be a non-negative amount with at most two decimals", first.Field())
	case "nefield":
		return store.ErrInvalidInput.WithMessage("%s must name a different user", first.Field())
	default:
		return store.ErrInvalidInput.WithMessage("%s is invalid", first.Field())
	}
}
