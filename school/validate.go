package school

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
)

// validate is shared by every boundary that accepts client records.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("daykey", func(fl validator.FieldLevel) bool {
		_, err := calendar.ParseDate(fl.Field().String())
		return err == nil
	})

	// Validate amounts and dates through their primitive forms.
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		x, _ := f.Interface().(decimal.Decimal).Float64()
		return x
	}, decimal.Decimal{})
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		d := f.Interface().(calendar.Date)
		if d.IsZero() {
			return ""
		}
		return d.Key()
	}, calendar.Date{})
	return v
}

// validateStruct runs tag validation and returns a ValidationFailed error
// listing the offending fields.
func validateStruct(op string, s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(KindValidationFailed, op, err.Error(), nil)
	}
	fields := make(map[string]any, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		names = append(names, fe.Field())
	}
	return &Error{
		Kind:    KindValidationFailed,
		Op:      op,
		Message: "invalid " + strings.Join(names, ", "),
		Details: map[string]any{"fields": fields},
	}
}
