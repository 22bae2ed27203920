package pfasync

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldError is one rejected field with a stable code.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors is returned when a payload fails validation. It is never retried.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Messages maps each field to its messages for the modification's last error.
func (v ValidationErrors) Messages() map[string][]string {
	out := make(map[string][]string, len(v))
	for _, fe := range v {
		out[fe.Field] = append(out[fe.Field], fe.Message)
	}
	return out
}

const (
	SourceRental   = "Rental"
	SourcePurchase = "Purchase"
)

// ImmutableWhenFinalized cannot change once a record is actualized or discontinued.
var ImmutableWhenFinalized = []string{"category", "class", "source", "originalStart", "originalEnd", "actualStart"}

// pfaRecord is the typed view of merged record data that struct tags validate.
type pfaRecord struct {
	Source        string    `json:"source" validate:"omitempty,oneof=Rental Purchase"`
	OriginalStart time.Time `json:"originalStart"`
	OriginalEnd   time.Time `json:"originalEnd" validate:"omitempty,gtefield=OriginalStart"`
	ForecastStart time.Time `json:"forecastStart"`
	ForecastEnd   time.Time `json:"forecastEnd" validate:"omitempty,gtefield=ForecastStart"`
	ActualStart   time.Time `json:"actualStart"`
	ActualEnd     time.Time `json:"actualEnd" validate:"omitempty,gtefield=ActualStart"`
}

type PayloadValidator struct {
	validate *validator.Validate
}

func NewPayloadValidator() *PayloadValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &PayloadValidator{validate: v}
}

// Validate checks delta applied over current (both normalized). Rules that depend on
// the stored record, like immutability, read current.
func (p *PayloadValidator) Validate(current map[string]interface{}, delta map[string]interface{}) ValidationErrors {
	var errs ValidationErrors
	merged := MergeData(current, delta)

	rec := pfaRecord{
		Source:        dataString(merged, "source"),
		OriginalStart: dateOrZero(merged, "originalStart"),
		OriginalEnd:   dateOrZero(merged, "originalEnd"),
		ForecastStart: dateOrZero(merged, "forecastStart"),
		ForecastEnd:   dateOrZero(merged, "forecastEnd"),
		ActualStart:   dateOrZero(merged, "actualStart"),
		ActualEnd:     dateOrZero(merged, "actualEnd"),
	}
	if err := p.validate.Struct(rec); err != nil {
		errs = append(errs, fromValidator(err)...)
	}

	switch dataString(merged, "source") {
	case SourceRental:
		if !dataDecimal(merged, "monthlyRate").IsPositive() {
			errs = append(errs, FieldError{Field: "monthlyRate", Code: ErrorCodeRequiredForSource, Message: "monthly rate is required for rental records"})
		}
	case SourcePurchase:
		if !dataDecimal(merged, "purchasePrice").IsPositive() {
			errs = append(errs, FieldError{Field: "purchasePrice", Code: ErrorCodeRequiredForSource, Message: "purchase price is required for purchase records"})
		}
	}

	if dataBool(current, "isActualized") || dataBool(current, "isDiscontinued") {
		for _, f := range ImmutableWhenFinalized {
			nv, touched := delta[f]
			if !touched || ValuesEqual(nv, current[f]) {
				continue
			}
			errs = append(errs, FieldError{Field: f, Code: ErrorCodeImmutableField, Message: "field cannot change on an actualized or discontinued record"})
		}
	}
	return errs
}

func dateOrZero(data map[string]interface{}, key string) time.Time {
	if t := dataDate(data, key); t != nil {
		return *t
	}
	return time.Time{}
}

func fromValidator(err error) ValidationErrors {
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) {
		return ValidationErrors{{Field: "", Code: ErrorCodeInvalidValue, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(vErrs))
	for _, fe := range vErrs {
		switch fe.Tag() {
		case "gtefield":
			out = append(out, FieldError{Field: fe.Field(), Code: ErrorCodeDateOrder, Message: "must not be before " + lowerFirst(fe.Param())})
		case "oneof":
			out = append(out, FieldError{Field: fe.Field(), Code: ErrorCodeInvalidEnum, Message: "must be one of " + fe.Param()})
		default:
			out = append(out, FieldError{Field: fe.Field(), Code: ErrorCodeInvalidValue, Message: "failed " + fe.Tag()})
		}
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
