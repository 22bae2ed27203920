package pfasync

import "testing"

func baseRecord() map[string]interface{} {
	row, _ := NormalizeRow(pfaRow("PFA-1", "1000"))
	return row.Data
}

func codesOf(errs ValidationErrors) map[string]string {
	out := map[string]string{}
	for _, fe := range errs {
		out[fe.Field] = fe.Code
	}
	return out
}

func TestValidateAcceptsConsistentRecord(t *testing.T) {
	v := NewPayloadValidator()
	if errs := v.Validate(baseRecord(), map[string]interface{}{"monthlyRate": "1100"}); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateRules(t *testing.T) {
	v := NewPayloadValidator()
	tests := []struct {
		name    string
		current func() map[string]interface{}
		delta   map[string]interface{}
		field   string
		code    string
	}{
		{
			name:    "forecast end before start",
			current: baseRecord,
			delta:   map[string]interface{}{"forecastEnd": "2023-12-31"},
			field:   "forecastEnd",
			code:    ErrorCodeDateOrder,
		},
		{
			name:    "actual end before actual start",
			current: baseRecord,
			delta:   map[string]interface{}{"actualStart": "2024-05-01", "actualEnd": "2024-04-01"},
			field:   "actualEnd",
			code:    ErrorCodeDateOrder,
		},
		{
			name:    "unknown source",
			current: baseRecord,
			delta:   map[string]interface{}{"source": "Lease"},
			field:   "source",
			code:    ErrorCodeInvalidEnum,
		},
		{
			name:    "rental without rate",
			current: baseRecord,
			delta:   map[string]interface{}{"monthlyRate": "0"},
			field:   "monthlyRate",
			code:    ErrorCodeRequiredForSource,
		},
		{
			name:    "purchase without price",
			current: baseRecord,
			delta:   map[string]interface{}{"source": "Purchase"},
			field:   "purchasePrice",
			code:    ErrorCodeRequiredForSource,
		},
		{
			name: "category frozen once actualized",
			current: func() map[string]interface{} {
				rec := baseRecord()
				rec["isActualized"] = true
				return rec
			},
			delta: map[string]interface{}{"category": "Trucks"},
			field: "category",
			code:  ErrorCodeImmutableField,
		},
		{
			name: "source frozen once discontinued",
			current: func() map[string]interface{} {
				rec := baseRecord()
				rec["isDiscontinued"] = true
				rec["purchasePrice"] = "500"
				return rec
			},
			delta: map[string]interface{}{"source": "Purchase"},
			field: "source",
			code:  ErrorCodeImmutableField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.current(), tt.delta)
			if got := codesOf(errs)[tt.field]; got != tt.code {
				t.Fatalf("expected %s on %s, got %v", tt.code, tt.field, errs)
			}
		})
	}
}

func TestValidateAllowsUnchangedImmutableValue(t *testing.T) {
	v := NewPayloadValidator()
	rec := baseRecord()
	rec["isActualized"] = true
	errs := v.Validate(rec, map[string]interface{}{"category": rec["category"], "forecastEnd": "2024-07-31"})
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidationErrorsMessages(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Code: ErrorCodeInvalidValue, Message: "one"},
		{Field: "a", Code: ErrorCodeInvalidValue, Message: "two"},
		{Field: "b", Code: ErrorCodeDateOrder, Message: "three"},
	}
	msgs := errs.Messages()
	if len(msgs["a"]) != 2 || msgs["b"][0] != "three" {
		t.Fatalf("unexpected messages: %v", msgs)
	}
	if errs.Error() != "validation failed: a: one; a: two; b: three" {
		t.Fatalf("unexpected error text: %q", errs.Error())
	}
}
