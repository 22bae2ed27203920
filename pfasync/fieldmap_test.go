package pfasync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestNormalizeRowMapsAliasesAndCanonicalizes(t *testing.T) {
	row, err := NormalizeRow(map[string]interface{}{
		"PFA_ID":          " PFA-1 ",
		"monthly_rate":    json.Number("1200.50"),
		"PURCHASE_PRICE":  0.0,
		"FORECAST_START":  "2024-02-01T00:00:00Z",
		"IS_ACTUALIZED":   "Y",
		"is_discontinued": false,
		"CATEGORY":        "  Cranes ",
		"UNMAPPED":        "ignored",
	})
	if err != nil {
		t.Fatalf("NormalizeRow: %v", err)
	}
	if row.RemoteId != "PFA-1" {
		t.Fatalf("expected remote id PFA-1, got %q", row.RemoteId)
	}
	cases := map[string]interface{}{
		"monthlyRate":    "1200.5",
		"purchasePrice":  "0",
		"forecastStart":  "2024-02-01",
		"forecastEnd":    "",
		"isActualized":   true,
		"isDiscontinued": false,
		"category":       "Cranes",
	}
	for field, want := range cases {
		if got := row.Data[field]; !ValuesEqual(got, want) {
			t.Fatalf("%s: expected %v, got %v", field, want, got)
		}
	}
	if _, ok := row.Data["UNMAPPED"]; ok {
		t.Fatalf("unmapped field must not be stored")
	}
	if len(row.Data) != len(FieldAliases) {
		t.Fatalf("expected %d fields, got %d", len(FieldAliases), len(row.Data))
	}
	if !row.Indexed.IsActualized || row.Indexed.Category != "Cranes" || row.Indexed.MonthlyRate.String() != "1200.5" {
		t.Fatalf("unexpected indexed projection: %+v", row.Indexed)
	}
	if row.Indexed.ForecastStart == nil || row.Indexed.ForecastStart.Format(DateLayout) != "2024-02-01" {
		t.Fatalf("unexpected forecast start: %v", row.Indexed.ForecastStart)
	}
}

func TestNormalizeRowRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
	}{
		{name: "missing id", raw: map[string]interface{}{"CATEGORY": "Cranes"}},
		{name: "blank id", raw: map[string]interface{}{"PFA_ID": "   "}},
		{name: "bad decimal", raw: map[string]interface{}{"PFA_ID": "X", "MONTHLY_RATE": "abc"}},
		{name: "bad date", raw: map[string]interface{}{"PFA_ID": "X", "FORECAST_START": "31/31/2024"}},
		{name: "bad bool", raw: map[string]interface{}{"PFA_ID": "X", "IS_ACTUALIZED": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NormalizeRow(tt.raw); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNormalizeDeltaReportsPerField(t *testing.T) {
	delta, errs := NormalizeDelta(map[string]interface{}{
		"MONTHLY_RATE": "250.00",
		"pfaId":        "other",
		"nope":         1,
		"forecastEnd":  "not-a-date",
		"dor":          nil,
	})
	if len(errs) != 3 {
		t.Fatalf("expected 3 field errors, got %v", errs)
	}
	codes := map[string]string{}
	for _, fe := range errs {
		codes[fe.Field] = fe.Code
	}
	if codes["pfaId"] != ErrorCodeImmutableField || codes["nope"] != ErrorCodeUnknownField || codes["forecastEnd"] != ErrorCodeInvalidValue {
		t.Fatalf("unexpected codes: %v", codes)
	}
	if delta["monthlyRate"] != "250" {
		t.Fatalf("expected canonical monthlyRate 250, got %v", delta["monthlyRate"])
	}
	if delta["dor"] != "" {
		t.Fatalf("expected nil to clear dor, got %v", delta["dor"])
	}
}

func TestDataEqualComparesStoredValues(t *testing.T) {
	a := map[string]interface{}{"monthlyRate": "10", "isActualized": false, "dor": "A"}
	b := map[string]interface{}{"dor": "A", "monthlyRate": "10", "isActualized": false}
	if !DataEqual(a, b) {
		t.Fatalf("expected equal maps")
	}
	b["dor"] = "B"
	if DataEqual(a, b) {
		t.Fatalf("expected different maps")
	}
	if DataEqual(a, map[string]interface{}{"dor": "A"}) {
		t.Fatalf("expected size mismatch to differ")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "503", err: &RemoteError{StatusCode: 503}, want: ErrorClassRetryable},
		{name: "500", err: &RemoteError{StatusCode: 500}, want: ErrorClassRetryable},
		{name: "429", err: &RemoteError{StatusCode: 429}, want: ErrorClassRetryable},
		{name: "rate limit code", err: &RemoteError{StatusCode: 400, Code: "rate_limited"}, want: ErrorClassRetryable},
		{name: "400", err: &RemoteError{StatusCode: 400}, want: ErrorClassFatal},
		{name: "401", err: &RemoteError{StatusCode: 401}, want: ErrorClassFatal},
		{name: "409", err: &RemoteError{StatusCode: 409}, want: ErrorClassFatal},
		{name: "version conflict code", err: &RemoteError{StatusCode: 422, Code: "version_conflict"}, want: ErrorClassFatal},
		{name: "config", err: newConfigError(ErrorCodeNoCredentials, "x"), want: ErrorClassConfiguration},
		{name: "wrapped config", err: fmt.Errorf("wrap: %w", newConfigError(ErrorCodeNoGridIdentifier, "x")), want: ErrorClassConfiguration},
		{name: "network", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, want: ErrorClassRetryable},
		{name: "other", err: errors.New("boom"), want: ErrorClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestErrorCodeOf(t *testing.T) {
	if got := ErrorCodeOf(&RemoteError{StatusCode: 409}, "x"); got != ErrorCodeVersionConflict {
		t.Fatalf("expected version_conflict, got %s", got)
	}
	if got := ErrorCodeOf(&RemoteError{StatusCode: 503}, "x"); got != ErrorCodeRemoteError {
		t.Fatalf("expected remote_error, got %s", got)
	}
	if got := ErrorCodeOf(ValidationErrors{{Field: "f"}}, "x"); got != ErrorCodeValidationFailed {
		t.Fatalf("expected validation_failed, got %s", got)
	}
	if got := ErrorCodeOf(errors.New("boom"), "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %s", got)
	}
}
