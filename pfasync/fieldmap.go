package pfasync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/shopspring/decimal"
)

// FieldMapVersion changes whenever FieldAliases changes shape. It is stored on every
// ingestion batch so fingerprints taken under different maps are distinguishable.
const FieldMapVersion = 1

type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeDecimal FieldType = "decimal"
	FieldTypeDate    FieldType = "date"
	FieldTypeBool    FieldType = "bool"
)

// DateLayout is how dates are stored in MirrorRecord.Data.
const DateLayout = "2006-01-02"

// FieldAlias maps accepted remote names (first match wins) to one local field.
type FieldAlias struct {
	Local  string
	Remote []string
	Type   FieldType
}

// RemoteIdField is the local field carrying the remote record identity.
const RemoteIdField = "pfaId"

var FieldAliases = []FieldAlias{
	{Local: RemoteIdField, Remote: []string{"PFA_ID", "pfaId", "pfa_id", "ID", "id"}, Type: FieldTypeString},
	{Local: "organization", Remote: []string{"ORGANIZATION", "organization", "ORG"}, Type: FieldTypeString},
	{Local: "areaSilo", Remote: []string{"AREA_SILO", "areaSilo", "area_silo"}, Type: FieldTypeString},
	{Local: "category", Remote: []string{"CATEGORY", "category"}, Type: FieldTypeString},
	{Local: "class", Remote: []string{"CLASS", "class"}, Type: FieldTypeString},
	{Local: "source", Remote: []string{"SOURCE", "source"}, Type: FieldTypeString},
	{Local: "dor", Remote: []string{"DOR", "dor"}, Type: FieldTypeString},
	{Local: "manufacturer", Remote: []string{"MANUFACTURER", "manufacturer"}, Type: FieldTypeString},
	{Local: "model", Remote: []string{"MODEL", "model"}, Type: FieldTypeString},
	{Local: "contract", Remote: []string{"CONTRACT", "contract"}, Type: FieldTypeString},
	{Local: "equipment", Remote: []string{"EQUIPMENT", "equipment", "EQUIPMENT_TAG"}, Type: FieldTypeString},
	{Local: "monthlyRate", Remote: []string{"MONTHLY_RATE", "monthlyRate", "monthly_rate", "RATE"}, Type: FieldTypeDecimal},
	{Local: "purchasePrice", Remote: []string{"PURCHASE_PRICE", "purchasePrice", "purchase_price"}, Type: FieldTypeDecimal},
	{Local: "originalStart", Remote: []string{"ORIGINAL_START", "originalStart", "original_start"}, Type: FieldTypeDate},
	{Local: "originalEnd", Remote: []string{"ORIGINAL_END", "originalEnd", "original_end"}, Type: FieldTypeDate},
	{Local: "forecastStart", Remote: []string{"FORECAST_START", "forecastStart", "forecast_start"}, Type: FieldTypeDate},
	{Local: "forecastEnd", Remote: []string{"FORECAST_END", "forecastEnd", "forecast_end"}, Type: FieldTypeDate},
	{Local: "actualStart", Remote: []string{"ACTUAL_START", "actualStart", "actual_start"}, Type: FieldTypeDate},
	{Local: "actualEnd", Remote: []string{"ACTUAL_END", "actualEnd", "actual_end"}, Type: FieldTypeDate},
	{Local: "isActualized", Remote: []string{"IS_ACTUALIZED", "isActualized", "is_actualized"}, Type: FieldTypeBool},
	{Local: "isDiscontinued", Remote: []string{"IS_DISCONTINUED", "isDiscontinued", "is_discontinued"}, Type: FieldTypeBool},
	{Local: "isFundsTransferable", Remote: []string{"IS_FUNDS_TRANSFERABLE", "isFundsTransferable", "is_funds_transferable"}, Type: FieldTypeBool},
}

var (
	remoteToLocal = map[string]string{}
	localAliases  = map[string]FieldAlias{}
)

func init() {
	for _, a := range FieldAliases {
		localAliases[a.Local] = a
		for _, r := range a.Remote {
			if _, dup := remoteToLocal[r]; !dup {
				remoteToLocal[r] = a.Local
			}
		}
	}
}

// CanonicalFieldName returns the local name for a remote key, or the key itself when unmapped.
func CanonicalFieldName(remote string) string {
	if local, ok := remoteToLocal[remote]; ok {
		return local
	}
	return remote
}

// LookupField resolves a local or remote name to its alias entry.
func LookupField(name string) (FieldAlias, bool) {
	a, ok := localAliases[CanonicalFieldName(name)]
	return a, ok
}

// NormalizedRow is one remote row in mirror shape.
type NormalizedRow struct {
	RemoteId string
	Data     map[string]interface{}
	Indexed  models.IndexedFields
}

// NormalizeRow maps raw through FieldAliases. Absent fields take zero values;
// a present but unparseable value or a missing identity is an error.
func NormalizeRow(raw map[string]interface{}) (NormalizedRow, error) {
	data := make(map[string]interface{}, len(FieldAliases))
	for _, a := range FieldAliases {
		var (
			val   interface{}
			found bool
		)
		for _, r := range a.Remote {
			if v, ok := raw[r]; ok && v != nil {
				val, found = v, true
				break
			}
		}
		if !found {
			data[a.Local] = zeroValue(a.Type)
			continue
		}
		nv, err := NormalizeValue(a.Type, val)
		if err != nil {
			return NormalizedRow{}, fmt.Errorf("field %s: %w", a.Local, err)
		}
		data[a.Local] = nv
	}

	remoteId, _ := data[RemoteIdField].(string)
	if strings.TrimSpace(remoteId) == "" {
		return NormalizedRow{}, fmt.Errorf("field %s: missing remote record id", RemoteIdField)
	}
	return NormalizedRow{
		RemoteId: remoteId,
		Data:     data,
		Indexed:  IndexedFromData(data),
	}, nil
}

// NormalizeDelta canonicalizes and normalizes a local edit. Unknown fields and the
// identity field are rejected per field.
func NormalizeDelta(delta map[string]interface{}) (map[string]interface{}, ValidationErrors) {
	out := make(map[string]interface{}, len(delta))
	var errs ValidationErrors
	for _, k := range utils.SortedKeys(delta) {
		a, ok := LookupField(k)
		if !ok {
			errs = append(errs, FieldError{Field: k, Code: ErrorCodeUnknownField, Message: "field is not synchronized"})
			continue
		}
		if a.Local == RemoteIdField {
			errs = append(errs, FieldError{Field: a.Local, Code: ErrorCodeImmutableField, Message: "record identity cannot be modified"})
			continue
		}
		v := delta[k]
		if v == nil {
			out[a.Local] = zeroValue(a.Type)
			continue
		}
		nv, err := NormalizeValue(a.Type, v)
		if err != nil {
			errs = append(errs, FieldError{Field: a.Local, Code: ErrorCodeInvalidValue, Message: err.Error()})
			continue
		}
		out[a.Local] = nv
	}
	return out, errs
}

func zeroValue(t FieldType) interface{} {
	switch t {
	case FieldTypeDecimal:
		return "0"
	case FieldTypeBool:
		return false
	}
	return ""
}

// NormalizeValue converts v to the stored representation of t: decimals and dates
// become canonical strings so stored data compares by value after a JSON round trip.
func NormalizeValue(t FieldType, v interface{}) (interface{}, error) {
	switch t {
	case FieldTypeString:
		return strings.TrimSpace(stringify(v)), nil
	case FieldTypeDecimal:
		d, err := utils.ParseDecimal(stringify(v))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q", stringify(v))
		}
		return d.String(), nil
	case FieldTypeDate:
		s := strings.TrimSpace(stringify(v))
		if s == "" {
			return "", nil
		}
		tm, err := parseDate(s)
		if err != nil {
			return nil, err
		}
		return tm.Format(DateLayout), nil
	case FieldTypeBool:
		return parseBool(v)
	}
	return v, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case decimal.Decimal:
		return x.String()
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func parseBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case json.Number:
		return x.String() != "0", nil
	}
	switch strings.ToLower(strings.TrimSpace(stringify(v))) {
	case "true", "1", "y", "yes":
		return true, nil
	case "false", "0", "n", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", stringify(v))
}

// IndexedFromData projects normalized data onto the indexed columns.
func IndexedFromData(data map[string]interface{}) models.IndexedFields {
	return models.IndexedFields{
		Category:            dataString(data, "category"),
		Class:               dataString(data, "class"),
		Source:              dataString(data, "source"),
		Dor:                 dataString(data, "dor"),
		MonthlyRate:         dataDecimal(data, "monthlyRate"),
		PurchasePrice:       dataDecimal(data, "purchasePrice"),
		ForecastStart:       dataDate(data, "forecastStart"),
		ForecastEnd:         dataDate(data, "forecastEnd"),
		ActualStart:         dataDate(data, "actualStart"),
		ActualEnd:           dataDate(data, "actualEnd"),
		IsActualized:        dataBool(data, "isActualized"),
		IsDiscontinued:      dataBool(data, "isDiscontinued"),
		IsFundsTransferable: dataBool(data, "isFundsTransferable"),
	}
}

func dataString(data map[string]interface{}, key string) string {
	return strings.TrimSpace(stringify(data[key]))
}

func dataDecimal(data map[string]interface{}, key string) decimal.Decimal {
	d, err := utils.ParseDecimal(stringify(data[key]))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func dataDate(data map[string]interface{}, key string) *time.Time {
	s := dataString(data, key)
	if s == "" {
		return nil
	}
	tm, err := parseDate(s)
	if err != nil {
		return nil
	}
	return &tm
}

func dataBool(data map[string]interface{}, key string) bool {
	b, _ := parseBool(data[key])
	return b
}

// MergeData overlays delta onto base without mutating either.
func MergeData(base map[string]interface{}, delta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// ValuesEqual compares two stored values by their JSON encoding.
func ValuesEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// DataEqual reports whether two data maps hold the same fields and values.
func DataEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}
