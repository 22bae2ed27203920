package pfasync

import (
	"encoding/json"
	"sort"

	"github.com/mmdatafocus/pfa_mirror/models"
)

const fieldTypeMixed = "mixed"

// FingerprintBuilder accumulates the shape of raw remote rows. Keys are folded through
// the alias table so a renamed-but-mapped field is not reported as drift.
type FingerprintBuilder struct {
	fields map[string]struct{}
	types  map[string]string
	sample int
}

func NewFingerprintBuilder() *FingerprintBuilder {
	return &FingerprintBuilder{
		fields: map[string]struct{}{},
		types:  map[string]string{},
	}
}

func (b *FingerprintBuilder) Observe(row map[string]interface{}) {
	b.sample++
	for k, v := range row {
		name := CanonicalFieldName(k)
		b.fields[name] = struct{}{}
		t := jsonKind(v)
		if t == "" {
			continue
		}
		prev, seen := b.types[name]
		switch {
		case !seen:
			b.types[name] = t
		case prev != t:
			b.types[name] = fieldTypeMixed
		}
	}
}

func (b *FingerprintBuilder) SampleSize() int {
	return b.sample
}

func (b *FingerprintBuilder) Build() models.SchemaFingerprint {
	fields := make([]string, 0, len(b.fields))
	for f := range b.fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	types := make(map[string]string, len(b.types))
	for k, v := range b.types {
		types[k] = v
	}
	return models.SchemaFingerprint{Fields: fields, FieldTypes: types, SampleSize: b.sample}
}

// jsonKind names the JSON type of a decoded value; "" for null.
func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return ""
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, float32, int, int64:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	}
	return "unknown"
}
