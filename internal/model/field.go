package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// SourceField is one extracted attribute value with its provenance.
type SourceField struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	SourceName string    `json:"source_name"`
	Confidence float64   `json:"confidence"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// UnmarshalJSON decodes Value with integral numbers as int64 and all other
// numbers as float64, so a stored count reads back as the integer it was
// extracted as rather than a float.
func (f *SourceField) UnmarshalJSON(data []byte) error {
	type plain SourceField
	var raw struct {
		plain
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = SourceField(raw.plain)
	f.Value = nil
	if len(raw.Value) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	f.Value = typedNumbers(v)
	return nil
}

func typedNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if fl, err := t.Float64(); err == nil {
			return fl
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = typedNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = typedNumbers(t[k])
		}
		return t
	}
	return v
}

// SameObservation reports whether a and b are the same value from the same
// source. Numbers compare by value, so int64(3) matches 3.0.
func SameObservation(a, b SourceField) bool {
	if a.SourceName != b.SourceName {
		return false
	}
	ja, errA := json.Marshal(a.Value)
	jb, errB := json.Marshal(b.Value)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// FieldRecord holds the winning value for one attribute plus every value
// ever observed for it, winners and losers alike.
type FieldRecord struct {
	Key     string        `json:"key"`
	Winner  SourceField   `json:"winner"`
	History []SourceField `json:"history"`
}

// FieldView is the collaborator-facing projection of a FieldRecord.
type FieldView struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// MetadataRecord is the persisted set of fields for one target. Version is
// bumped on every successful save and drives optimistic concurrency.
type MetadataRecord struct {
	TargetID  string                 `json:"target_id"`
	Fields    map[string]FieldRecord `json:"fields"`
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// View flattens the record into the key -> {value, confidence, source}
// mapping consumed downstream.
func (r *MetadataRecord) View() map[string]FieldView {
	out := make(map[string]FieldView, len(r.Fields))
	for k, f := range r.Fields {
		out[k] = FieldView{
			Value:      f.Winner.Value,
			Confidence: f.Winner.Confidence,
			Source:     f.Winner.SourceName,
		}
	}
	return out
}
