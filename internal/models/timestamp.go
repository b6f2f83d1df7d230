package models

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Timestamp is a point in time persisted as an ISO-8601 (RFC 3339) string.
// The zero value is stored as null.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds and normalizes it to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// String formats the timestamp as RFC 3339 with millisecond precision.
func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// MarshalBSONValue stores the timestamp as a string, or null when zero.
func (t Timestamp) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if t.IsZero() {
		return bsontype.Null, nil, nil
	}
	return bson.MarshalValue(t.String())
}

// UnmarshalBSONValue accepts strings and native BSON datetimes.
func (t *Timestamp) UnmarshalBSONValue(typ bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: typ, Value: data}
	switch typ {
	case bsontype.Null, bsontype.Undefined:
		*t = Timestamp{}
		return nil
	case bsontype.String:
		parsed, err := time.Parse(time.RFC3339Nano, raw.StringValue())
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", raw.StringValue(), err)
		}
		*t = NewTimestamp(parsed)
		return nil
	case bsontype.DateTime:
		*t = NewTimestamp(raw.Time())
		return nil
	default:
		return fmt.Errorf("cannot decode %s into timestamp", typ)
	}
}

// MarshalJSON renders the timestamp as an RFC 3339 string, or null when zero.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON parses an RFC 3339 string or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = NewTimestamp(parsed)
	return nil
}
