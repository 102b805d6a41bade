package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID is an opaque identifier. The backend serializes ids either as plain
// strings, as numbers, or as populated objects ({"_id": ...}); ID accepts all
// three shapes so comparisons never depend on how a record was serialized.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id ID) Equal(other ID) bool {
	return ToIdString(id) == ToIdString(other)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	var raw interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}

	*id = ID(ToIdString(raw))
	return nil
}

// ToIdString normalizes any id shape to its canonical string form. It is the
// only function used to compare identities.
func ToIdString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case ID:
		return strings.TrimSpace(string(val))
	case *ID:
		if val == nil {
			return ""
		}
		return strings.TrimSpace(string(*val))
	case string:
		return strings.TrimSpace(val)
	case *string:
		if val == nil {
			return ""
		}
		return strings.TrimSpace(*val)
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case User:
		return ToIdString(val.Id)
	case *User:
		if val == nil {
			return ""
		}
		return ToIdString(val.Id)
	case map[string]interface{}:
		for _, key := range []string{"_id", "id", "$oid"} {
			if inner, ok := val[key]; ok {
				return ToIdString(inner)
			}
		}
		return ""
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// SameId reports whether two ids of arbitrary shape denote the same identity.
func SameId(a, b interface{}) bool {
	left := ToIdString(a)
	return left != "" && left == ToIdString(b)
}
