package devset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// NoSelection is the value of the "-- Select a device --" option. Adding it
// is a no-op.
const NoSelection = "0"

// ParseError reports a persisted device list that could not be decoded.
type ParseError struct {
	Value string // raw persisted value
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed device id list %q: %v", e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// EncodeIDs serializes ids as a JSON string array with every double quote
// replaced by a single quote, the form the controller's state store
// expects. A nil list encodes as "[]".
func EncodeIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ids); err != nil {
		// []string always marshals.
		panic(err)
	}
	data := strings.TrimSuffix(buf.String(), "\n")
	return strings.ReplaceAll(data, `"`, `'`)
}

// DecodeIDs is the inverse of EncodeIDs. An empty value decodes to an
// empty list; anything that is not a string array after translating
// single quotes back to double quotes returns a *ParseError.
func DecodeIDs(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(strings.ReplaceAll(value, `'`, `"`)), &ids); err != nil {
		return nil, &ParseError{Value: value, Err: err}
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// addID appends id unless it is the no-selection sentinel or already
// present. Reports whether the list changed.
func addID(ids []string, id string) ([]string, bool) {
	if id == "" || id == NoSelection || indexOf(ids, id) >= 0 {
		return ids, false
	}
	return append(ids, id), true
}

// removeID removes the first occurrence of id. Reports whether the list changed.
func removeID(ids []string, id string) ([]string, bool) {
	i := indexOf(ids, id)
	if i < 0 {
		return ids, false
	}
	out := make([]string, 0, len(ids)-1)
	out = append(out, ids[:i]...)
	return append(out, ids[i+1:]...), true
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
