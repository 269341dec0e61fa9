package utils

import (
	"encoding/json"
	"errors"
)

// MarshalToJSON encodes v for text columns such as the integration log payload.
func MarshalToJSON[T any](v T) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func UnmarshalFromJSON[T any](data []byte, out *T) error {
	return json.Unmarshal(data, out)
}

// DecodeJSONObject decodes an event payload. Empty input and a JSON null
// both give a nil map; any other non-object is an error.
func DecodeJSONObject(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ErrorNotJSONObject
		}
		return nil, err
	}
	return obj, nil
}
