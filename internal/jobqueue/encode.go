package jobqueue

import (
	"encoding/json"
	"fmt"
)

// Encode turns an Add payload into bytes. Byte slices and json.RawMessage
// pass through unchanged.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("job payload is required")
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode job payload: %w", err)
		}
		return data, nil
	}
}
