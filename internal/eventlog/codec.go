package eventlog

import (
	"encoding/json"
	"fmt"
)

func encodeEventJSON(e Event) (recipient string, payload string, err error) {
	rb, err := json.Marshal(e.Recipient)
	if err != nil {
		return "", "", fmt.Errorf("encode receiver_info: %w", err)
	}
	pb, err := json.Marshal(e.Payload)
	if err != nil {
		return "", "", fmt.Errorf("encode payload: %w", err)
	}
	return string(rb), string(pb), nil
}

func decodeEventJSON(e *Event, recipient, payload []byte) error {
	if len(recipient) > 0 {
		if err := json.Unmarshal(recipient, &e.Recipient); err != nil {
			return fmt.Errorf("decode receiver_info for event %s: %w", e.ID, err)
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return fmt.Errorf("decode payload for event %s: %w", e.ID, err)
		}
	}
	return nil
}
