package mesh

import (
	"encoding/json"
	"fmt"
	"time"
)

// FinalResponse is the delivery envelope the aggregator publishes and the
// gateway correlates back to waiting clients.
type FinalResponse struct {
	MessageID string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Encode serializes the envelope for the wire.
func (f *FinalResponse) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode response %s: %w", f.MessageID, err)
	}
	return data, nil
}

// DecodeResponse parses a delivery envelope.
func DecodeResponse(data []byte) (*FinalResponse, error) {
	var f FinalResponse
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("mesh: decode response: %w", err)
	}
	return &f, nil
}
