package server

import (
	"encoding/json"
	"fmt"
)

// jsonCodec lets connect handlers speak JSON over plain Go structs, so the
// service needs no generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
