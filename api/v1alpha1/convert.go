package v1alpha1

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a message into its wire form.
func ToStruct(msg any) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to convert message: %w", err)
	}
	return s, nil
}

// FromStruct decodes a wire message into msg. Unknown fields are rejected.
// A nil s decodes as an empty message.
func FromStruct(s *structpb.Struct, msg any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to convert message: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// FromJSON converts a JSON object into its wire form.
func FromJSON(data []byte) (*structpb.Struct, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &structpb.Struct{}, nil
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return s, nil
}

// ToMap returns the wire message as plain values for output formatting.
func ToMap(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}
