package port

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec encodes header payloads. Both sides of a channel must agree on it.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON encodes payloads with encoding/json.
	JSON Codec = jsonCodec{}

	// Protobuf encodes payloads as a google.protobuf.Struct. Values go through
	// their JSON form first, so json struct tags decide the field names.
	Protobuf Codec = protobufCodec{}
)

// CodecByName returns the codec registered under name ("json" or "protobuf").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "protobuf", "proto":
		return Protobuf, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type protobufCodec struct{}

func (protobufCodec) Name() string { return "protobuf" }

func (protobufCodec) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protobuf codec: payload must be an object: %w", err)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf codec: %w", err)
	}
	return proto.Marshal(s)
}

func (protobufCodec) Unmarshal(data []byte, v any) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("protobuf codec: %w", err)
	}

	raw, err := protojson.Marshal(&s)
	if err != nil {
		return fmt.Errorf("protobuf codec: %w", err)
	}
	return json.Unmarshal(raw, v)
}
