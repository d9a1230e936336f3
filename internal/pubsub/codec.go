package pubsub

import (
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec encodes envelopes for brokers that move bytes.
type Codec interface {
	Name() string
	encode(env envelope) ([]byte, error)
	decode(b []byte) (envelope, error)
}

// CodecByName returns the codec registered under name.
// Known names are "json" and "proto"; an empty name selects json.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonEnvelope struct {
	Type    MessageType     `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender"`
}

// JSONCodec encodes envelopes as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) encode(env envelope) ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		Type:    env.Type,
		Event:   env.Event,
		Payload: json.RawMessage(env.Payload),
		Sender:  env.Sender,
	})
}

func (JSONCodec) decode(b []byte) (envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(b, &je); err != nil {
		return envelope{}, fmt.Errorf("could not unmarshal envelope: %w", err)
	}
	return envelope{
		Type:    je.Type,
		Event:   je.Event,
		Payload: []byte(je.Payload),
		Sender:  je.Sender,
	}, nil
}

// ProtoCodec encodes envelopes as a protobuf google.protobuf.Struct.
// Numbers in the payload travel as doubles.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) encode(env envelope) ([]byte, error) {
	var payload interface{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("payload is not JSON: %w", err)
		}
	}
	s, err := structpb.NewStruct(map[string]interface{}{
		"type":    string(env.Type),
		"event":   env.Event,
		"sender":  env.Sender,
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("could not build struct: %w", err)
	}
	return proto.Marshal(s)
}

func (ProtoCodec) decode(b []byte) (envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return envelope{}, fmt.Errorf("could not unmarshal envelope: %w", err)
	}
	fields := s.GetFields()
	env := envelope{
		Type:   MessageType(fields["type"].GetStringValue()),
		Event:  fields["event"].GetStringValue(),
		Sender: fields["sender"].GetStringValue(),
	}
	if v, ok := fields["payload"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			payload, err := json.Marshal(v.AsInterface())
			if err != nil {
				return envelope{}, fmt.Errorf("could not marshal payload: %w", err)
			}
			env.Payload = payload
		}
	}
	return env, nil
}
