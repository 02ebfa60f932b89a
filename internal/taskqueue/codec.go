package taskqueue

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// NewMessage JSON-encodes v into a message for topic keyed by key.
func NewMessage(topic, key string, v any) (Message, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s message: %w", topic, err)
	}
	return Message{Topic: topic, Key: key, Payload: payload}, nil
}

// Decode unmarshals the payload of msg into a T.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := sonic.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return v, nil
}
