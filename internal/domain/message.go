package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Queue names. Wait queues are derived per delay bucket.
const (
	QueueMain       = "tasks.main"
	QueueDLQ        = "tasks.dlq"
	QueueWaitPrefix = "tasks.wait."
)

// TaskMessage is the wire payload carried on the work queues.
type TaskMessage struct {
	ID       string `json:"id"`
	ImageKey string `json:"image_key"`
	Context  string `json:"context"`
}

// Validate checks the message has all fields a worker needs.
func (m TaskMessage) Validate() error {
	if m.ID == "" || m.ImageKey == "" {
		return fmt.Errorf("%w: task message missing id or image_key", ErrInvalidArgument)
	}
	return nil
}

// DecodeTaskMessage parses a strict JSON task message. Unknown fields are
// rejected so schema drift between producer and consumer surfaces early.
func DecodeTaskMessage(raw []byte) (TaskMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var m TaskMessage
	if err := dec.Decode(&m); err != nil {
		return TaskMessage{}, fmt.Errorf("%w: decode task message: %v", ErrInvalidArgument, err)
	}
	if err := m.Validate(); err != nil {
		return TaskMessage{}, err
	}
	return m, nil
}
