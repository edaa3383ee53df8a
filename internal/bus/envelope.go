package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/tarebo/maestro/model"
)

// CommandMessage is the wire envelope published on the commands topic.
type CommandMessage struct {
	MessageID   string         `json:"messageId"`
	TaskID      string         `json:"taskId"`
	TaskType    string         `json:"taskType"`
	WorkerID    string         `json:"workerId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// ResultMessage is the wire envelope workers publish on the results topic.
type ResultMessage struct {
	MessageID string                 `json:"messageId,omitempty"`
	TaskID    string                 `json:"taskId"`
	Status    model.ResponseStatus   `json:"status"`
	Data      map[string]any         `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  model.ResponseMetadata `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// StatusMessage is the wire envelope workers publish on the worker-status topic.
type StatusMessage struct {
	MessageID         string    `json:"messageId,omitempty"`
	WorkerID          string    `json:"workerId"`
	WorkerType        string    `json:"workerType,omitempty"`
	Name              string    `json:"name,omitempty"`
	Healthy           bool      `json:"healthy"`
	ActiveAssignments int       `json:"activeAssignments,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// EncodeCommand wraps a work command in a wire envelope. Each call mints a
// fresh message id, so republishing the same command is traceable per send.
func EncodeCommand(cmd model.WorkCommand) ([]byte, error) {
	msg := CommandMessage{
		MessageID:   xid.New().String(),
		TaskID:      cmd.TaskID,
		TaskType:    cmd.WorkerType,
		WorkerID:    cmd.WorkerID,
		Payload:     cmd.Payload,
		PublishedAt: time.Now().UTC(),
	}
	return json.Marshal(msg)
}

// DecodeCommand parses and validates a commands-topic message.
func DecodeCommand(data []byte) (CommandMessage, error) {
	var msg CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return CommandMessage{}, fmt.Errorf("decoding command message: %w", err)
	}
	if msg.TaskID == "" {
		return CommandMessage{}, fmt.Errorf("command message missing taskId")
	}
	if msg.TaskType == "" {
		return CommandMessage{}, fmt.Errorf("command message missing taskType")
	}
	return msg, nil
}

var validResultStatuses = map[model.ResponseStatus]bool{
	model.ResponseSuccess: true,
	model.ResponseError:   true,
	model.ResponsePartial: true,
	model.ResponsePending: true,
	model.ResponseTimeout: true,
}

// DecodeResult parses and validates a results-topic message.
func DecodeResult(data []byte) (ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ResultMessage{}, fmt.Errorf("decoding result message: %w", err)
	}
	if msg.TaskID == "" {
		return ResultMessage{}, fmt.Errorf("result message missing taskId")
	}
	if !validResultStatuses[msg.Status] {
		return ResultMessage{}, fmt.Errorf("result message has unknown status %q", msg.Status)
	}
	return msg, nil
}

// EncodeResult wraps a worker result in a wire envelope. Workers hold the
// real implementation; the engine uses this in tests and tooling.
func EncodeResult(msg ResultMessage) ([]byte, error) {
	if msg.MessageID == "" {
		msg.MessageID = xid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// DecodeStatus parses and validates a worker-status-topic message.
func DecodeStatus(data []byte) (StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StatusMessage{}, fmt.Errorf("decoding status message: %w", err)
	}
	if msg.WorkerID == "" {
		return StatusMessage{}, fmt.Errorf("status message missing workerId")
	}
	return msg, nil
}

// EncodeStatus wraps a worker heartbeat in a wire envelope.
func EncodeStatus(msg StatusMessage) ([]byte, error) {
	if msg.MessageID == "" {
		msg.MessageID = xid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// Heartbeat converts a decoded status message to the registry's input shape.
func (m StatusMessage) Heartbeat() model.WorkerHeartbeat {
	return model.WorkerHeartbeat{
		WorkerID:          m.WorkerID,
		WorkerType:        m.WorkerType,
		Name:              m.Name,
		Healthy:           m.Healthy,
		ActiveAssignments: m.ActiveAssignments,
	}
}

// Response converts a decoded result message to the immutable response the
// engine applies. The response id falls back to the message id when the
// worker did not supply one.
func (m ResultMessage) Response(requestID string) model.Response {
	id := m.MessageID
	if id == "" {
		id = xid.New().String()
	}
	switch m.Status {
	case model.ResponseSuccess:
		return model.NewSuccessResponse(id, requestID, m.Data, m.Metadata)
	case model.ResponsePartial:
		return model.NewPartialResponse(id, requestID, m.Data, m.Error, m.Metadata)
	case model.ResponsePending:
		return model.NewPendingResponse(id, requestID, m.Data, m.Metadata)
	case model.ResponseTimeout:
		return model.NewTimeoutResponse(id, requestID, m.Error, m.Metadata)
	default:
		return model.NewErrorResponse(id, requestID, m.Error, m.Metadata)
	}
}
