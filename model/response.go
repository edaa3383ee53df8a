package model

import "time"

// ResponseStatus classifies a worker result.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "SUCCESS"
	ResponseError   ResponseStatus = "ERROR"
	ResponsePartial ResponseStatus = "PARTIAL"
	ResponsePending ResponseStatus = "PENDING"
	ResponseTimeout ResponseStatus = "TIMEOUT"
)

// ResponseMetadata carries execution telemetry reported by the worker.
type ResponseMetadata struct {
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	WorkerID         string         `json:"workerId"`
	WorkerType       string         `json:"workerType"`
	RetryCount       int            `json:"retryCount"`
	CacheHit         bool           `json:"cacheHit"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Response is the value object describing one worker result. Responses are
// built through the factory functions below and never mutated afterwards.
type Response struct {
	ID        string           `json:"id"`
	RequestID string           `json:"requestId"`
	Status    ResponseStatus   `json:"status"`
	Data      map[string]any   `json:"data,omitempty"`
	Metadata  ResponseMetadata `json:"metadata"`
	Timestamp time.Time        `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
}

// NewSuccessResponse builds a SUCCESS response.
func NewSuccessResponse(id, requestID string, data map[string]any, meta ResponseMetadata) Response {
	return Response{
		ID:        id,
		RequestID: requestID,
		Status:    ResponseSuccess,
		Data:      data,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorResponse builds an ERROR response carrying the worker's error text.
func NewErrorResponse(id, requestID, errMsg string, meta ResponseMetadata) Response {
	return Response{
		ID:        id,
		RequestID: requestID,
		Status:    ResponseError,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}

// NewPartialResponse builds a PARTIAL response: usable data was produced but
// the worker could not finish everything it was asked for.
func NewPartialResponse(id, requestID string, data map[string]any, errMsg string, meta ResponseMetadata) Response {
	return Response{
		ID:        id,
		RequestID: requestID,
		Status:    ResponsePartial,
		Data:      data,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}

// NewPendingResponse builds a PENDING response: the worker accepted the task
// and reports progress without finishing it.
func NewPendingResponse(id, requestID string, data map[string]any, meta ResponseMetadata) Response {
	return Response{
		ID:        id,
		RequestID: requestID,
		Status:    ResponsePending,
		Data:      data,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}
}

// NewTimeoutResponse builds a TIMEOUT response for a task that exceeded its
// deadline, whether reported by the worker or synthesized by the engine.
func NewTimeoutResponse(id, requestID, errMsg string, meta ResponseMetadata) Response {
	return Response{
		ID:        id,
		RequestID: requestID,
		Status:    ResponseTimeout,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}
