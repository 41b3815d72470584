package engine

import (
	"context"

	"github.com/librescoot/evse-service/internal/actuator"
	"github.com/librescoot/evse-service/internal/jobs"
)

// EventType represents the type of event handled by the engine loop
type EventType int

const (
	EventFrame EventType = iota
	EventReadError
	EventJobDone
	EventRequest
)

// Event represents an event for the engine loop
type Event struct {
	Type EventType
	Data interface{}
}

// FrameData carries one raw frame read from the firmware
type FrameData struct {
	Bytes []byte
}

// ReadErrorData reports a failed read. Fatal errors stop the engine.
type ReadErrorData struct {
	Err   error
	Fatal bool
}

// JobDoneData contains the outcome of an actuator call-out
type JobDoneData struct {
	Result jobs.Result
	Action actuator.Action
}

// RequestData runs Fn on the loop and sends its error to Reply
type RequestData struct {
	Fn    func(ctx context.Context) error
	Reply chan<- error
}
