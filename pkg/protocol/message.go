package protocol

import (
	"github.com/parxlib/parx/pkg/codec"
)

// Protocol version spoken by this build. A worker announcing a different
// version in its hello message is rejected before any task is dispatched.
const Version = 1

type MessageKind uint8

const (
	// First message on a connection, worker to coordinator.
	KindHello MessageKind = iota + 1

	// Task execution request, coordinator to worker.
	KindTaskRequest

	// Task execution result, worker to coordinator.
	KindTaskResponse

	// Liveness probe, coordinator to worker.
	KindPing

	// Liveness probe reply, worker to coordinator.
	KindPong

	// Orderly termination request, coordinator to worker.
	KindShutdown
)

type ResponseStatus uint8

const (
	StatusOK ResponseStatus = iota
	StatusError
)

// Announcement sent by a worker once its channel is established.
type Hello struct {
	// Protocol version spoken by the worker.
	Version int

	// Spawn token issued by the backend, used to pair the connection
	// with the pending spawn request.
	Token string

	// Worker process identity.
	WorkerID string

	// Machine identity of the host executing the worker.
	MachineID string

	// Resource grant the worker was launched with.
	Cores          int
	ThreadsPerCore int
	GPUs           []string
}

// A task execution request.
type TaskRequest struct {
	TaskID uint64

	// Serialized callable reference or inline callable.
	Call codec.Payload

	// Serialized positional arguments.
	Args []byte

	// Serialized keyword arguments.
	Kwargs []byte
}

// A task execution response. Payload holds the serialized return value on
// StatusOK, or a serialized failure description on StatusError.
type TaskResponse struct {
	TaskID  uint64
	Status  ResponseStatus
	Payload []byte
}

// The unit of exchange on a worker channel. Exactly one of the pointer
// fields is populated, according to Kind.
type Envelope struct {
	Kind     MessageKind
	Hello    *Hello
	Request  *TaskRequest
	Response *TaskResponse
}
