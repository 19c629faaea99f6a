package model

import "fmt"

// MsgType names a Message variant. The value is also the JSON tag.
type MsgType string

const (
	// Worker → Dispatcher
	MsgTypeFragmentRequest MsgType = "FragmentRequest"
	MsgTypeFragmentResult  MsgType = "FragmentResult"

	// Dispatcher → Worker
	MsgTypeFragmentTask MsgType = "FragmentTask"

	// Either side: graceful end of the conversation.
	MsgTypeClose MsgType = "Close"
)

// KnownMsgTypes lists every variant the framing layer accepts.
var KnownMsgTypes = []MsgType{
	MsgTypeFragmentRequest,
	MsgTypeFragmentTask,
	MsgTypeFragmentResult,
	MsgTypeClose,
}

// Close ends a conversation cleanly. The dispatcher sends it when the job
// is finished or when a worker's capacity fits no fragment.
type Close struct {
	Reason string `json:"reason,omitempty"`
}

// Common close reasons.
const (
	CloseJobComplete     = "job complete"
	CloseNoSuitableWork  = "no suitable work"
	CloseShuttingDown    = "dispatcher shutting down"
	CloseWorkerFinishing = "worker finishing"
)

// Message is the externally tagged union carried by one frame:
// {"FragmentTask": {...}}. Exactly one variant field is set.
// Data is the frame's binary trailer and never appears in the JSON.
type Message struct {
	FragmentRequest *FragmentRequest `json:"FragmentRequest,omitempty"`
	FragmentTask    *FragmentTask    `json:"FragmentTask,omitempty"`
	FragmentResult  *FragmentResult  `json:"FragmentResult,omitempty"`
	Close           *Close           `json:"Close,omitempty"`

	Data []byte `json:"-"`
}

// NewFragmentRequest builds a capacity announcement.
func NewFragmentRequest(workerName string, maximalWorkLoad uint32) Message {
	return Message{FragmentRequest: &FragmentRequest{
		WorkerName:      workerName,
		MaximalWorkLoad: maximalWorkLoad,
	}}
}

// NewFragmentTask wraps a task.
func NewFragmentTask(task FragmentTask) Message {
	return Message{FragmentTask: &task}
}

// NewFragmentResult wraps a result together with its pixel trailer.
func NewFragmentResult(result FragmentResult, pixels []byte) Message {
	return Message{FragmentResult: &result, Data: pixels}
}

// NewClose builds a graceful close message.
func NewClose(reason string) Message {
	return Message{Close: &Close{Reason: reason}}
}

// variants returns the tags of all populated fields.
func (m Message) variants() []MsgType {
	var out []MsgType
	if m.FragmentRequest != nil {
		out = append(out, MsgTypeFragmentRequest)
	}
	if m.FragmentTask != nil {
		out = append(out, MsgTypeFragmentTask)
	}
	if m.FragmentResult != nil {
		out = append(out, MsgTypeFragmentResult)
	}
	if m.Close != nil {
		out = append(out, MsgTypeClose)
	}
	return out
}

// Type returns the populated variant, or "" when the union is not exactly
// one variant.
func (m Message) Type() MsgType {
	v := m.variants()
	if len(v) != 1 {
		return ""
	}
	return v[0]
}

// Validate checks the union carries exactly one variant.
func (m Message) Validate() error {
	if v := m.variants(); len(v) != 1 {
		return fmt.Errorf("message must carry exactly one variant, found %v", v)
	}
	return nil
}
