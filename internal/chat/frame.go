package chat

import "sync"

// Frame types.
const (
	FrameContent = "content"
	FrameDone    = "done"
	FrameError   = "error"
)

// Frame is one server-sent event of a chat stream.
type Frame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Timestamp    int64           `json:"timestamp"`
	Delta        string          `json:"delta,omitempty"`
	Content      string          `json:"content,omitempty"`
	Role         string          `json:"role,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Error        *FrameErrorBody `json:"error,omitempty"`
}

// FrameErrorBody carries the user-facing failure message of an error frame.
type FrameErrorBody struct {
	Message string `json:"message"`
}

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameDone || f.Type == FrameError
}

// Sink receives frames in order.
type Sink interface {
	Send(frame Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame Frame) error

// Send calls f.
func (f SinkFunc) Send(frame Frame) error { return f(frame) }

// guardedSink remembers the first write failure and drops every later frame.
type guardedSink struct {
	sink Sink
	mu   sync.Mutex
	err  error
}

func (g *guardedSink) Send(frame Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil || g.sink == nil {
		return
	}
	g.err = g.sink.Send(frame)
}

func (g *guardedSink) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
