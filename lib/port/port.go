package port

import "context"

// Message is what a worker posts back to its controller.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Port is the channel handle back to the controller.
type Port interface {
	PostMessage(ctx context.Context, msg Message) error
}

// PortFunc adapts a function to the Port interface.
type PortFunc func(ctx context.Context, msg Message) error

// PostMessage implements Port.
func (f PortFunc) PostMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Report is the reply to a command that was sent as a request.
type Report struct {
	Outcome string `json:"outcome"`
	Alert   string `json:"alert,omitempty"`
	Error   string `json:"error,omitempty"`
}
