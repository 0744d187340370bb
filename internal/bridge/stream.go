package bridge

import "context"

// Stream is one open bidirectional conversation with the backend model.
// Send and Recv may be called from different goroutines; Send is not
// called concurrently with itself.
type Stream interface {
	Send(ctx context.Context, payload []byte) error
	// Recv blocks for the next backend event. It returns io.EOF once the
	// backend ends the stream cleanly.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// AudioChunk is a piece of client microphone audio waiting to be sent.
type AudioChunk struct {
	PromptName  string
	ContentName string
	Content     string
}
