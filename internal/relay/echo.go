package relay

import (
	"context"
	"errors"
)

// EchoTransport is a Transport that can also write binary frames.
type EchoTransport interface {
	Transport
	FrameWriter
}

// Echo writes every frame back with its original frame type until the
// transport closes.
func Echo(ctx context.Context, t EchoTransport) error {
	defer t.Close("")
	for {
		f, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := t.WriteFrame(ctx, f); err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
