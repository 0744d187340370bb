package relay

import (
	"context"

	"github.com/siwachabhi/sonic-relay/internal/model"
)

// SessionRecorder persists session start and end for auditing. Recording
// failures are logged and never affect the live connection.
type SessionRecorder interface {
	RecordSessionStart(ctx context.Context, s model.RelaySession) error
	RecordSessionEnd(ctx context.Context, end model.SessionEnd) error
}

type NopRecorder struct{}

func (NopRecorder) RecordSessionStart(context.Context, model.RelaySession) error { return nil }
func (NopRecorder) RecordSessionEnd(context.Context, model.SessionEnd) error     { return nil }
