package bridge

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/siwachabhi/sonic-relay/internal/metrics"
)

var (
	dialAttempts  = 4
	dialBaseDelay = 250 * time.Millisecond
	dialMaxDelay  = 2 * time.Second
)

func retryDial(ctx context.Context, log zerolog.Logger, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) || attempt == dialAttempts {
			return err
		}
		reason := awsErrorCode(err)
		metrics.RecordDialRetry(reason)
		delay := dialBaseDelay * time.Duration(1<<(attempt-1))
		if delay > dialMaxDelay {
			delay = dialMaxDelay
		}
		delay = withJitter(delay)
		log.Warn().Err(err).Int("attempt", attempt).Str("reason", reason).Dur("delay", delay).Msg("backend dial retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [delay/2, delay].
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + rand.N(delay-half+1)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException",
		"Throttling",
		"TooManyRequestsException",
		"ServiceUnavailableException",
		"ServiceUnavailable",
		"InternalServerException",
		"InternalFailure",
		"ModelNotReadyException",
		"RequestTimeout":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
