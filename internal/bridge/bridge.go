// Package bridge owns one backend model stream on behalf of a client session:
// it dials the backend, pushes client events and queued audio into it, and
// collects backend events into an ordered output queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/siwachabhi/sonic-relay/internal/event"
	"github.com/siwachabhi/sonic-relay/internal/metrics"
	"github.com/siwachabhi/sonic-relay/internal/queue"
)

var (
	ErrConnection   = errors.New("backend connection error")
	ErrNotActive    = errors.New("bridge not active")
	ErrInvalidState = errors.New("invalid bridge state")
)

type State int

const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Bridge struct {
	dialer Dialer
	log    zerolog.Logger

	mu     sync.Mutex
	state  State
	stream Stream
	cancel context.CancelFunc

	sendMu sync.Mutex

	audio *queue.Queue[AudioChunk]
	out   *queue.Queue[event.Event]

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(dialer Dialer, log zerolog.Logger) *Bridge {
	return &Bridge{
		dialer: dialer,
		log:    log,
		audio:  queue.New[AudioChunk](),
		out:    queue.New[event.Event](),
	}
}

// InitializeStream dials the backend and starts the audio and receive
// goroutines. The bridge becomes active only when the dial succeeds; a failed
// dial leaves it closed. Cancelling ctx aborts the dial but does not end an
// established stream, which lives until Close.
func (b *Bridge) InitializeStream(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateCreated {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: initialize from %s", ErrInvalidState, st)
	}
	b.state = StateInitializing
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAbort := context.AfterFunc(ctx, cancel)

	var stream Stream
	err := retryDial(runCtx, b.log, func(ctx context.Context) error {
		s, err := b.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	aborted := !stopAbort()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil && aborted {
		_ = stream.Close()
		err = ctx.Err()
	}
	if err == nil && b.state != StateInitializing {
		// Close raced the dial.
		_ = stream.Close()
		err = fmt.Errorf("%w: closed during initialize", ErrInvalidState)
	}
	if err != nil {
		cancel()
		metrics.RecordBackendError("dial")
		b.state = StateClosed
		b.audio.Close()
		b.out.Close()
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	b.stream = stream
	b.cancel = cancel
	b.state = StateActive
	b.wg.Add(2)
	go b.sendAudio(runCtx)
	go b.receive(runCtx)
	b.log.Debug().Msg("backend stream initialized")
	return nil
}

// SendRawEvent forwards one client event to the backend.
func (b *Bridge) SendRawEvent(ctx context.Context, ev event.Event) error {
	payload, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	return b.send(ctx, string(ev.Kind), payload)
}

// AddAudioChunk queues audio for the dispatcher goroutine and never blocks.
// Chunks added after the bridge stops are dropped.
func (b *Bridge) AddAudioChunk(promptName, contentName, content string) {
	if !b.audio.Push(AudioChunk{PromptName: promptName, ContentName: contentName, Content: content}) {
		b.log.Debug().Msg("audio chunk dropped, bridge closed")
	}
}

// Next returns the next backend event in arrival order. After the backend
// stream ends and every received event has been returned it reports
// queue.ErrClosed.
func (b *Bridge) Next(ctx context.Context) (event.Event, error) {
	return b.out.Pop(ctx)
}

func (b *Bridge) IsActive() bool {
	return b.State() == StateActive
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close stops the bridge and waits for its goroutines. It is safe to call more
// than once and on a bridge that was never initialized.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.state == StateCreated || b.state == StateInitializing || b.state == StateClosed {
			b.state = StateClosed
			b.mu.Unlock()
			b.audio.Close()
			b.out.Close()
			return
		}
		b.state = StateClosing
		stream, cancel := b.stream, b.cancel
		b.mu.Unlock()

		b.audio.Close()
		cancel()
		b.closeErr = stream.Close()
		b.wg.Wait()
		b.out.Close()

		b.mu.Lock()
		b.state = StateClosed
		b.mu.Unlock()
		b.log.Debug().Msg("bridge closed")
	})
	return b.closeErr
}

func (b *Bridge) send(ctx context.Context, kind string, payload []byte) error {
	b.mu.Lock()
	if b.state != StateActive {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, st)
	}
	stream := b.stream
	b.mu.Unlock()

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := stream.Send(ctx, payload); err != nil {
		metrics.RecordBackendError("send")
		b.log.Error().Err(err).Str("kind", kind).Msg("send to backend failed")
		return fmt.Errorf("%w: send %s: %w", ErrConnection, kind, err)
	}
	return nil
}

func (b *Bridge) sendAudio(ctx context.Context) {
	defer b.wg.Done()
	for {
		chunk, err := b.audio.Pop(ctx)
		if err != nil {
			return
		}
		ev, err := event.New(event.KindAudioInput, map[string]any{
			"promptName":  chunk.PromptName,
			"contentName": chunk.ContentName,
			"content":     chunk.Content,
		})
		if err != nil {
			b.log.Error().Err(err).Msg("encode audio chunk")
			continue
		}
		if err := b.SendRawEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrNotActive) || ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Bridge) receive(ctx context.Context) {
	defer b.wg.Done()
	defer b.out.Close()
	defer b.markEnded()
	for {
		payload, err := b.stream.Recv(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				b.log.Info().Msg("backend stream ended")
			default:
				metrics.RecordBackendError("receive")
				b.log.Error().Err(err).Msg("backend stream failed")
			}
			return
		}
		ev, err := event.Parse(payload)
		if err != nil {
			b.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping unparseable backend event")
			continue
		}
		b.out.Push(ev)
	}
}

// markEnded takes an active bridge out of service once the backend is gone.
func (b *Bridge) markEnded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateActive {
		b.state = StateClosing
	}
}
