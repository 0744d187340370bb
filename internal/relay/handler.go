// Package relay runs the per-connection session state machine between a
// client transport and a backend model stream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/siwachabhi/sonic-relay/internal/auth"
	"github.com/siwachabhi/sonic-relay/internal/bridge"
	"github.com/siwachabhi/sonic-relay/internal/event"
	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/metrics"
	"github.com/siwachabhi/sonic-relay/internal/model"
)

const (
	msgInvalidJSON     = "Invalid JSON format"
	msgBinaryFrame     = "Binary frames are not supported"
	msgStartFailed     = "Failed to start session: backend connection failed"
	msgBackendInactive = "Backend stream is no longer active"
	msgSendFailed      = "Failed to send event to backend"

	recordTimeout = 5 * time.Second
)

type Options struct {
	Dialer       bridge.Dialer
	MaxEventSize int
	Recorder     SessionRecorder
	// Backend labels audit records, e.g. "bedrock" or "websocket".
	Backend string
}

type Handler struct {
	dialer       bridge.Dialer
	maxEventSize int
	recorder     SessionRecorder
	backend      string
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		dialer:       opts.Dialer,
		maxEventSize: opts.MaxEventSize,
		recorder:     opts.Recorder,
		backend:      opts.Backend,
	}
	if h.maxEventSize <= 0 {
		h.maxEventSize = event.DefaultMaxSize
	}
	if h.recorder == nil {
		h.recorder = NopRecorder{}
	}
	return h
}

type conn struct {
	h      *Handler
	id     string
	userID string
	t      Transport
	log    zerolog.Logger

	writeMu sync.Mutex
	sess    *session
}

type session struct {
	id               string
	bridge           *bridge.Bridge
	promptName       string
	audioContentName string
	startedAt        time.Time
	log              zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	eventsIn    atomic.Int64
	eventsOut   atomic.Int64
	audioChunks atomic.Int64
}

// Serve runs the receive loop for one client connection until the transport
// closes or ctx ends. Any open session is torn down and the transport closed
// before Serve returns.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	userID, _ := auth.UserIDFromContext(ctx)
	c := &conn{
		h:      h,
		id:     uuid.NewString(),
		userID: userID,
		t:      t,
	}
	c.log = logx.Log.With().Str("conn_id", c.id).Logger()

	metrics.ConnectionOpened()
	c.log.Info().Str("user_id", userID).Msg("client connected")
	defer func() {
		c.endSession(ctx, model.EndConnectionClose)
		_ = t.Close("")
		metrics.ConnectionClosed()
		c.log.Info().Msg("client disconnected")
	}()

	for {
		f, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("read failed")
			return err
		}
		c.handleFrame(ctx, f)
	}
}

func (c *conn) handleFrame(ctx context.Context, f Frame) {
	if f.Binary {
		c.log.Warn().Int("bytes", len(f.Data)).Msg("binary frame rejected")
		c.writeError(ctx, msgBinaryFrame)
		return
	}

	ev, err := event.Parse(f.Data)
	if err != nil {
		var syntaxErr *json.SyntaxError
		switch {
		case errors.Is(err, event.ErrNoEvent):
			c.log.Debug().Msg("message without event ignored")
		case errors.As(err, &syntaxErr):
			c.log.Warn().Err(err).Msg("malformed message")
			c.writeError(ctx, msgInvalidJSON)
		default:
			c.log.Warn().Err(err).Msg("invalid event")
			c.writeError(ctx, fmt.Sprintf("Invalid event: %v", err))
		}
		return
	}
	metrics.RecordEvent("inbound", string(ev.Kind))

	switch ev.Kind {
	case event.KindSessionStart:
		c.startSession(ctx, ev)
	case event.KindSessionEnd:
		if c.sess == nil {
			c.log.Debug().Msg("sessionEnd without session")
			return
		}
		c.endSession(ctx, model.EndClientRequested)
	default:
		c.routeEvent(ctx, ev)
	}
}

func (c *conn) startSession(ctx context.Context, ev event.Event) {
	if c.sess != nil {
		c.log.Info().Str("session_id", c.sess.id).Msg("replacing active session")
		c.endSession(ctx, model.EndReplaced)
	}

	id := uuid.NewString()
	log := c.log.With().Str("session_id", id).Logger()
	b := bridge.New(c.h.dialer, log)
	if err := b.InitializeStream(ctx); err != nil {
		_ = b.Close()
		metrics.RecordSessionStart("failed")
		log.Error().Err(err).Msg("session start failed")
		c.writeError(ctx, msgStartFailed)
		return
	}

	fctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:        id,
		bridge:    b,
		startedAt: time.Now(),
		log:       log,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.sess = s
	go c.forward(ctx, fctx, s)

	metrics.RecordSessionStart("started")
	log.Info().Msg("session started")
	c.record(ctx, func(rctx context.Context) error {
		return c.h.recorder.RecordSessionStart(rctx, model.RelaySession{
			ID:           s.id,
			ConnectionID: c.id,
			UserID:       c.userID,
			Backend:      c.h.backend,
			StartedAt:    s.startedAt,
			Status:       model.SessionActive,
		})
	})

	c.send(ctx, s, ev)
}

// routeEvent forwards a client event to the active session. An event that
// arrives after the backend stream has ended gets an error frame and tears the
// session down; the connection stays open for a new sessionStart.
func (c *conn) routeEvent(ctx context.Context, ev event.Event) {
	s := c.sess
	if s == nil {
		c.log.Debug().Str("kind", string(ev.Kind)).Msg("event without session ignored")
		return
	}
	if !s.bridge.IsActive() {
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("event for inactive backend stream")
		c.writeError(ctx, msgBackendInactive)
		c.endSession(ctx, model.EndBackendEnded)
		return
	}

	switch ev.Kind {
	case event.KindPromptStart:
		if name, ok := ev.String("promptName"); ok {
			s.promptName = name
		}
	case event.KindContentStart:
		if typ, _ := ev.String("type"); typ == event.ContentTypeAudio {
			if name, ok := ev.String("contentName"); ok {
				s.audioContentName = name
			}
		}
	case event.KindAudioInput:
		content, _ := ev.String("content")
		prompt, _ := ev.String("promptName")
		if prompt == "" {
			prompt = s.promptName
		}
		contentName, _ := ev.String("contentName")
		if contentName == "" {
			contentName = s.audioContentName
		}
		s.bridge.AddAudioChunk(prompt, contentName, content)
		s.eventsIn.Add(1)
		s.audioChunks.Add(1)
		return
	}

	c.send(ctx, s, ev)
}

func (c *conn) send(ctx context.Context, s *session, ev event.Event) {
	if err := s.bridge.SendRawEvent(ctx, ev); err != nil {
		c.writeError(ctx, msgSendFailed)
		if !s.bridge.IsActive() {
			c.endSession(ctx, model.EndSendFailed)
		}
		return
	}
	s.eventsIn.Add(1)
}

// endSession closes the bridge before joining the forwarder so the forwarder
// observes the closed output queue. A write already in flight to the client
// finishes before the forwarder exits.
func (c *conn) endSession(ctx context.Context, reason string) {
	s := c.sess
	if s == nil {
		return
	}
	c.sess = nil

	if err := s.bridge.Close(); err != nil {
		s.log.Debug().Err(err).Msg("bridge close")
	}
	s.cancel()
	<-s.done

	d := time.Since(s.startedAt)
	metrics.RecordSessionEnd(d)
	counters := model.Counters{
		EventsIn:    s.eventsIn.Load(),
		EventsOut:   s.eventsOut.Load(),
		AudioChunks: s.audioChunks.Load(),
	}
	s.log.Info().
		Str("reason", reason).
		Dur("duration", d).
		Int64("events_in", counters.EventsIn).
		Int64("events_out", counters.EventsOut).
		Msg("session ended")
	c.record(ctx, func(rctx context.Context) error {
		return c.h.recorder.RecordSessionEnd(rctx, model.SessionEnd{
			ID:        s.id,
			EndedAt:   time.Now(),
			EndReason: reason,
			Counters:  counters,
		})
	})
}

// forward drains backend events to the client, splitting oversized ones.
// sessCtx only bounds the wait for backend events; writes use the connection
// context because cancelling an in-flight WebSocket write closes the
// connection.
func (c *conn) forward(ctx, sessCtx context.Context, s *session) {
	defer close(s.done)
	for {
		if sessCtx.Err() != nil {
			return
		}
		ev, err := s.bridge.Next(sessCtx)
		if err != nil {
			return
		}
		kind := string(ev.Kind)
		chunks, err := event.Split(ev, c.h.maxEventSize)
		switch {
		case errors.Is(err, event.ErrUnsplittable):
			s.log.Warn().Err(err).Msg("forwarding oversized event unsplit")
		case err != nil:
			s.log.Error().Err(err).Str("kind", kind).Msg("encode backend event")
			continue
		}
		if len(chunks) > 1 {
			metrics.RecordChunkedEvent(kind, len(chunks))
			s.log.Debug().Str("kind", kind).Int("chunks", len(chunks)).Msg("split oversized event")
		}
		for _, chunk := range chunks {
			if sessCtx.Err() != nil {
				return
			}
			data, err := chunk.MarshalJSON()
			if err != nil {
				s.log.Error().Err(err).Str("kind", kind).Msg("encode backend event")
				continue
			}
			if err := c.write(ctx, data); err != nil {
				if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil || sessCtx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Str("kind", kind).Msg("write to client failed")
				continue
			}
			s.eventsOut.Add(1)
			metrics.RecordEvent("outbound", kind)
		}
	}
}

func (c *conn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.t.Write(ctx, data)
}

func (c *conn) writeError(ctx context.Context, msg string) {
	data, err := json.Marshal(event.NewErrorFrame(msg))
	if err != nil {
		return
	}
	if err := c.write(ctx, data); err != nil && !errors.Is(err, ErrTransportClosed) {
		c.log.Warn().Err(err).Msg("write error frame failed")
	}
}

// record runs a recorder call detached from connection cancellation so a
// session ending because the client left is still written.
func (c *conn) record(ctx context.Context, fn func(context.Context) error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		c.log.Error().Err(err).Msg("record session")
	}
}
