// Package runner owns one WebSocket connection: it drives the
// participant's module instances, bridges the socket to the exchange
// and module-private event streams, and enforces the join/leave
// protocol. One runner is one goroutine pair: readPump plus the event
// loop feeding writePump.
package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/auth"
	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // SDP blobs are the largest frames

	sendBuffer  = 64
	inputBuffer = 64
)

// wsConnection is the slice of *websocket.Conn the runner uses; tests
// substitute an in-memory pair.
type wsConnection interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

type runnerState int

const (
	stateHandshaking runnerState = iota
	stateJoining
	stateInRoom
	stateLeaving
	stateDestroyed
)

// Deps bundles the process-wide collaborators a runner needs.
type Deps struct {
	Store    store.Store
	Exchange *exchange.Exchange
	Registry *module.Registry
}

type activeModule struct {
	ns   types.ModuleId
	inst module.Instance
}

type extDelivery struct {
	ns types.ModuleId
	ev module.ExtEvent
}

// Runner drives one participant session.
type Runner struct {
	id     types.ParticipantId
	ticket *auth.Redeemed
	room   types.SignalingRoomId
	attrs  types.ParticipantAttrs
	role   types.Role

	conn wsConnection
	deps Deps

	modules []activeModule

	send      chan []byte
	writeQuit chan struct{}
	wsIn      chan types.Envelope
	exchIn    chan []byte
	extIn     chan extDelivery

	streams     []*exchange.Stream
	forwardCtx  context.Context
	forwardStop context.CancelFunc

	state       runnerState
	leaveReason string
	now         func() time.Time
}

// New builds a runner for a validated ticket. Run must be called on it.
func New(conn wsConnection, ticket *auth.Redeemed, deps Deps) *Runner {
	fctx, fcancel := context.WithCancel(context.Background())
	return &Runner{
		id:          types.NewParticipantId(),
		ticket:      ticket,
		room:        ticket.RoomID,
		role:        ticket.Role,
		conn:        conn,
		deps:        deps,
		send:        make(chan []byte, sendBuffer),
		writeQuit:   make(chan struct{}),
		wsIn:        make(chan types.Envelope, inputBuffer),
		exchIn:      make(chan []byte, inputBuffer),
		extIn:       make(chan extDelivery, inputBuffer),
		forwardCtx:  fctx,
		forwardStop: fcancel,
		state:       stateHandshaking,
		leaveReason: "quit",
		now:         time.Now,
	}
}

// Id returns the participant id minted for this runner.
func (r *Runner) Id() types.ParticipantId { return r.id }

// Run drives the runner until the connection closes or a shutdown is
// requested, then executes the leave protocol. It blocks.
func (r *Runner) Run(ctx context.Context) {
	ctx = logging.WithRoom(ctx, string(r.room.Room), string(r.room.Breakout))
	ctx = logging.WithParticipant(ctx, string(r.id))

	metrics.ActiveRunners.Inc()
	defer metrics.ActiveRunners.Dec()

	readClosed := make(chan struct{})
	go r.writePump()
	go r.readPump(readClosed)

	r.state = stateJoining
	r.eventLoop(ctx, readClosed)

	r.leave(ctx)
	r.forwardStop()
	for _, s := range r.streams {
		s.Close()
	}
	close(r.writeQuit)
	_ = r.conn.Close()
	r.state = stateDestroyed
}

// eventLoop processes one input per iteration: a WebSocket frame, an
// exchange delivery, or a module-private stream value. A module exit
// request or a fatal error ends the loop from inside the handler.
func (r *Runner) eventLoop(ctx context.Context, readClosed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-readClosed:
			return
		case env := <-r.wsIn:
			if fatal := r.handleWsEnvelope(ctx, env); fatal {
				return
			}
		case payload := <-r.exchIn:
			if fatal := r.handleExchangePayload(ctx, payload); fatal {
				return
			}
		case delivery := <-r.extIn:
			if fatal := r.dispatchToModule(ctx, delivery.ns, module.Event{Ext: &delivery.ev}); fatal {
				return
			}
		}
	}
}

// readPump reads frames off the socket, decodes the envelope, and
// feeds the event loop, closing readClosed on connection loss.
func (r *Runner) readPump(readClosed chan<- struct{}) {
	defer close(readClosed)

	r.conn.SetReadLimit(maxMessageSize)
	_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "runner: websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.sendControlError(ErrorPayload{Error: "malformed_message", Detail: "invalid envelope"})
			continue
		}
		select {
		case r.wsIn <- env:
		case <-r.forwardCtx.Done():
			return
		}
	}
}

// writePump serializes outbound frames and keep-alive pings, the only
// goroutine writing to the connection.
func (r *Runner) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.writeQuit:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = r.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-r.send:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue marshals an envelope onto the send channel, dropping when
// the client cannot keep up rather than blocking the event loop.
func (r *Runner) enqueue(ns types.ModuleId, payload any) {
	env, err := types.NewEnvelope(ns, payload)
	if err != nil {
		logging.Warn(context.Background(), "runner: failed to marshal outbound payload", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case r.send <- data:
	default:
		logging.Warn(context.Background(), "runner: send buffer full, dropping frame",
			zap.String("namespace", string(ns)))
	}
}

func (r *Runner) sendControl(kind string, payload any) {
	r.enqueue(types.ControlNamespace, controlMessage{Kind: kind, Payload: payload})
}

func (r *Runner) sendControlError(p ErrorPayload) {
	r.sendControl(evtError, p)
}

// closeWith writes a close frame; the peer's close response ends
// readPump.
func (r *Runner) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// subscribeExchange registers a routing key and forwards its stream
// into the event loop.
func (r *Runner) subscribeExchange(ctx context.Context, routingKey string) {
	stream := r.deps.Exchange.Subscribe(ctx, routingKey)
	r.streams = append(r.streams, stream)
	go func() {
		for {
			select {
			case <-r.forwardCtx.Done():
				return
			case payload, ok := <-stream.C:
				if !ok {
					return
				}
				select {
				case r.exchIn <- payload:
				case <-r.forwardCtx.Done():
					return
				}
			}
		}
	}()
}

// registerExtStream forwards a module-private stream into the event
// loop, tagged with the owning module's namespace.
func (r *Runner) registerExtStream(ns types.ModuleId, stream <-chan module.ExtEvent) {
	go func() {
		for {
			select {
			case <-r.forwardCtx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				select {
				case r.extIn <- extDelivery{ns: ns, ev: ev}:
				case <-r.forwardCtx.Done():
					return
				}
			}
		}
	}()
}
