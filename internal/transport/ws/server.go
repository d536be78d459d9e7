package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"chunkfield.dev/internal/protocol"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/stream"
)

// Streamer is the part of the stream driver the control surface needs.
type Streamer interface {
	Submit(c worldgen.Command) bool
	UpdateMarker(u stream.MarkerUpdate) bool
	Metrics() stream.Metrics
}

type Options struct {
	Params protocol.ServerParams
	// StateInterval is the STATE push period at state_every_ticks=1.
	StateInterval time.Duration
	// CommandTimeout bounds the wait for a command result.
	CommandTimeout time.Duration
	Logger         *log.Logger
}

type Server struct {
	streamer Streamer
	opts     Options
	log      *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(st Streamer, opts Options) *Server {
	if opts.StateInterval <= 0 {
		opts.StateInterval = 250 * time.Millisecond
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		streamer: st,
		opts:     opts,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// conn is one client connection. Outgoing frames are queued on out and
// written by a single writer goroutine.
type conn struct {
	id  string
	out chan []byte

	mu      sync.Mutex
	markers map[string]struct{}
}

// markerName scopes a client marker name to this connection.
func (c *conn) markerName(name string) string { return c.id + "/" + name }

func (c *conn) send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsConn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		c, every := s.handshake(wsConn)
		if c == nil {
			return
		}
		s.log.Printf("conn %s open from %s", c.id, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = wsConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := wsConn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		go s.pushState(ctx, c, every)

		// Reader loop.
		for {
			_ = wsConn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := wsConn.ReadMessage()
			if err != nil {
				break
			}
			s.route(ctx, c, msg)
		}

		cancel()
		s.dropMarkers(c)
		_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("conn %s closed", c.id)
	}
}

func (s *Server) handshake(wsConn *websocket.Conn) (*conn, int) {
	_ = wsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		return nil, 0
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil, 0
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil, 0
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil, 0
	}
	every := hello.StateEveryTicks
	if every <= 0 {
		every = 1
	}
	if every > 100 {
		every = 100
	}

	c := &conn{
		id:      fmt.Sprintf("C%d", s.nextID.Add(1)),
		out:     make(chan []byte, 64),
		markers: map[string]struct{}{},
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnID:          c.id,
		ServerParams:    s.opts.Params,
		State:           s.streamer.Metrics().State,
	}
	if err := writeJSON(wsConn, welcome); err != nil {
		return nil, 0
	}
	return c, every
}

func (s *Server) route(ctx context.Context, c *conn, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		c.send(errorMsg(protocol.ErrProtoBadRequest, "malformed json"))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		c.send(errorMsg(protocol.ErrProtoVersion, "bad protocol_version"))
		return
	}
	switch {
	case base.Type == protocol.TypeMarker:
		var m protocol.MarkerMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Name == "" {
			c.send(errorMsg(protocol.ErrProtoBadRequest, "bad MARKER"))
			return
		}
		s.marker(c, m)
	case protocol.IsCommand(base.Type):
		var m protocol.CommandMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.ReqID == "" {
			c.send(errorMsg(protocol.ErrProtoBadRequest, "bad command"))
			return
		}
		s.command(ctx, c, m)
	default:
		c.send(errorMsg(protocol.ErrProtoBadRequest, "unknown type "+base.Type))
	}
}

func (s *Server) marker(c *conn, m protocol.MarkerMsg) {
	u := stream.MarkerUpdate{Name: c.markerName(m.Name), Pos: mgl32.Vec3(m.Pos), Remove: m.Remove}
	if !s.streamer.UpdateMarker(u) {
		c.send(errorMsg(protocol.ErrBusy, "marker queue full"))
		return
	}
	c.mu.Lock()
	if m.Remove {
		delete(c.markers, m.Name)
	} else {
		c.markers[m.Name] = struct{}{}
	}
	c.mu.Unlock()
}

// dropMarkers removes every marker the connection placed.
func (s *Server) dropMarkers(c *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.markers {
		if !s.streamer.UpdateMarker(stream.MarkerUpdate{Name: c.markerName(name), Remove: true}) {
			s.log.Printf("warn: conn %s: could not remove marker %q", c.id, name)
		}
	}
	clear(c.markers)
}

func (s *Server) command(ctx context.Context, c *conn, m protocol.CommandMsg) {
	res := make(chan error, 1)
	cmd, err := toCommand(m, res)
	if err != nil {
		c.send(ack(m.ReqID, err, protocol.ErrBadRequest))
		return
	}
	if !s.streamer.Submit(cmd) {
		c.send(ack(m.ReqID, fmt.Errorf("command queue full"), protocol.ErrBusy))
		return
	}
	go func() {
		t := time.NewTimer(s.opts.CommandTimeout)
		defer t.Stop()
		select {
		case err := <-res:
			c.send(ack(m.ReqID, err, protocol.CodeFor(err)))
		case <-t.C:
			c.send(ack(m.ReqID, fmt.Errorf("no result after %s", s.opts.CommandTimeout), protocol.ErrBusy))
		case <-ctx.Done():
		}
	}()
}

func toCommand(m protocol.CommandMsg, res chan<- error) (worldgen.Command, error) {
	switch m.Type {
	case protocol.TypeCreateWorld:
		if m.Blueprint == "" {
			return nil, fmt.Errorf("blueprint is required")
		}
		seed := worldgen.NewSeed()
		if m.Seed != "" {
			var err error
			if seed, err = worldgen.ParseSeed(m.Seed); err != nil {
				return nil, err
			}
		}
		return worldgen.CreateWorld{Blueprint: m.Blueprint, Seed: seed, Result: res}, nil
	case protocol.TypeLoadWorld:
		st, ok := worldgen.ParseWorldState(m.State)
		if !ok && m.State != "" {
			return nil, fmt.Errorf("unknown state %q", m.State)
		}
		return worldgen.LoadWorld{Blueprint: m.Blueprint, State: st, Result: res}, nil
	case protocol.TypeGoToRoom:
		return worldgen.GoToRoom{Room: m.Room, Result: res}, nil
	case protocol.TypeLeaveRoom:
		return worldgen.LeaveRoom{Result: res}, nil
	case protocol.TypeUnload:
		return worldgen.Unload{Result: res}, nil
	}
	return nil, fmt.Errorf("unknown command %q", m.Type)
}

// pushState sends STATE whenever the streamer has advanced at least every
// ticks since the last push.
func (s *Server) pushState(ctx context.Context, c *conn, every int) {
	t := time.NewTicker(s.opts.StateInterval)
	defer t.Stop()
	var last uint64
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m := s.streamer.Metrics()
			if !first && m.Tick < last+uint64(every) {
				continue
			}
			if c.send(StateFromMetrics(m)) {
				first = false
				last = m.Tick
			}
		}
	}
}

func StateFromMetrics(m stream.Metrics) protocol.StateMsg {
	out := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		Tick:            m.Tick,
		State:           m.State,
		Session:         m.Session,
		Blueprint:       m.Blueprint,
		Seed:            m.Seed,
		Markers:         m.Markers,
		Pending:         m.Pending,
		Loaded:          m.Loaded,
		Cached:          m.Cached,
		Entities:        m.Entities,
		Dispatched:      m.Dispatched,
		Completed:       m.Completed,
		Failed:          m.Failed,
		Throttled:       m.Throttled,
		QueueDepth:      m.QueueDepth,
	}
	if len(m.Chunks) > 0 {
		out.Chunks = make([][2]int, len(m.Chunks))
		for i, id := range m.Chunks {
			out.Chunks[i] = [2]int{id.X, id.Y}
		}
	}
	return out
}

func ack(reqID string, err error, code string) protocol.AckMsg {
	a := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        err == nil,
	}
	if err != nil {
		a.Code = code
		a.Message = err.Error()
	}
	return a
}

func errorMsg(code, msg string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
