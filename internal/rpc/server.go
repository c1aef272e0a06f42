package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaultkit/sidecar/internal/commands"
)

// Dispatcher executes one inbound RPC call against the command
// registry. It is the orchestrator's Execute method in production;
// tests can supply a stub.
type Dispatcher func(ctx context.Context, method string, params map[string]any) (any, error)

// Server is the single WebSocket endpoint the daemon exposes. Only one
// connection is live at a time — a new one replaces whatever came
// before it, mirroring websocket_server.py's bare
// `self.connection = websocket` assignment with no handshake for
// displacing a stale peer.
type Server struct {
	upgrader websocket.Upgrader
	dispatch Dispatcher
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending []any // queued outbound messages, flushed once a connection exists
}

// SetDispatcher installs (or replaces) the Dispatcher used for every
// inbound call. It exists because the daemon's Frontend (this Server)
// must be handed to the orchestrator before the orchestrator's Execute
// method exists to dispatch into — construction order is Server, then
// Orchestrator, then SetDispatcher closes the loop.
func (s *Server) SetDispatcher(dispatch Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = dispatch
}

// NewServer builds a Server. dispatch is called for every inbound
// method that is not the reserved "trigger_event" name; it may be nil
// and installed later via SetDispatcher.
func NewServer(dispatch Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatch: dispatch,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Localhost-only desktop companion traffic; there is no
			// browser origin to validate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and becomes the new
// live connection, displacing any previous one. Blocks for the
// lifetime of the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.logger.Info("client connected", "remote", r.RemoteAddr)

	for _, msg := range queued {
		s.writeJSON(msg)
	}

	s.readLoop(conn)
}

// readLoop consumes messages until the connection closes or fails.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("client disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error("websocket read error", "error", err)
			}
			return
		}
		go s.handleMessage(raw)
	}
}

// handleMessage parses and dispatches one inbound frame. Parse and
// protocol failures get a best-effort error response (with no id when
// one couldn't be recovered); successful notifications (no id) produce
// no response at all.
func (s *Server) handleMessage(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeJSON(newErrorResponse(nil, ErrParse, "parse error", err.Error()))
		return
	}
	if req.JSONRPC != protocolVersion || req.Method == "" {
		s.writeJSON(newErrorResponse(req.ID, ErrInvalidRequest, "invalid request", nil))
		return
	}

	params, perr := decodeParams(req.Params)
	if perr != nil {
		if !req.IsNotification() {
			s.writeJSON(newErrorResponse(req.ID, ErrInvalidParams, "invalid params", perr.Error()))
		}
		return
	}

	method, params := resolveExecuteCommand(req.Method, params)

	s.mu.Lock()
	dispatch := s.dispatch
	s.mu.Unlock()
	if dispatch == nil {
		s.writeJSON(newErrorResponse(req.ID, ErrInternal, "server has no dispatcher installed", nil))
		return
	}
	result, err := dispatch(context.Background(), method, params)
	if req.IsNotification() {
		if err != nil {
			s.logger.Warn("notification handler failed", "method", req.Method, "error", err)
		}
		return
	}

	if err != nil {
		s.writeJSON(errorResponseFor(req.ID, method, err))
		return
	}
	s.writeJSON(newResponse(req.ID, result))
}

// resolveExecuteCommand unwraps the generic "execute_command" envelope
// used by frontend code that addresses commands indirectly
// (window.request('execute_command', {command, args})) instead of
// calling the command id as the RPC method name directly. Every other
// method passes through unchanged, since method name and command id
// are otherwise the same string.
func resolveExecuteCommand(method string, params map[string]any) (string, map[string]any) {
	if method != "execute_command" {
		return method, params
	}
	command, _ := params["command"].(string)
	if command == "" {
		return method, params
	}
	args, _ := params["args"].(map[string]any)
	return command, args
}

// errorResponseFor maps a command-registry error to the matching
// JSON-RPC error code: CommandNotFound -> method not found, everything
// else -> internal error.
func errorResponseFor(id json.RawMessage, method string, err error) *Response {
	var notFound *commands.NotFoundError
	if errors.As(err, &notFound) {
		return newErrorResponse(id, ErrMethodNotFound, "method not found", map[string]any{
			"method": method,
			"known":  notFound.KnownIDs,
		})
	}
	return newErrorResponse(id, ErrInternal, err.Error(), nil)
}

// decodeParams accepts an object, an array (rewrapped into
// {args:[...]}), or absence (nil params).
func decodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}

	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return map[string]any{"args": arr}, nil
	}

	return nil, errors.New("params must be an object or array")
}

// writeJSON serializes and sends msg over the live connection,
// queueing it instead when no client is connected. Serialization runs
// under writeMu so concurrently dispatched handlers cannot interleave
// partial frames onto the socket.
func (s *Server) writeJSON(msg any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.mu.Lock()
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Error("websocket write failed", "error", err)
	}
}

// IsClientConnected implements plugin.Frontend.
func (s *Server) IsClientConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// EmitToFrontend implements plugin.Frontend: encodes data as a
// "trigger_event" notification, grounded on event_emitter.py's emit().
// The envelope is request-shaped with a synthetic id because the
// Python original always assigns one, even though the receiver never
// replies to it.
func (s *Server) EmitToFrontend(eventType string, data map[string]any, scope string) {
	if data == nil {
		data = map[string]any{}
	}
	env := eventEnvelope{
		EventType: eventType,
		Scope:     scope,
		Data:      data,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	params, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to encode trigger_event envelope", "error", err)
		return
	}

	idBytes, _ := json.Marshal(nextEventID())
	s.writeJSON(&Request{
		JSONRPC: protocolVersion,
		Method:  triggerEventMethod,
		Params:  params,
		ID:      idBytes,
	})
}

// NotifyFrontend implements plugin.Frontend as a thin wrapper over
// EmitToFrontend's "NOTIFY" event type, matching EventEmitter.notify.
func (s *Server) NotifyFrontend(message, severity string) {
	s.EmitToFrontend("NOTIFY", map[string]any{"message": message, "severity": severity}, "window")
}

var eventIDCounter struct {
	mu sync.Mutex
	n  int64
}

// nextEventID assigns a monotonically increasing synthetic id to
// outbound trigger_event notifications, mirroring
// EventEmitter._next_id().
func nextEventID() int64 {
	eventIDCounter.mu.Lock()
	defer eventIDCounter.mu.Unlock()
	eventIDCounter.n++
	return eventIDCounter.n
}
