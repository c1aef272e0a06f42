package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaultkit/sidecar/internal/commands"
)

func dialTestServer(t *testing.T, dispatch Dispatcher) (*websocket.Conn, func()) {
	t.Helper()
	srv := NewServer(dispatch, nil)
	httpSrv := httptest.NewServer(srv)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		httpSrv.Close()
	}
}

func TestServer_ExecutesRegisteredMethod(t *testing.T) {
	conn, cleanup := dialTestServer(t, func(ctx context.Context, method string, params map[string]any) (any, error) {
		if method != "chat.send" {
			t.Errorf("method = %q, want chat.send", method)
		}
		return map[string]any{"status": "success"}, nil
	})
	defer cleanup()

	req := map[string]any{"jsonrpc": "2.0", "method": "chat.send", "params": map[string]any{"message": "hi"}, "id": 1}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["status"] != "success" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestServer_UnknownMethodMapsToMethodNotFound(t *testing.T) {
	notFoundErr := &commands.NotFoundError{ID: "nope", KnownIDs: []string{"chat.send"}}
	conn, cleanup := dialTestServer(t, func(ctx context.Context, method string, params map[string]any) (any, error) {
		return nil, notFoundErr
	})
	defer cleanup()

	req := map[string]any{"jsonrpc": "2.0", "method": "nope", "id": 2}
	conn.WriteJSON(req)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrMethodNotFound {
		t.Fatalf("error = %v, want code %d", resp.Error, ErrMethodNotFound)
	}
}

func TestServer_NotificationGetsNoResponse(t *testing.T) {
	called := make(chan struct{}, 1)
	conn, cleanup := dialTestServer(t, func(ctx context.Context, method string, params map[string]any) (any, error) {
		called <- struct{}{}
		return nil, nil
	})
	defer cleanup()

	req := map[string]any{"jsonrpc": "2.0", "method": "system.client_ready"}
	conn.WriteJSON(req)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher was never called for the notification")
	}

	// Prime a second, ordinary request-with-id and confirm it's the
	// first message we read back — proving the notification produced
	// no response frame ahead of it.
	conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "system.client_ready", "id": 9})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	var id int
	json.Unmarshal(resp.ID, &id)
	if id != 9 {
		t.Errorf("first response id = %d, want 9 (notification should not have replied)", id)
	}
}

func TestServer_ArrayParamsRewrappedAsArgs(t *testing.T) {
	var gotParams map[string]any
	done := make(chan struct{})
	conn, cleanup := dialTestServer(t, func(ctx context.Context, method string, params map[string]any) (any, error) {
		gotParams = params
		close(done)
		return "ok", nil
	})
	defer cleanup()

	conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "system.info", "params": []any{"a", "b"}, "id": 3})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never called")
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	conn.ReadJSON(&resp)

	args, ok := gotParams["args"].([]any)
	if !ok || len(args) != 2 {
		t.Errorf("params = %v, want args:[a b]", gotParams)
	}
}

func TestServer_ExecuteCommandEnvelopeUnwrapsToTargetCommand(t *testing.T) {
	var gotMethod string
	var gotParams map[string]any
	done := make(chan struct{})
	conn, cleanup := dialTestServer(t, func(ctx context.Context, method string, params map[string]any) (any, error) {
		gotMethod = method
		gotParams = params
		close(done)
		return "ok", nil
	})
	defer cleanup()

	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "execute_command",
		"params":  map[string]any{"command": "demo_ui.show_modal", "args": map[string]any{"title": "hi"}},
		"id":      4,
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never called")
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	conn.ReadJSON(&resp)

	if gotMethod != "demo_ui.show_modal" {
		t.Errorf("method = %q, want demo_ui.show_modal", gotMethod)
	}
	if gotParams["title"] != "hi" {
		t.Errorf("params = %v, want title:hi", gotParams)
	}
}

func TestServer_EmitToFrontendQueuesWithoutConnection(t *testing.T) {
	srv := NewServer(func(ctx context.Context, method string, params map[string]any) (any, error) {
		return nil, nil
	}, nil)

	if srv.IsClientConnected() {
		t.Fatal("expected no connection before any client dials in")
	}
	srv.EmitToFrontend("NOTIFY", map[string]any{"message": "hi"}, "window")

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var req Request
	if err := conn.ReadJSON(&req); err != nil {
		t.Fatalf("expected the queued trigger_event to be flushed on connect: %v", err)
	}
	if req.Method != triggerEventMethod {
		t.Errorf("method = %q, want %q", req.Method, triggerEventMethod)
	}
}
