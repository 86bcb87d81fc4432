// Package server implements the client-facing connection shell (spec
// §6): a per-connection read loop over a gorilla/websocket connection,
// tagged-command decoding, dispatch, and an outbound envelope writer
// for stream events, PTY output/exit, and command responses. Grounded
// on the teacher's pack-mate AleutianLocal's websocket handler shape
// (upgrader, per-connection ReadJSON loop, sendJSON helper).
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentsh/controlplane/internal/dispatcher"
	"github.com/agentsh/controlplane/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// inboundEnvelope is the wire shape of a client command: {type,
// tenantId, userId, workspaceId, ...rest} per spec §6.
type inboundEnvelope struct {
	Type        string `json:"type"`
	TenantID    string `json:"tenantId"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// defaultScope implements spec §6's default-scope substitution: an
// omitted tenant/user/workspace falls back to the single-tenant local
// defaults so a bare CLI client never has to supply one.
func defaultScope(e inboundEnvelope) model.Scope {
	s := model.Scope{TenantID: e.TenantID, UserID: e.UserID, WorkspaceID: e.WorkspaceID}
	if s.TenantID == "" {
		s.TenantID = "tenant-local"
	}
	if s.UserID == "" {
		s.UserID = "user-local"
	}
	if s.WorkspaceID == "" {
		s.WorkspaceID = "workspace-local"
	}
	return s
}

// outboundEnvelope kinds per spec §6: stream.event, pty.output,
// pty.exit, and bare command responses/errors.
type outboundEnvelope struct {
	Kind           string `json:"kind"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Cursor         int64  `json:"cursor,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	ChunkBase64    string `json:"chunkBase64,omitempty"`
	Event          any    `json:"event,omitempty"`
	Exit           any    `json:"exit,omitempty"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Connection owns one upgraded websocket and the outbound writer
// serialization gorilla/websocket requires (one writer goroutine at a
// time; WriteJSON is not safe for concurrent use).
type Connection struct {
	ID   string
	ws   *websocket.Conn
	wmu  sync.Mutex
	disp *dispatcher.Dispatcher
}

func (c *Connection) send(e outboundEnvelope) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteJSON(e); err != nil {
		log.Printf("[server] write failed for connection %s: %v", c.ID, err)
	}
}

// Handler returns an http.HandlerFunc that upgrades to a websocket and
// serves one Connection's lifetime. Registered by cmd/agentctl's serve
// subcommand.
func Handler(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[server] upgrade failed: %v", err)
			return
		}
		defer ws.Close()

		conn := &Connection{ID: "conn-" + uuid.NewString(), ws: ws, disp: disp}
		log.Printf("[server] connection %s established", conn.ID)

		defer func() {
			disp.Sessions.DetachConnection(conn.ID)
			disp.Journal.UnsubscribeConnection(conn.ID)
			log.Printf("[server] connection %s closed", conn.ID)
		}()

		ctx := r.Context()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			conn.handleMessage(ctx, raw)
		}
	}
}

func (c *Connection) handleMessage(ctx context.Context, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.send(outboundEnvelope{Kind: "error", Error: "malformed command envelope"})
		return
	}

	cmd, err := c.decodeCommand(env, raw)
	if err != nil {
		c.send(outboundEnvelope{Kind: "error", Error: err.Error()})
		return
	}

	resp, err := c.disp.Dispatch(ctx, cmd)
	if err != nil {
		c.send(outboundEnvelope{Kind: "error", Error: err.Error()})
		return
	}
	c.send(outboundEnvelope{Kind: resp.Kind, Data: resp.Data})
}

// pushPTYOutput is wired into pty.attach handlers to forward live
// chunks to the originating connection as base64-framed envelopes
// (spec §6).
func (c *Connection) pushPTYOutput(sessionID string, cursor int64, chunk []byte) {
	c.send(outboundEnvelope{Kind: "pty.output", SessionID: sessionID, Cursor: cursor, ChunkBase64: base64.StdEncoding.EncodeToString(chunk)})
}

func (c *Connection) pushPTYExit(sessionID string, exit any) {
	c.send(outboundEnvelope{Kind: "pty.exit", SessionID: sessionID, Exit: exit})
}

func (c *Connection) pushStreamEvent(subscriptionID string, entry model.JournalEntry) {
	c.send(outboundEnvelope{Kind: "stream.event", SubscriptionID: subscriptionID, Cursor: entry.Cursor, Event: entry.Event})
}
