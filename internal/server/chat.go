package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/steveyegge/sandboxd/internal/broadcast"
	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/session"
)

const (
	chatWriteTimeout = 10 * time.Second
	maxChatMessage   = 1 << 20
)

// Busy is sent when a prompt arrives while the connection's turn is running.
const Busy = "A request is already running for this chat. Wait for it to finish."

// chatRequest is a client message on the chat socket.
type chatRequest struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// chatConn is one chat websocket. Its turn key identifies the connection
// for the lifetime of the socket; the agent handle is per node and lives
// in the store.
type chatConn struct {
	s         *Server
	conn      *websocket.Conn
	projectID string
	nodeID    string
	turnKey   string
	conv      *session.Conversation
	log       *slog.Logger

	writeMu sync.Mutex
	busy    atomic.Bool
	turns   sync.WaitGroup
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, nodeID := q.Get("projectId"), q.Get("nodeId")
	if projectID == "" || nodeID == "" {
		writeError(w, http.StatusBadRequest, "projectId and nodeId are required")
		return
	}
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeErr(w, err)
		return
	}

	conn, err := broadcast.Upgrade(w, r)
	if err != nil {
		s.log.Warn("chat upgrade failed", "project_id", projectID, "node_id", nodeID, "error", err)
		return
	}

	c := &chatConn{
		s:         s,
		conn:      conn,
		projectID: projectID,
		nodeID:    nodeID,
		turnKey:   uuid.New().String(),
	}
	c.log = s.log.With("project_id", projectID, "node_id", nodeID, "turn_key", c.turnKey)
	c.conv = &session.Conversation{
		Store:      s.store,
		Runner:     s.turns,
		Project:    projectID,
		Node:       nodeID,
		TurnKey:    c.turnKey,
		WorkingDir: s.cfg.WorkingDir,
		Logger:     s.log,
	}
	c.run(r.Context())
}

func (c *chatConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		c.turns.Wait()
		c.conn.Close()
		c.log.Info("chat disconnected")
	}()

	c.log.Info("chat connected")
	if err := c.send(events.NewConnectionEvent(c.turnKey)); err != nil {
		return
	}

	go c.keepAlive(ctx)
	// a shutting-down server unblocks the read below
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	pongWait := 2 * c.s.cfg.PingInterval
	c.conn.SetReadLimit(maxChatMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject("messages must be JSON objects")
			continue
		}
		switch {
		case req.Type != "prompt":
			c.reject("unsupported message type: " + req.Type)
		case strings.TrimSpace(req.Prompt) == "":
			c.reject("prompt is empty")
		case !c.busy.CompareAndSwap(false, true):
			c.reject(Busy)
		default:
			c.turns.Add(1)
			go func(prompt string) {
				defer c.turns.Done()
				defer c.busy.Store(false)
				last := c.conv.Ask(ctx, prompt, c.forward)
				c.log.Info("turn finished", "outcome", last.Type)
			}(req.Prompt)
		}
	}
}

// forward writes an event to the socket and mirrors it to the project's
// group. A dead socket does not stop the turn.
func (c *chatConn) forward(e events.TurnEvent) {
	if err := c.send(e); err != nil {
		c.log.Debug("chat write failed", "type", e.Type, "error", err)
	}
	c.s.hub.PublishTurnEvent(c.projectID, e)
}

func (c *chatConn) reject(msg string) {
	_ = c.send(events.NewErrorEvent(c.turnKey, msg))
}

func (c *chatConn) send(e events.TurnEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(chatWriteTimeout))
	return c.conn.WriteJSON(e)
}

func (c *chatConn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(chatWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
