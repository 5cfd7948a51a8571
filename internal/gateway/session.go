package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/aether/internal/auth"
	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/pkg/models"
)

// session is one authenticated websocket connection: a read pump that
// routes requests and a write pump fed by the send channel.
type session struct {
	server *Server
	conn   *websocket.Conn
	sess   *auth.Session
	id     string

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*bus.Subscription
	wg   sync.WaitGroup
}

func newSession(server *Server, conn *websocket.Conn, sess *auth.Session) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		server: server,
		conn:   conn,
		sess:   sess,
		id:     uuid.NewString(),
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*bus.Subscription),
	}
}

// run drives the session until the client disconnects. Subscriptions
// are detached on exit; the processes they watched keep running.
func (s *session) run() {
	go s.writePump()

	s.sendEvent(models.TopicConnection, models.ConnectionEvent{
		SessionID: s.id,
		UID:       s.sess.UID,
		Connected: true,
	})
	s.sendEvent(models.TopicKernelReady, map[string]any{"session_id": s.id})

	s.readPump()

	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		s.server.bus.Unsubscribe(sub)
	}
	s.subs = make(map[string]*bus.Subscription)
	s.mu.Unlock()
	s.wg.Wait()
	_ = s.conn.Close()
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// enqueue hands a marshalled frame to the write pump. Frames for a
// closed or saturated session are dropped.
func (s *session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.ctx.Done():
	default:
		s.server.logger.Warn("session send queue full, dropping frame", "session_id", s.id)
	}
}

// respondOK sends the success response for a request id.
func (s *session) respondOK(id string, data any) {
	frame, err := json.Marshal(map[string]any{
		"type": "response.ok",
		"id":   id,
		"data": data,
	})
	if err != nil {
		s.respondErr(id, models.CodeInternal, "encode response: "+err.Error())
		return
	}
	s.enqueue(frame)
}

// respondErr sends the error response for a request id.
func (s *session) respondErr(id, code, message string) {
	frame, _ := json.Marshal(map[string]any{
		"type":  "response.error",
		"id":    id,
		"error": message,
		"code":  code,
	})
	s.enqueue(frame)
}

// sendEvent pushes a server-initiated event frame: the payload fields
// flattened alongside the topic as type, no id.
func (s *session) sendEvent(topic string, payload any) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			s.server.logger.Warn("event encode failed", "topic", topic, "error", err)
			return
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			// Non-object payloads ride under a payload key.
			fields = map[string]any{"payload": json.RawMessage(raw)}
		}
	}
	fields["type"] = topic
	frame, err := json.Marshal(fields)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

// subscribe attaches a topic pattern and forwards its events through
// the authorization filter. Duplicate patterns are no-ops.
func (s *session) subscribe(pattern string) {
	s.mu.Lock()
	if _, ok := s.subs[pattern]; ok {
		s.mu.Unlock()
		return
	}
	sub := s.server.bus.SubscribeBuffered(pattern, bus.DefaultBufferSize)
	s.subs[pattern] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub.C() {
			if !s.mayObserve(ev) {
				continue
			}
			s.sendEvent(ev.Topic, ev.Payload)
		}
	}()
}

// unsubscribe detaches one topic pattern.
func (s *session) unsubscribe(pattern string) {
	s.mu.Lock()
	sub, ok := s.subs[pattern]
	delete(s.subs, pattern)
	s.mu.Unlock()
	if ok {
		s.server.bus.Unsubscribe(sub)
	}
}

// mayObserve applies the event authorization filter: admins see
// everything, users only events for resources they own. Events that
// carry no owner (kernel.*, connection) are visible to everyone.
func (s *session) mayObserve(ev bus.Event) bool {
	if s.sess.Admin() {
		return true
	}
	owner, scoped := s.eventOwner(ev.Payload)
	if !scoped {
		return true
	}
	return s.sess.CanAccess(owner)
}

// eventOwner extracts the owning UID from an event payload. The second
// result is false for unscoped events.
func (s *session) eventOwner(payload any) (string, bool) {
	switch p := payload.(type) {
	case models.ProcessEvent:
		return p.OwnerUID, true
	case models.ThoughtEvent:
		return p.OwnerUID, true
	case models.ActionEvent:
		return p.OwnerUID, true
	case models.ObservationEvent:
		return p.OwnerUID, true
	case models.ProgressEvent:
		return p.OwnerUID, true
	case models.CompletedEvent:
		return p.OwnerUID, true
	case models.ApprovalEvent:
		return p.OwnerUID, true
	case models.MemoryEvent:
		return p.AgentUID, true
	case models.StepLimitEvent:
		return s.ownerOfPID(p.PID), true
	case models.ContinuedEvent:
		return s.ownerOfPID(p.PID), true
	case models.CompactedEvent:
		return s.ownerOfPID(p.PID), true
	case models.InjectionEvent:
		return s.ownerOfPID(p.PID), true
	case models.MessageEvent:
		return s.ownerOfPID(p.PID), true
	case models.ConnectionEvent:
		return p.UID, true
	default:
		return "", false
	}
}

// ownerOfPID resolves a PID to its owner through the process table. A
// reaped process resolves to an empty owner, which non-admins cannot
// access.
func (s *session) ownerOfPID(pid int) string {
	p, err := s.server.mgr.Get(pid)
	if err != nil {
		return ""
	}
	return p.OwnerUID()
}
