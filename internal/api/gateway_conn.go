package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"conduit/internal/agent"
	"conduit/internal/session"
	"conduit/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const recordLookupTimeout = 5 * time.Second

type forwarder struct {
	cancel    context.CancelFunc
	done      chan struct{}
	reportEnd bool
}

type connection struct {
	id       uuid.UUID
	gateway  *Gateway
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan outboundFrame
	limiter  *rate.Limiter

	mu         sync.Mutex
	forwarders map[uuid.UUID]*forwarder
	wg         sync.WaitGroup
	writerDone chan struct{}
}

func newConnection(g *Gateway, id uuid.UUID, conn *websocket.Conn, spanCtx context.Context) *connection {
	// The request context ends when the handler returns; the span values
	// are kept without its cancellation.
	ctx, cancel := context.WithCancel(context.WithoutCancel(spanCtx))
	return &connection{
		id:         id,
		gateway:    g,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan outboundFrame, g.queueSize),
		limiter:    rate.NewLimiter(g.frameRate, g.frameBurst),
		forwarders: make(map[uuid.UUID]*forwarder),
		writerDone: make(chan struct{}),
	}
}

// serve runs the read loop until the socket fails, then tears down the
// forwarders and the writer.
func (c *connection) serve() {
	go c.writeLoop()
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.gateway.logger.Debug("gateway read failed", map[string]string{
					"connection_id": c.id.String(),
					"error":         err.Error(),
				})
			}
			return
		}
		if !c.limiter.Allow() {
			c.gateway.metrics.IncGatewayFrame("in", "rate_limited")
			c.send(newErrorFrame("rate limit exceeded", nil))
			continue
		}
		cmd, err := decodeCommand(data)
		if err != nil {
			c.gateway.metrics.IncGatewayFrame("in", "invalid")
			c.send(newErrorFrame(err.Error(), decodeErrorSession(err)))
			continue
		}
		c.gateway.metrics.IncGatewayFrame("in", cmd.Type)
		c.dispatch(cmd)
	}
}

func (c *connection) dispatch(cmd command) {
	switch cmd.Type {
	case msgPing:
		c.send(pongFrame{Type: msgPong})
	case msgSubscribe:
		c.handleSubscribe(cmd.sessionID)
	case msgUnsubscribe:
		c.stopForwarder(cmd.sessionID)
		c.send(sessionFrame{Type: msgUnsubscribed, SessionID: cmd.sessionID})
	case msgStartSession:
		c.handleStart(cmd)
	case msgSendInput:
		err := c.gateway.sessions.SendInput(cmd.sessionID, session.Input{
			Text:   cmd.Input,
			Images: cmd.Images,
		})
		if err != nil {
			c.sendError(err, cmd.sessionID)
		}
	case msgRespondToControl:
		if err := c.gateway.sessions.RespondToControl(cmd.sessionID, cmd.RequestID, cmd.Response); err != nil {
			c.sendError(err, cmd.sessionID)
		}
	case msgStopSession:
		c.handleStop(cmd.sessionID)
	}
}

// handleSubscribe replaces any forwarder for id. A forwarder installed by
// start_session keeps reporting session_ended.
func (c *connection) handleSubscribe(id uuid.UUID) {
	reportEnd := c.stopForwarder(id)
	events, unsubscribe, err := c.gateway.sessions.Subscribe(id)
	if err != nil {
		c.sendError(err, id)
		return
	}
	recordSpanEvent(c.ctx, "gateway.subscribe", attribute.String("session.id", id.String()))
	c.send(sessionFrame{Type: msgSubscribed, SessionID: id})
	c.startForwarder(id, events, unsubscribe, reportEnd)
}

func (c *connection) handleStart(cmd command) {
	id := cmd.sessionID
	if c.gateway.records == nil {
		c.send(newErrorFrame("session store unavailable", &id))
		return
	}
	lookupCtx, cancel := context.WithTimeout(c.ctx, recordLookupTimeout)
	record, err := c.gateway.records.GetByID(lookupCtx, id)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.send(newErrorFrame("session not found in database", &id))
			return
		}
		c.send(newErrorFrame("failed to load session: "+err.Error(), &id))
		return
	}
	vendor, err := agent.ParseVendor(record.AgentType)
	if err != nil {
		c.send(newErrorFrame(err.Error(), &id))
		return
	}

	model := strings.TrimSpace(cmd.Model)
	if model == "" {
		model = record.Model
	}
	events, unsubscribe, err := c.gateway.sessions.StartSession(c.ctx, id, vendor, session.StartOptions{
		Prompt:          cmd.Prompt,
		WorkingDir:      cmd.WorkingDir,
		Model:           model,
		Images:          cmd.Images,
		ResumeSessionID: record.AgentSessionID,
	})
	if err != nil {
		c.sendError(err, id)
		return
	}
	recordSpanEvent(c.ctx, "gateway.start_session",
		attribute.String("session.id", id.String()),
		attribute.String("agent.type", vendor.String()),
	)
	c.stopForwarder(id)
	c.send(sessionStartedFrame{
		Type:           msgSessionStarted,
		SessionID:      id,
		AgentType:      vendor,
		AgentSessionID: record.AgentSessionID,
	})
	c.startForwarder(id, events, unsubscribe, true)
}

func (c *connection) handleStop(id uuid.UUID) {
	c.stopForwarder(id)
	if err := c.gateway.sessions.Stop(id); err != nil {
		c.sendError(err, id)
		return
	}
	recordSpanEvent(c.ctx, "gateway.stop_session", attribute.String("session.id", id.String()))
	c.send(sessionEndedFrame{Type: msgSessionEnded, SessionID: id, Reason: endReasonStopped})
}

// startForwarder pumps one session's events into the outbound queue. With
// reportEnd set, the end of the stream is reported as session_ended.
func (c *connection) startForwarder(id uuid.UUID, events <-chan agent.Event, unsubscribe func(), reportEnd bool) {
	ctx, cancel := context.WithCancel(c.ctx)
	fw := &forwarder{cancel: cancel, done: make(chan struct{}), reportEnd: reportEnd}

	c.mu.Lock()
	c.forwarders[id] = fw
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(fw.done)
		defer unsubscribe()
		defer cancel()

		var lastError string
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					c.removeForwarder(id, fw)
					if reportEnd {
						ended := sessionEndedFrame{Type: msgSessionEnded, SessionID: id, Reason: endReasonCompleted}
						if lastError != "" {
							ended.Reason = endReasonError
							ended.Error = lastError
						}
						c.sendContext(ctx, ended)
					}
					return
				}
				if ev.Kind == agent.EventError {
					lastError = ev.Error
				} else if ev.Kind == agent.EventTurnCompleted {
					lastError = ""
				}
				if !c.sendContext(ctx, agentEventFrame{Type: msgAgentEvent, SessionID: id, Event: ev}) {
					return
				}
			}
		}
	}()
}

// stopForwarder cancels the forwarder for id and waits for it, so no event
// from it can follow. It reports whether that forwarder reported the end of
// the stream.
func (c *connection) stopForwarder(id uuid.UUID) bool {
	c.mu.Lock()
	fw := c.forwarders[id]
	delete(c.forwarders, id)
	c.mu.Unlock()
	if fw == nil {
		return false
	}
	fw.cancel()
	<-fw.done
	return fw.reportEnd
}

func (c *connection) removeForwarder(id uuid.UUID, fw *forwarder) {
	c.mu.Lock()
	if c.forwarders[id] == fw {
		delete(c.forwarders, id)
	}
	c.mu.Unlock()
}

func (c *connection) forwarderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.forwarders)
}

func (c *connection) send(frame outboundFrame) bool {
	return c.sendContext(c.ctx, frame)
}

func (c *connection) sendContext(ctx context.Context, frame outboundFrame) bool {
	select {
	case c.outbound <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *connection) sendError(err error, id uuid.UUID) {
	c.send(newErrorFrame(gatewayErrorMessage(err), &id))
}

func (c *connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout)); err != nil {
				c.abort()
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.gateway.logger.Debug("gateway write failed", map[string]string{
					"connection_id": c.id.String(),
					"error":         err.Error(),
				})
				c.abort()
				return
			}
			c.gateway.metrics.IncGatewayFrame("out", frame.frameType())
		}
	}
}

// abort unblocks the read loop after a write failure.
func (c *connection) abort() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *connection) close(code int, reason string) {
	deadline := time.Now().Add(c.gateway.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
	_ = c.conn.Close()
}

func (c *connection) shutdown() {
	c.mu.Lock()
	forwarders := c.forwarders
	c.forwarders = make(map[uuid.UUID]*forwarder)
	c.mu.Unlock()

	for _, fw := range forwarders {
		fw.cancel()
	}
	c.wg.Wait()
	c.cancel()
	<-c.writerDone
	_ = c.conn.Close()
}

func gatewayErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session not found"
	case errors.Is(err, session.ErrAlreadyRunning):
		return "session already running"
	case errors.Is(err, agent.ErrInputClosed):
		return "session input closed"
	default:
		return err.Error()
	}
}
