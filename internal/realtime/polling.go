package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollTimeout = 25 * time.Second
	defaultIdleTimeout = 60 * time.Second
	defaultPollBatch   = 64
)

// ErrUnknownSession indicates a polling session that does not exist or has expired.
var ErrUnknownSession = errors.New("realtime: unknown polling session")

// PollingConfig tunes the long-polling fallback transport.
type PollingConfig struct {
	PollTimeout time.Duration
	IdleTimeout time.Duration
	MaxBatch    int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// PollingServer carries hub connections over HTTP long polling for clients that cannot
// hold a WebSocket open.
type PollingServer struct {
	hub         *Hub
	pollTimeout time.Duration
	idleTimeout time.Duration
	maxBatch    int
	clock       func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*pollSession
}

type pollSession struct {
	conn     *Connection
	lastSeen time.Time
	inFlight int
}

// NewPollingServer constructs the polling transport for the hub.
func NewPollingServer(hub *Hub, cfg PollingConfig) *PollingServer {
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= pollTimeout {
		idleTimeout = pollTimeout + defaultIdleTimeout
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultPollBatch
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingServer{
		hub:         hub,
		pollTimeout: pollTimeout,
		idleTimeout: idleTimeout,
		maxBatch:    maxBatch,
		clock:       clock,
		logger:      logger,
		sessions:    make(map[string]*pollSession),
	}
}

// Open registers a new polling connection and returns its session identifier.
func (p *PollingServer) Open(ctx context.Context) (string, error) {
	conn := p.hub.NewConnection(TransportPolling)
	if err := p.hub.Register(ctx, conn); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.sessions[conn.id] = &pollSession{conn: conn, lastSeen: p.clock()}
	p.mu.Unlock()
	return conn.id, nil
}

// Poll waits for queued frames and returns them as a batch. An empty batch means the
// poll timed out with nothing to deliver.
func (p *PollingServer) Poll(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	session, err := p.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer p.releaseSession(sessionID)

	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()

	var frames []json.RawMessage
	select {
	case frame, ok := <-session.conn.send:
		if !ok {
			p.forget(sessionID)
			return nil, ErrUnknownSession
		}
		frames = append(frames, json.RawMessage(frame))
	case <-timer.C:
		return []json.RawMessage{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(frames) < p.maxBatch {
		select {
		case frame, ok := <-session.conn.send:
			if !ok {
				return frames, nil
			}
			frames = append(frames, json.RawMessage(frame))
		default:
			return frames, nil
		}
	}
	return frames, nil
}

// Emit forwards one client frame to the hub.
func (p *PollingServer) Emit(sessionID string, frame []byte) error {
	session, err := p.acquire(sessionID)
	if err != nil {
		return err
	}
	defer p.releaseSession(sessionID)
	p.hub.Dispatch(session.conn, frame)
	return nil
}

// Close tears down the polling session and its hub connection.
func (p *PollingServer) Close(sessionID string) error {
	p.mu.Lock()
	session, ok := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	p.hub.Unregister(session.conn)
	return nil
}

// Run expires idle sessions until ctx is cancelled.
func (p *PollingServer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.expireIdle()
		}
	}
}

// SessionCount returns the number of open polling sessions.
func (p *PollingServer) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *PollingServer) expireIdle() {
	now := p.clock()
	var expired []*pollSession
	p.mu.Lock()
	for id, session := range p.sessions {
		if session.inFlight > 0 {
			continue
		}
		if now.Sub(session.lastSeen) >= p.idleTimeout {
			expired = append(expired, session)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, session := range expired {
		p.logger.Info("polling session expired", zap.String("session_id", session.conn.id))
		p.hub.Unregister(session.conn)
	}
}

func (p *PollingServer) acquire(sessionID string) (*pollSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	session.inFlight++
	session.lastSeen = p.clock()
	return session, nil
}

func (p *PollingServer) releaseSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if session, ok := p.sessions[sessionID]; ok {
		session.inFlight--
		session.lastSeen = p.clock()
	}
}

func (p *PollingServer) forget(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}
