package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TransportAuto      = "auto"
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"

	closeTimeout = 2 * time.Second
	writeTimeout = 10 * time.Second
)

var errTransportClosed = errors.New("syncagent: transport closed")

// transport carries envelope frames between the agent and the relay.
type transport interface {
	name() string
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, frame []byte) error
	close() error
}

type websocketTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, base *url.URL) (*websocketTransport, error) {
	target := base.JoinPath("realtime", "ws")
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	conn, _, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("syncagent: dial websocket: %w", err)
	}
	return &websocketTransport{conn: conn}, nil
}

func (t *websocketTransport) name() string {
	return TransportWebSocket
}

func (t *websocketTransport) read(context.Context) ([]byte, error) {
	for {
		messageType, frame, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return frame, nil
		}
	}
}

func (t *websocketTransport) write(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *websocketTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeTimeout))
		err = t.conn.Close()
	})
	return err
}

type pollingTransport struct {
	client     *http.Client
	sessionURL *url.URL
	pending    [][]byte
	closed     chan struct{}
	closeOnce  sync.Once
}

type pollOpenResponse struct {
	SessionID string `json:"sessionId"`
}

type pollEventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

func openPolling(ctx context.Context, client *http.Client, base *url.URL) (*pollingTransport, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("realtime", "poll").String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("syncagent: open polling session: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("syncagent: open polling session: unexpected status %d", response.StatusCode)
	}
	var opened pollOpenResponse
	if err := json.NewDecoder(response.Body).Decode(&opened); err != nil {
		return nil, fmt.Errorf("syncagent: decode polling session: %w", err)
	}
	if opened.SessionID == "" {
		return nil, errors.New("syncagent: polling session id missing")
	}
	return &pollingTransport{
		client:     client,
		sessionURL: base.JoinPath("realtime", "poll", opened.SessionID),
		closed:     make(chan struct{}),
	}, nil
}

func (t *pollingTransport) name() string {
	return TransportPolling
}

func (t *pollingTransport) read(ctx context.Context) ([]byte, error) {
	for len(t.pending) == 0 {
		select {
		case <-t.closed:
			return nil, errTransportClosed
		default:
		}
		batch, err := t.poll(ctx)
		if err != nil {
			return nil, err
		}
		t.pending = batch
	}
	frame := t.pending[0]
	t.pending = t.pending[1:]
	return frame, nil
}

func (t *pollingTransport) poll(ctx context.Context) ([][]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sessionURL.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	response, err := t.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("syncagent: poll: %w", err)
	}
	defer response.Body.Close()
	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("syncagent: poll: unexpected status %d", response.StatusCode)
	}
	var payload pollEventsResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("syncagent: decode poll: %w", err)
	}
	frames := make([][]byte, 0, len(payload.Events))
	for _, event := range payload.Events {
		frames = append(frames, []byte(event))
	}
	return frames, nil
}

func (t *pollingTransport) write(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sessionURL.String(), bytes.NewReader(frame))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("syncagent: emit: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode != http.StatusAccepted {
		return fmt.Errorf("syncagent: emit: unexpected status %d", response.StatusCode)
	}
	return nil
}

func (t *pollingTransport) close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		request, buildErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.sessionURL.String(), http.NoBody)
		if buildErr != nil {
			err = buildErr
			return
		}
		response, doErr := t.client.Do(request)
		if doErr != nil {
			err = doErr
			return
		}
		_ = response.Body.Close()
	})
	return err
}
