package native

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/cutline/internal/model"
)

// Retry defaults for host connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond

	// readChunk is the read-output-file chunk size, well under MaxMessageSize
	// once base64 encoded.
	readChunk = 16 << 20
)

// ErrClosed is returned for calls on a closed or broken connection.
var ErrClosed = errors.New("native host connection closed")

// Client is a multiplexed connection to the native host. Calls may be issued
// from several goroutines; responses are matched by request id and progress
// pushes are routed by session id.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan Response
	listeners map[string]func(ProgressEvent)
	closed    bool
	readErr   error
	done      chan struct{}
}

// Dial connects to the host's Unix socket, retrying with exponential backoff.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial host: %w", ctx.Err())
		default:
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", socketPath)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial host: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return NewClient(conn, logger), nil
	}

	return nil, model.Errorf(model.ErrEngineUnavailable, "dial host after %d attempts: %v", dialMaxRetries, lastErr)
}

// NewClient wraps an established connection and starts its reader.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		conn:      conn,
		logger:    logger,
		pending:   make(map[string]chan Response),
		listeners: make(map[string]func(ProgressEvent)),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// OnProgress routes progress pushes for sessionID to fn until the returned
// function is called.
func (c *Client) OnProgress(sessionID string, fn func(ProgressEvent)) func() {
	c.mu.Lock()
	c.listeners[sessionID] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, sessionID)
		c.mu.Unlock()
	}
}

// Call sends req and waits for its response. A failed response is returned
// as an error of the kind the host reported.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed || c.readErr != nil {
		c.mu.Unlock()
		return Response{}, ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := WriteMessage(c.conn, &req)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("%s: %w", req.Op, ErrClosed)
		}
		if err := resp.Err(); err != nil {
			return resp, fmt.Errorf("%s: %w", req.Op, err)
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%s: %w", req.Op, ctx.Err())
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg Response
		if err := ReadMessage(c.conn, &msg); err != nil {
			c.fail(err)
			return
		}
		switch msg.Type {
		case MsgTypeProgress:
			c.mu.Lock()
			fn := c.listeners[msg.SessionID]
			c.mu.Unlock()
			if fn != nil && msg.Progress != nil {
				fn(*msg.Progress)
			}
		case MsgTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			} else {
				c.logger.Warn("response for unknown request", "id", msg.ID)
			}
		default:
			c.logger.Warn("unknown message type from host", "type", msg.Type)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && !errors.Is(err, io.EOF) {
		c.logger.Error("host connection failed", "error", err)
	}
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Ping checks that the host answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, Request{Op: OpPing})
	return err
}

// CreateSession allocates a session on the host.
func (c *Client) CreateSession(ctx context.Context) (SessionInfo, error) {
	resp, err := c.Call(ctx, Request{Op: OpCreateSession})
	if err != nil {
		return SessionInfo{}, err
	}
	if resp.Session == nil {
		return SessionInfo{}, fmt.Errorf("%s: empty session in response", OpCreateSession)
	}
	return *resp.Session, nil
}

// SaveFrame stages one encoded frame and returns its path on the host.
func (c *Client) SaveFrame(ctx context.Context, sessionID, frameName string, data []byte) (string, error) {
	resp, err := c.Call(ctx, Request{
		Op:        OpSaveFrame,
		SessionID: sessionID,
		FrameName: frameName,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

// ExportVideo runs the encoder over the session's frames.
func (c *Client) ExportVideo(ctx context.Context, sessionID string, req ExportRequest) (ExportResult, error) {
	resp, err := c.Call(ctx, Request{Op: OpExportVideo, SessionID: sessionID, Export: &req})
	if err != nil {
		return ExportResult{}, err
	}
	if resp.Export == nil || !resp.Export.Success {
		return ExportResult{}, model.Errorf(model.ErrEncoderProcess, "encoder reported no output")
	}
	return *resp.Export, nil
}

// ReadOutputFile returns the whole file at path.
func (c *Client) ReadOutputFile(ctx context.Context, path string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CopyOutputFile(ctx, path, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CopyOutputFile streams the file at path into w in chunks.
func (c *Client) CopyOutputFile(ctx context.Context, path string, w io.Writer) error {
	var offset int64
	for {
		resp, err := c.Call(ctx, Request{Op: OpReadOutputFile, Path: path, Offset: offset, Length: readChunk})
		if err != nil {
			return err
		}
		if _, err := w.Write(resp.Data); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		offset += int64(len(resp.Data))
		if resp.EOF || len(resp.Data) == 0 {
			return nil
		}
	}
}

// CleanupSession removes every file of the session.
func (c *Client) CleanupSession(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, Request{Op: OpCleanupSession, SessionID: sessionID})
	return err
}

// OpenFramesFolder asks the host to reveal the session's frame directory.
func (c *Client) OpenFramesFolder(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, Request{Op: OpOpenFrames, SessionID: sessionID})
	return err
}

// CancelExport kills the session's running encoder, if any.
func (c *Client) CancelExport(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, Request{Op: OpCancelExport, SessionID: sessionID})
	return err
}

// Probe returns a capability probe that pings the host at socketPath.
func Probe(socketPath string, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if socketPath == "" {
			return errors.New("native host socket is not configured")
		}
		if _, err := os.Stat(socketPath); err != nil {
			return fmt.Errorf("native host socket: %w", err)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", socketPath)
		if err != nil {
			return fmt.Errorf("dial host: %w", err)
		}
		c := NewClient(conn, nil)
		defer c.Close()
		return c.Ping(ctx)
	}
}
