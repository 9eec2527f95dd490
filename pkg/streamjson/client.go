package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
)

// EventHandler receives each parsed stdout event.
type EventHandler func(event *Event)

// Client reads the provider's newline-delimited JSON from stdout and writes
// user messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	handler EventHandler

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a client over the given provider pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "streamjson-client")),
		done:   make(chan struct{}),
	}
}

// SetEventHandler sets the handler invoked for each parsed event.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start begins reading stdout in a goroutine. The returned channel is closed
// once the read loop is running.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserMessage writes a prompt to provider stdin as one JSON line.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: EventTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool results can be large; allow lines up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		// Malformed lines are logged and skipped; one bad line must not
		// kill the stream.
		c.logger.Warn("failed to parse provider line",
			zap.Error(err),
			zap.String("line", string(line)))
		return
	}
	event.Raw = append(json.RawMessage(nil), line...)

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler != nil {
		handler(&event)
	}
}
