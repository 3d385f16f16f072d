package messaging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Client talks to a Server. Each Request uses its own short-lived connection.
type Client struct {
	socketPath string
	timeout    time.Duration
	seq        atomic.Uint64
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

// Request sends msg and waits for the reply. A missing reply yields ErrTimeout.
func (c *Client) Request(ctx context.Context, msg Message) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if isTimeout(err) {
			return Message{}, fmt.Errorf("dial %s: %w", c.socketPath, ErrTimeout)
		}
		return Message{}, fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return Message{}, err
	}
	// unblock reads when the caller's ctx is canceled before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if msg.ID == "" {
		msg.ID = c.nextID()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		if isTimeout(err) {
			return Message{}, fmt.Errorf("send %s: %w", msg.Type, ErrTimeout)
		}
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil || isTimeout(err) {
			return Message{}, fmt.Errorf("await %s reply: %w", msg.Type, ErrTimeout)
		}
		return Message{}, fmt.Errorf("await %s reply: %w", msg.Type, err)
	}

	var reply Message
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return Message{}, fmt.Errorf("decode %s reply: %w", msg.Type, err)
	}
	if err := reply.Err(); err != nil {
		return reply, fmt.Errorf("%s: %w", msg.Type, err)
	}
	return reply, nil
}

// Subscribe blocks, calling fn for every broadcast until ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, fn func(Message)) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	b, err := json.Marshal(Message{Type: TypeSubscribe, ID: c.nextID()})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == TypeAck {
			continue
		}
		fn(msg)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("subscription closed by server")
}
