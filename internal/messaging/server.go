package messaging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const maxMessageSize = 64 * 1024

type HandlerFunc func(ctx context.Context, msg Message) (Message, error)

// Server answers requests on a UNIX socket, one JSON message per line.
// Connections that send SUBSCRIBE stay open and receive every Broadcast.
type Server struct {
	socketPath     string
	metricsManager *metrics.Manager
	handlerTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[Type]HandlerFunc

	connsMu     sync.Mutex
	conns       map[net.Conn]struct{}
	subscribers map[net.Conn]*sync.Mutex

	wg sync.WaitGroup
}

func NewServer(socketPath string, metricsManager *metrics.Manager) *Server {
	return &Server{
		socketPath:     socketPath,
		metricsManager: metricsManager,
		handlerTimeout: time.Minute,
		handlers:       map[Type]HandlerFunc{},
		conns:          map[net.Conn]struct{}{},
		subscribers:    map[net.Conn]*sync.Mutex{},
	}
}

func (s *Server) Handle(msgType Type, h HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[msgType] = h
}

// Listen binds the socket and serves until ctx is done. Use Wait to join the connection goroutines.
func (s *Server) Listen(ctx context.Context) (net.Addr, error) {
	// a stale socket file from a crashed run blocks the bind
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding to unix socket %s: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, os.ModeSocket|0666); err != nil {
		_ = listener.Close()
		return nil, err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		log.Debugln("messaging socket listener context done, closing listener")
		_ = listener.Close()
		s.closeConns()
	}()

	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					log.Errorf("messaging socket listener conn accept: %s", err)
				}
				return
			}

			s.connsMu.Lock()
			s.conns[conn] = struct{}{}
			s.connsMu.Unlock()
			if ctx.Err() != nil {
				s.forget(conn)
				return
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(ctx, conn)
			}()
		}
	}()

	return listener.Addr(), nil
}

func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	delete(s.subscribers, conn)
	s.connsMu.Unlock()
	_ = conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.forget(conn)

	writeMu := &sync.Mutex{}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Errorf("messaging: invalid message received: %s", err)
			_ = writeMessage(conn, writeMu, Message{Type: TypeError, Error: "invalid message"})
			continue
		}

		if s.metricsManager != nil {
			s.metricsManager.CounterMessages.WithLabelValues(string(msg.Type)).Inc()
		}

		if msg.Type == TypeSubscribe {
			s.connsMu.Lock()
			s.subscribers[conn] = writeMu
			s.connsMu.Unlock()
			_ = writeMessage(conn, writeMu, Message{Type: TypeAck, ID: msg.ID})
			continue
		}

		reply := s.dispatch(ctx, msg)
		if err := writeMessage(conn, writeMu, reply); err != nil {
			log.Errorf("messaging: send %s reply: %s", msg.Type, err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debugf("messaging: conn read: %s", err)
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) Message {
	ctx, span := tracing.GlobalTracer.Start(ctx, "messaging.dispatch")
	span.SetAttributes(attribute.String("message.type", string(msg.Type)))

	s.handlersMu.RLock()
	h, ok := s.handlers[msg.Type]
	s.handlersMu.RUnlock()
	if !ok {
		err := fmt.Errorf("unsupported message type: %s", msg.Type)
		tracing.EndSpanWithErrCheck(span, err)
		return ErrorReply(msg, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()

	reply, err := h(ctx, msg)
	tracing.EndSpanWithErrCheck(span, err)
	if err != nil {
		log.Warnf("messaging: handle %s: %s", msg.Type, err)
		return ErrorReply(msg, err)
	}
	reply.ID = msg.ID
	if reply.Type == "" {
		reply.Type = TypeAck
	}
	return reply
}

// Broadcast pushes msg to every subscribed connection.
func (s *Server) Broadcast(msg Message) int {
	s.connsMu.Lock()
	targets := make(map[net.Conn]*sync.Mutex, len(s.subscribers))
	for conn, mu := range s.subscribers {
		targets[conn] = mu
	}
	s.connsMu.Unlock()

	sent := 0
	for conn, mu := range targets {
		if err := writeMessage(conn, mu, msg); err != nil {
			log.Debugf("messaging: broadcast %s: %s", msg.Type, err)
			continue
		}
		sent++
	}
	return sent
}

func writeMessage(conn net.Conn, mu *sync.Mutex, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	mu.Lock()
	defer mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}
