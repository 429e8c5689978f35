package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Handler runs for every received envelope of its registered type.
// Handlers execute off the read loop; anything touching simulation state
// must hand the message over to the tick goroutine itself.
type Handler func(ctx context.Context, addr *net.UDPAddr, env Envelope)

type Server struct {
	conn    *net.UDPConn
	log     *log.Logger
	maxSize int
	seq     atomic.Uint64

	mu       sync.RWMutex
	handlers map[MessageType][]Handler
}

// Listen binds the UDP socket. maxSize caps the datagram size; zero means
// 64 KiB.
func Listen(listenAddr string, logger *log.Logger, maxSize int) (*Server, error) {
	if maxSize <= 0 {
		maxSize = 64 * 1024
	}
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		conn:     conn,
		log:      logger,
		maxSize:  maxSize,
		handlers: make(map[MessageType][]Handler),
	}, nil
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// LocalAddr reports the bound address, useful when listening on port 0.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Register(msgType MessageType, handler Handler) {
	s.mu.Lock()
	s.handlers[msgType] = append(s.handlers[msgType], handler)
	s.mu.Unlock()
}

// Serve reads datagrams until the context is cancelled. The short read
// deadline keeps the loop responsive to cancellation.
func (s *Server) Serve(ctx context.Context) error {
	buffer := make([]byte, s.maxSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		env, err := Decode(data)
		if err != nil {
			s.log.Printf("network: decode message from %s: %v", addr, err)
			continue
		}

		for _, handler := range s.handlersFor(env.Type) {
			h := handler
			go h(ctx, addr, env)
		}
	}
}

func (s *Server) handlersFor(msgType MessageType) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Handler(nil), s.handlers[msgType]...)
}

// Send resolves addr and transmits one enveloped message.
func (s *Server) Send(addr string, msgType MessageType, payload any) error {
	target, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	return s.SendTo(target, msgType, payload)
}

// SendTo transmits one enveloped message to an already resolved address,
// the usual case when replying to a client.
func (s *Server) SendTo(target *net.UDPAddr, msgType MessageType, payload any) error {
	data, err := s.prepare(msgType, payload)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(data, target)
	return err
}

func (s *Server) prepare(msgType MessageType, payload any) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Encode(Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Seq:       s.seq.Add(1),
		Payload:   raw,
	})
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
