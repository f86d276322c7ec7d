package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// FrameHandler receives each frame read from a peer connection.
type FrameHandler func(frame []byte, remote net.Addr)

// Server accepts peer links and hands every length-prefixed frame to a
// FrameHandler.
type Server struct {
	address     string
	handler     FrameHandler
	listener    net.Listener
	readTimeout time.Duration
	logger      *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewServer(address string, handler FrameHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		address:     address,
		handler:     handler,
		readTimeout: 30 * time.Second,
		logger:      logger.With("component", "network"),
		stopChan:    make(chan struct{}),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	s.logger.Info("peer link listener started", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, useful when listening on :0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.wg.Wait()
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopChan:
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		lengthBytes := make([]byte, 4)
		if _, err := io.ReadFull(conn, lengthBytes); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("failed to read frame length", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		length := binary.BigEndian.Uint32(lengthBytes)
		if length > MaxFrameSize {
			s.logger.Warn("frame too large", "remote", conn.RemoteAddr().String(), "bytes", length)
			return
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			s.logger.Warn("failed to read frame", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}

		s.handler(data, conn.RemoteAddr())
	}
}
