package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Handler answers one request.
type Handler interface {
	HandleRequest(ctx context.Context, req Request) Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Reply

func (f HandlerFunc) HandleRequest(ctx context.Context, req Request) Reply { return f(ctx, req) }

// Server accepts rendezvous connections on a unix socket.
type Server struct {
	path     string
	ln       net.Listener
	handler  Handler
	logger   *slog.Logger
	validate *validator.Validate
	timeout  time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds path. A stale socket file left by a dead process is removed;
// a socket with a live listener is an error.
func Listen(path string, handler Handler, timeout time.Duration, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("rendezvous: create socket dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if c, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond); dialErr == nil {
			c.Close()
			return nil, fmt.Errorf("rendezvous: %s already has a listener", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("rendezvous: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listen %s: %w", path, err)
	}
	return &Server{
		path:     path,
		ln:       ln,
		handler:  handler,
		logger:   logger,
		validate: validator.New(),
		timeout:  timeout,
		done:     make(chan struct{}),
	}, nil
}

// Path is the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts until Close is called or ctx ends. It returns nil on a
// normal shutdown.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Rendezvous accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * s.timeout))

	var req Request
	reply := Fail(ErrMsgInvalidRequest)
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("Malformed rendezvous request", "error", err)
	} else if err := s.validate.Struct(req); err != nil {
		s.logger.Warn("Invalid rendezvous request", "action", req.Action, "error", err)
	} else {
		hctx, cancel := context.WithTimeout(ctx, s.timeout)
		reply = s.handler.HandleRequest(hctx, req)
		cancel()
	}

	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.logger.Debug("Failed to write rendezvous reply", "error", err)
	}
}

// Close stops accepting, waits for in-flight requests and removes the
// socket file. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()
		s.wg.Wait()
		_ = os.Remove(s.path)
	})
	return err
}
