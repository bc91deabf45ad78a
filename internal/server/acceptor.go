package server

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/beetledb/beetle/internal/command"
	"github.com/beetledb/beetle/internal/config"
	"github.com/beetledb/beetle/internal/logging"
)

// Socket tuning
const (
	osBufferBytes  = 512 * 1024
	appBufferBytes = 128 * 1024
	listenBacklog  = 1024
	sendTimeout    = 30 * time.Second
	acceptRetryDelay = time.Second
)

// Server owns the listening socket, the acceptor pool, and the set of
// live connections for shutdown bookkeeping.
type Server struct {
	cfg   *config.Config
	store command.Store

	listener *net.TCPListener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

// New builds a Server that will dispatch commands against store.
func New(cfg *config.Config, store command.Store) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		stopCh: make(chan struct{}),
		conns:  make(map[*conn]struct{}),
	}
}

func acceptorWorkers() int {
	n := runtime.NumCPU() * 2
	if n < 1 {
		n = 1
	}
	return n
}

// ListenAndServe binds the listening socket and blocks, running the
// acceptor pool, until Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := buildListener(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln

	workers := acceptorWorkers()
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.acceptLoop()
	}

	<-s.stopCh
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			logging.L().Warnw("server: accept error", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		tcpConn, ok := nc.(*net.TCPConn)
		if ok {
			configureConnSocket(tcpConn)
		}

		c := newConn(nc, s.store)
		s.track(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.serve()
		}()
	}
}

func (s *Server) track(c *conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// Shutdown stops accepting new connections and closes every tracked
// connection socket, the first two steps of an orderly shutdown. The
// caller is responsible for flushing and closing the storage engine
// afterward.
func (s *Server) Shutdown() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
}

func configureConnSocket(c *net.TCPConn) {
	_ = c.SetNoDelay(true)
	_ = c.SetKeepAlive(true)
	_ = c.SetKeepAlivePeriod(30 * time.Second)
	_ = c.SetReadBuffer(appBufferBytes)
	_ = c.SetWriteBuffer(appBufferBytes)
}

// buildListener opens a raw IPv4 stream socket instead of net.Listen so
// SO_REUSEADDR, the OS buffer sizes, and the listen backlog can all be
// set before the socket starts accepting. Grounded in
// yonwoo9/go-bitcask's direct use of golang.org/x/sys/unix for mmap
// (internal/datafile), generalized here from a file-mapping syscall onto
// socket syscalls.
func buildListener(port int) (*net.TCPListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, osBufferBytes); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, osBufferBytes); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("beetle-listener-%d", port))
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	return tcpLn, nil
}
