package electrum

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultSendQueueLen is the default bound on a connection's
	// outbound message queue. A client that falls further behind than
	// this is dropped rather than allowed to stall the notifier.
	DefaultSendQueueLen = 256

	// DefaultGraceTimeout is how long Stop waits for connection
	// goroutines to drain before giving up on them.
	DefaultGraceTimeout = 5 * time.Second

	// writeTimeout bounds a single message write to a client socket.
	writeTimeout = 30 * time.Second

	// maxRequestSize bounds a single request line.
	maxRequestSize = 1 << 20
)

// Config houses the server's parameters.
type Config struct {
	// ListenAddr is the TCP address to accept client connections on.
	ListenAddr string

	// Backend answers all queries.
	Backend Backend

	// Banner is returned by server.banner.
	Banner string

	// SendQueueLen bounds the per-connection outbound queue; zero means
	// DefaultSendQueueLen.
	SendQueueLen int

	// GraceTimeout bounds how long Stop waits for in-flight connections;
	// zero means DefaultGraceTimeout.
	GraceTimeout time.Duration
}

// Server accepts Electrum protocol connections, answers queries against its
// Backend, and pushes notifications to subscribed connections whenever the
// sync scheduler reports changed fingerprints. Connections are fully
// isolated from one another: a malformed request, slow socket or disconnect
// affects only its own connection.
type Server struct {
	started  int32
	shutdown int32

	cfg Config

	listener net.Listener

	// updates carries Update values from the sync scheduler to the
	// notification loop without ever blocking the scheduler.
	updates *queue.ConcurrentQueue

	connMtx sync.Mutex
	conns   map[*conn]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewServer creates an unstarted Server.
func NewServer(cfg *Config) *Server {
	scfg := *cfg
	if scfg.SendQueueLen == 0 {
		scfg.SendQueueLen = DefaultSendQueueLen
	}
	if scfg.GraceTimeout == 0 {
		scfg.GraceTimeout = DefaultGraceTimeout
	}

	return &Server{
		cfg:     scfg,
		updates: queue.NewConcurrentQueue(16),
		conns:   make(map[*conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// Start binds the listener and launches the accept and notification loops.
func (s *Server) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener

	log.Infof("Serving Electrum RPC on %v", listener.Addr())

	s.updates.Start()

	s.wg.Add(2)
	go s.acceptLoop()
	go s.notifyLoop()

	return nil
}

// Stop closes the listener, tears down all connections, and waits up to the
// grace timeout for the handler goroutines to finish.
func (s *Server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	log.Infof("Electrum RPC server shutting down")

	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.connMtx.Lock()
	for c := range s.conns {
		c.stop()
	}
	s.connMtx.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.GraceTimeout):
		log.Warnf("Electrum RPC server shutdown grace period " +
			"exceeded, abandoning remaining connections")
	}

	s.updates.Stop()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Notify hands a round's changes to the notification loop. It never blocks
// the caller.
func (s *Server) Notify(update Update) {
	select {
	case s.updates.ChanIn() <- update:
	case <-s.quit:
	}
}

// acceptLoop accepts client connections until the listener is closed.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			log.Errorf("Accept failed: %v", err)
			return
		}

		c := newConn(s, nc)

		s.connMtx.Lock()
		s.conns[c] = struct{}{}
		s.connMtx.Unlock()

		log.Debugf("Client %v connected", nc.RemoteAddr())

		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

// removeConn forgets a finished connection along with its subscriptions.
func (s *Server) removeConn(c *conn) {
	s.connMtx.Lock()
	delete(s.conns, c)
	s.connMtx.Unlock()
}

// notifyLoop distributes scheduler updates to every live connection. Status
// recomputation happens here, once per subscribed connection, and delivery
// is fire-and-forget through each connection's bounded queue.
func (s *Server) notifyLoop() {
	defer s.wg.Done()

	for {
		select {
		case item, ok := <-s.updates.ChanOut():
			if !ok {
				return
			}
			update := item.(Update)

			s.connMtx.Lock()
			conns := make([]*conn, 0, len(s.conns))
			for c := range s.conns {
				conns = append(conns, c)
			}
			s.connMtx.Unlock()

			for _, c := range conns {
				c.notify(update)
			}

		case <-s.quit:
			return
		}
	}
}
