package electrum

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/electrumd/electrumd/chaindb"
)

// conn is one client connection: a reader goroutine that parses and handles
// requests in order, a writer goroutine that drains the bounded outbound
// queue, and per-connection subscription state. Responses and notifications
// share the queue, so each connection observes a single FIFO ordering; no
// ordering is guaranteed across connections.
type conn struct {
	server *Server
	nc     net.Conn

	// out carries serialized messages to the writer goroutine. The
	// channel's capacity is the client's entire allowance for falling
	// behind.
	out chan []byte

	// subMtx guards the subscription state below, shared between the
	// reader goroutine and the server's notification loop.
	subMtx sync.Mutex

	// scripts maps each subscribed fingerprint to the last status hash
	// sent for it, so redundant notifications are suppressed.
	scripts map[chaindb.ScriptHash]string

	// tipSubscribed is set once the client called
	// blockchain.headers.subscribe.
	tipSubscribed bool

	// lastTip is the hash of the tip last reported to this client.
	lastTip chainhash.Hash

	closeOnce sync.Once
	quit      chan struct{}
}

// newConn wraps an accepted socket.
func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		server:  s,
		nc:      nc,
		out:     make(chan []byte, s.cfg.SendQueueLen),
		scripts: make(map[chaindb.ScriptHash]string),
		quit:    make(chan struct{}),
	}
}

// stop tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *conn) stop() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.nc.Close()
	})
}

// readLoop consumes request lines until the client disconnects or the
// connection is torn down. Requests are handled inline, preserving
// per-connection request order.
func (c *conn) readLoop() {
	defer c.server.wg.Done()
	defer c.server.removeConn(c)
	defer c.stop()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		reply := c.server.handleRequest(c, line)
		if reply == nil {
			continue
		}
		if !c.send(reply) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-c.quit:
		default:
			log.Debugf("Client %v read failed: %v",
				c.nc.RemoteAddr(), err)
		}
	}

	log.Debugf("Client %v disconnected", c.nc.RemoteAddr())
}

// writeLoop drains the outbound queue onto the socket.
func (c *conn) writeLoop() {
	defer c.server.wg.Done()
	defer c.stop()

	for {
		select {
		case msg := <-c.out:
			deadline := time.Now().Add(writeTimeout)
			_ = c.nc.SetWriteDeadline(deadline)

			if _, err := c.nc.Write(msg); err != nil {
				log.Debugf("Client %v write failed: %v",
					c.nc.RemoteAddr(), err)
				return
			}

		case <-c.quit:
			return
		}
	}
}

// send enqueues a serialized message. A full queue means the client can't
// keep up; per the resource policy the connection is dropped, which discards
// its subscriptions and nothing else.
func (c *conn) send(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.quit:
		return false
	default:
		log.Warnf("Client %v send queue overflow, dropping connection",
			c.nc.RemoteAddr())
		c.stop()
		return false
	}
}

// subscribeScript registers a fingerprint subscription and records the
// status just reported to the client.
func (c *conn) subscribeScript(sh chaindb.ScriptHash, status string) {
	c.subMtx.Lock()
	defer c.subMtx.Unlock()

	c.scripts[sh] = status
}

// unsubscribeScript removes a subscription, reporting whether it existed.
func (c *conn) unsubscribeScript(sh chaindb.ScriptHash) bool {
	c.subMtx.Lock()
	defer c.subMtx.Unlock()

	_, ok := c.scripts[sh]
	delete(c.scripts, sh)
	return ok
}

// subscribeTip registers for tip notifications.
func (c *conn) subscribeTip(tip chainhash.Hash) {
	c.subMtx.Lock()
	defer c.subMtx.Unlock()

	c.tipSubscribed = true
	c.lastTip = tip
}

// notify recomputes the status of each subscription affected by the update
// and pushes a notification for the ones whose status actually changed.
// Invoked from the server's notification loop.
func (c *conn) notify(update Update) {
	// Collect the affected subscriptions under the lock, then do the
	// status recomputation outside it.
	c.subMtx.Lock()
	affected := make([]chaindb.ScriptHash, 0, len(update.Scripts))
	for sh := range c.scripts {
		if _, ok := update.Scripts[sh]; ok {
			affected = append(affected, sh)
		}
	}
	tipSubscribed := c.tipSubscribed
	c.subMtx.Unlock()

	for _, sh := range affected {
		entries, err := c.server.cfg.Backend.History(sh)
		if err != nil {
			log.Errorf("Unable to compute status for %v: %v", sh,
				err)
			continue
		}
		status := StatusHash(entries)

		c.subMtx.Lock()
		last, stillSubscribed := c.scripts[sh]
		if !stillSubscribed || last == status {
			c.subMtx.Unlock()
			continue
		}
		c.scripts[sh] = status
		c.subMtx.Unlock()

		msg, err := marshalNotification(
			"blockchain.scripthash.subscribe",
			[]interface{}{sh.String(), statusResult(status)},
		)
		if err != nil {
			log.Errorf("Unable to marshal notification: %v", err)
			continue
		}
		if !c.send(msg) {
			return
		}
	}

	if !update.TipChanged || !tipSubscribed {
		return
	}

	height, header, err := c.server.cfg.Backend.Tip()
	if err != nil {
		log.Errorf("Unable to fetch tip for notification: %v", err)
		return
	}
	hash := header.BlockHash()

	c.subMtx.Lock()
	changed := c.lastTip != hash
	c.lastTip = hash
	c.subMtx.Unlock()

	if !changed {
		return
	}

	msg, err := marshalNotification(
		"blockchain.headers.subscribe",
		[]interface{}{tipResult(height, header)},
	)
	if err != nil {
		log.Errorf("Unable to marshal notification: %v", err)
		return
	}
	c.send(msg)
}
