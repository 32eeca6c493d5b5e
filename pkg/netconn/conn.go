// Package netconn wraps a stream socket so that exactly one owner at a time
// receives its frames, and writes never block the caller.
//
// Every Conn has a reader goroutine that reassembles frames into an ordered
// inbox, a pump goroutine that hands the inbox to the current owner one frame
// at a time, and a writer goroutine that drains an outbox. Ownership starts
// with the multiplexer (the home route), moves to a match with Acquire and
// returns with Release.
//
// An owner claims each frame it receives with Take. A frame that reaches an
// owner which has already let go of the connection goes back to the inbox, so
// frames always reach the owner in the order they were read.
package netconn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/wordquizzle/pkg/protocol"
)

// Owner identifies who currently consumes a connection's frames.
type Owner int32

const (
	OwnerMux   Owner = iota // command dispatcher
	OwnerMatch              // match engine
)

func (o Owner) String() string {
	switch o {
	case OwnerMux:
		return "mux"
	case OwnerMatch:
		return "match"
	default:
		return "unknown"
	}
}

// EventKind tells frames from failures.
type EventKind int

const (
	EventFrame EventKind = iota
	EventClosed
)

// Event is delivered to the owner of a connection.
type Event struct {
	Conn  *Conn
	Kind  EventKind
	Frame []byte
	Err   error // set for EventClosed

	seq   uint64 // read order, frames only
	epoch uint64 // ownership generation the frame was handed out under
}

// Route is an owner's inbox. Done is closed when the owner stops reading;
// events routed to a finished owner are re-routed or dropped, never blocked on.
type Route struct {
	Events chan<- Event
	Done   <-chan struct{}
}

var ErrClosed = errors.New("netconn: connection closed")

// writeSlice bounds a single write attempt; a timed-out attempt keeps its
// unwritten remainder and is retried.
const writeSlice = 500 * time.Millisecond

// inboxLimit is how many frames the reader runs ahead of the owner before it
// stops reading the socket.
const inboxLimit = 32

// Conn is a framed, owned connection.
type Conn struct {
	id     uint64
	raw    net.Conn
	maxLen int
	log    *slog.Logger

	mu     sync.Mutex
	owner  Owner
	epoch  uint64 // bumped by every Acquire and Release
	route  Route
	home   Route
	queue  [][]byte
	failed bool
	err    error

	inbox    []Event // frames not yet taken, by seq
	nextSeq  uint64
	inflight uint64 // seq handed to the owner and not yet settled, 0 if none
	handout  uint64 // epoch of that handout
	settled  bool

	wake     chan struct{} // writer: outbox has data
	kick     chan struct{} // pump: inbox or route changed
	ack      chan struct{} // pump: inflight frame taken or returned
	room     chan struct{} // reader: inbox has space
	done     chan struct{}
	failOnce sync.Once
}

// New wraps raw. Frames go to home until the first Acquire. Call Start to
// begin reading and writing.
func New(raw net.Conn, id uint64, maxLen int, home Route, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		id:     id,
		raw:    raw,
		maxLen: maxLen,
		log:    logger.With("conn", id, "remote", raw.RemoteAddr().String()),
		owner:  OwnerMux,
		route:  home,
		home:   home,
		wake:   make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
		ack:    make(chan struct{}, 1),
		room:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the reader, pump and writer goroutines.
func (c *Conn) Start() {
	go c.readLoop()
	go c.pumpLoop()
	go c.writeLoop()
}

// ID returns the connection's process-unique id.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Owner returns the current owner.
func (c *Conn) Owner() Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Err returns the failure that closed the connection, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues payload as one frame. It never blocks on the socket.
func (c *Conn) Send(payload []byte) error {
	if len(payload) > c.maxLen {
		return fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, len(payload))
	}
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, payload)
	c.mu.Unlock()

	signal(c.wake)
	return nil
}

// SendText queues a text frame.
func (c *Conn) SendText(text string) error {
	return c.Send([]byte(text))
}

// Acquire moves ownership from the multiplexer to r. It returns false if the
// connection is already closed or already owned by someone else.
func (c *Conn) Acquire(r Route) bool {
	c.mu.Lock()
	if c.failed || c.owner != OwnerMux {
		c.mu.Unlock()
		return false
	}
	c.owner = OwnerMatch
	c.route = r
	c.epoch++
	c.mu.Unlock()

	signal(c.kick)
	return true
}

// Release hands ownership back to the multiplexer. Frames the owner took but
// did not use go in pending; the multiplexer receives them before anything
// read after them. A failure the previous owner already consumed is reported
// again to the multiplexer so it can clean up.
func (c *Conn) Release(pending ...Event) {
	c.mu.Lock()
	if c.owner == OwnerMux {
		c.mu.Unlock()
		return
	}
	c.owner = OwnerMux
	c.route = c.home
	c.epoch++
	if !c.failed {
		for _, ev := range pending {
			c.insert(ev)
		}
	}
	failed, err := c.failed, c.err
	c.mu.Unlock()

	signal(c.kick)
	if failed {
		go c.deliver(Event{Conn: c, Kind: EventClosed, Err: err})
	}
}

// Take claims a frame for the owner that received it. It returns false if
// ownership changed after the frame was handed out; the frame then stays in
// the inbox for the current owner and the caller must drop it.
func (c *Conn) Take(ev Event) bool {
	c.mu.Lock()
	mine := ev.epoch == c.epoch
	if mine {
		c.inbox = slices.DeleteFunc(c.inbox, func(e Event) bool { return e.seq == ev.seq })
	}
	if c.inflight == ev.seq && c.handout == ev.epoch {
		c.settled = true
	}
	c.mu.Unlock()

	signal(c.ack)
	if mine {
		signal(c.room)
	} else {
		signal(c.kick)
	}
	return mine
}

// Close shuts the socket down. The owner receives an EventClosed.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

// insert puts ev back in read order. Callers hold c.mu.
func (c *Conn) insert(ev Event) {
	i, found := slices.BinarySearchFunc(c.inbox, ev.seq, func(e Event, seq uint64) int {
		switch {
		case e.seq < seq:
			return -1
		case e.seq > seq:
			return 1
		default:
			return 0
		}
	})
	if !found {
		c.inbox = slices.Insert(c.inbox, i, ev)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// deliver routes a failure to whoever owns the connection, following the
// route if it changes while waiting.
func (c *Conn) deliver(ev Event) {
	for {
		c.mu.Lock()
		r := c.route
		c.mu.Unlock()

		select {
		case r.Events <- ev:
			return
		case <-r.Done:
			c.mu.Lock()
			moved := c.route != r
			c.mu.Unlock()
			if !moved {
				return
			}
		}
	}
}

func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failed = true
		c.err = err
		c.queue = nil
		c.inbox = nil
		c.mu.Unlock()

		close(c.done)
		_ = c.raw.Close()
		c.deliver(Event{Conn: c, Kind: EventClosed, Err: err})
	})
}

// push appends a freshly read frame, waiting while the inbox is full.
func (c *Conn) push(frame []byte) bool {
	for {
		c.mu.Lock()
		if c.failed {
			c.mu.Unlock()
			return false
		}
		if len(c.inbox) < inboxLimit {
			c.nextSeq++
			c.inbox = append(c.inbox, Event{Conn: c, Kind: EventFrame, Frame: frame, seq: c.nextSeq})
			c.mu.Unlock()
			signal(c.kick)
			return true
		}
		c.mu.Unlock()

		select {
		case <-c.room:
		case <-c.done:
			return false
		}
	}
}

// head marks the oldest frame as in flight and returns it with the route it
// should go to.
func (c *Conn) head() (Event, Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return Event{}, Route{}, false
	}
	ev := c.inbox[0]
	ev.epoch = c.epoch
	c.inflight = ev.seq
	c.handout = ev.epoch
	c.settled = false
	return ev, c.route, true
}

// pumpLoop hands frames to the owner one at a time and waits for each to be
// taken or returned before handing out the next.
func (c *Conn) pumpLoop() {
	for {
		ev, r, ok := c.head()
		if !ok {
			select {
			case <-c.kick:
				continue
			case <-c.done:
				return
			}
		}

		select {
		case r.Events <- ev:
			if !c.awaitSettled(ev, r) {
				return
			}
		case <-r.Done:
			// Owner stopped reading; wait for a new route.
			select {
			case <-c.kick:
			case <-c.done:
				return
			}
		case <-c.kick:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) awaitSettled(ev Event, r Route) bool {
	for {
		c.mu.Lock()
		settled := c.settled || c.inflight != ev.seq || c.handout != ev.epoch
		c.mu.Unlock()
		if settled {
			return true
		}

		select {
		case <-c.ack:
		case <-r.Done:
			// Never looked at; it is still first in the inbox.
			return true
		case <-c.done:
			return false
		}
	}
}

func (c *Conn) readLoop() {
	dec := protocol.NewDecoder(c.maxLen)
	buf := make([]byte, 4096)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				if !c.push(f) {
					return
				}
			}
			if ferr != nil {
				c.log.Warn("rejecting frame", "err", ferr)
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && dec.Partial() {
				err = io.ErrUnexpectedEOF
			}
			c.fail(err)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	fw := protocol.NewFrameWriter(c.maxLen)
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, p := range batch {
			// Send already enforced the bound.
			_ = fw.Queue(p)
		}

		for fw.Pending() > 0 {
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeSlice))
			err := fw.Flush(c.raw)
			if err == nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-c.done:
					return
				default:
					c.log.Debug("write stalled, resuming", "pending", fw.Pending())
					continue
				}
			}
			c.fail(err)
			return
		}
	}
}
