package stream

import (
	"sync"
	"sync/atomic"

	"collabtext/internal/protocol"
)

// Outbound is one frame queued for a peer.
type Outbound struct {
	Kind protocol.Type
	Data []byte
	// Epoch is set on sync_state frames: the baseline the frame carries.
	Epoch uint64
}

// Peer is one local connection registered with a stream's hub.
type Peer struct {
	ID     string
	UserID string

	send chan Outbound
}

// NewPeer returns a peer whose outbound queue holds size frames.
func NewPeer(id, userID string, size int) *Peer {
	return &Peer{ID: id, UserID: userID, send: make(chan Outbound, size)}
}

// Send is the peer's outbound queue. It is closed when the hub drops the
// peer, either on Leave or because the queue filled up.
func (p *Peer) Send() <-chan Outbound { return p.send }

type registration struct {
	peer *Peer
	// initial runs on the hub goroutine; its frames are queued before any
	// broadcast processed afterwards.
	initial func() ([]Outbound, uint64)
	ready   chan uint64
}

type departure struct {
	peer *Peer
	// left receives how many peers of the same user remain.
	left chan int
}

type delivery struct {
	out    Outbound
	except string
	to     *Peer
}

// hub owns the set of local peers of one document. All sends to peers
// happen on its goroutine, so every peer sees frames in the order the hub
// accepted them.
type hub struct {
	peers      map[*Peer]bool
	register   chan registration
	unregister chan departure
	broadcast  chan delivery
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	count  atomic.Int32
	onSlow func(*Peer)
}

func newHub(onSlow func(*Peer)) *hub {
	return &hub{
		peers:      make(map[*Peer]bool),
		register:   make(chan registration),
		unregister: make(chan departure),
		broadcast:  make(chan delivery, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		onSlow:     onSlow,
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case r := <-h.register:
			h.peers[r.peer] = true
			h.count.Store(int32(len(h.peers)))
			frames, epoch := r.initial()
			for _, f := range frames {
				h.deliver(r.peer, f)
			}
			r.ready <- epoch
		case d := <-h.unregister:
			h.drop(d.peer)
			d.left <- h.sessionsOf(d.peer.UserID)
		case d := <-h.broadcast:
			if d.to != nil {
				if h.peers[d.to] {
					h.deliver(d.to, d.out)
				}
				continue
			}
			for p := range h.peers {
				if p.ID != d.except {
					h.deliver(p, d.out)
				}
			}
		case <-h.stop:
			for p := range h.peers {
				h.drop(p)
			}
			return
		}
	}
}

func (h *hub) deliver(p *Peer, out Outbound) {
	if !h.peers[p] {
		return
	}
	select {
	case p.send <- out:
	default:
		h.drop(p)
		if h.onSlow != nil {
			h.onSlow(p)
		}
	}
}

func (h *hub) drop(p *Peer) {
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
		h.count.Store(int32(len(h.peers)))
	}
}

func (h *hub) sessionsOf(userID string) int {
	n := 0
	for p := range h.peers {
		if p.UserID == userID {
			n++
		}
	}
	return n
}

// join registers p and waits until its initial frames are queued. It
// returns false if the hub has stopped.
func (h *hub) join(p *Peer, initial func() ([]Outbound, uint64)) (uint64, bool) {
	r := registration{peer: p, initial: initial, ready: make(chan uint64, 1)}
	select {
	case h.register <- r:
	case <-h.done:
		return 0, false
	}
	select {
	case epoch := <-r.ready:
		return epoch, true
	case <-h.done:
		return 0, false
	}
}

// leave unregisters p and returns how many peers of the same user are
// still registered.
func (h *hub) leave(p *Peer) int {
	d := departure{peer: p, left: make(chan int, 1)}
	select {
	case h.unregister <- d:
		return <-d.left
	case <-h.done:
		return 0
	}
}

func (h *hub) send(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

func (h *hub) close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *hub) size() int { return int(h.count.Load()) }
