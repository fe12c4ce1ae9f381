package transport

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type inbound struct {
	data []byte
	lost error
}

// dispatcher buffers inbound datagrams for one session and hands them to
// the registered handler on a single goroutine. Peer loss travels through
// the same queue, so it is reported after every datagram that preceded it.
// Nothing is delivered before the first OnReceive.
type dispatcher struct {
	mu       sync.Mutex
	recv     func([]byte)
	lostFn   func(error)
	lostErr  error
	lost     bool
	lostSeen bool
	local    bool
	reported bool

	inbox     chan inbound
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

func newDispatcher(size int) *dispatcher {
	if size <= 0 {
		size = DefaultInboxSize
	}
	d := &dispatcher{
		inbox: make(chan inbound, size),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// deliver queues b. A full inbox drops the datagram, which the unreliable
// transport contract allows.
func (d *dispatcher) deliver(b []byte) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.inbox <- inbound{data: b}:
	default:
		log.Trace().Int("size", len(b)).Msg("transport inbox full, dropping datagram")
	}
}

func (d *dispatcher) onReceive(fn func([]byte)) {
	d.mu.Lock()
	d.recv = fn
	d.mu.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })
}

func (d *dispatcher) loop() {
	select {
	case <-d.ready:
	case <-d.done:
		return
	}
	for {
		select {
		case it := <-d.inbox:
			if it.lost != nil {
				d.reportLost()
				continue
			}
			d.mu.Lock()
			fn := d.recv
			d.mu.Unlock()
			if fn != nil {
				fn(it.data)
			}
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) reportLost() {
	d.mu.Lock()
	d.lostSeen = true
	fn := d.lostFn
	if fn == nil || d.reported || d.local {
		d.mu.Unlock()
		return
	}
	d.reported = true
	err := d.lostErr
	d.mu.Unlock()
	fn(err)
}

func (d *dispatcher) onPeerLost(fn func(error)) {
	d.mu.Lock()
	d.lostFn = fn
	fire := d.lostSeen && !d.local && !d.reported && fn != nil
	if fire {
		d.reported = true
	}
	err := d.lostErr
	d.mu.Unlock()

	if fire {
		go fn(err)
	}
}

// peerLost records err and queues its report behind pending datagrams.
func (d *dispatcher) peerLost(err error) {
	d.mu.Lock()
	if d.lost || d.local {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.lostErr = err
	d.mu.Unlock()

	it := inbound{lost: err}
	select {
	case d.inbox <- it:
	default:
		go func() {
			select {
			case d.inbox <- it:
			case <-d.done:
			}
		}()
	}
}

// markLocalClose suppresses any later peer-loss report and stops delivery.
func (d *dispatcher) markLocalClose() {
	d.mu.Lock()
	d.local = true
	d.lostFn = nil
	d.mu.Unlock()
	d.stop()
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
