package transport

import (
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	batchSize      = 64
	writeQueueSize = 1024
)

// batchConn is satisfied by both ipv4.PacketConn and ipv6.PacketConn.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

// batchIO moves datagrams with recvmmsg/sendmmsg where the platform has
// them. Writes are queued and flushed by one goroutine in batches.
type batchIO struct {
	conn *net.UDPConn
	pc   batchConn
	msgs []ipv4.Message

	out       chan datagram
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newBatchIO(conn *net.UDPConn) *batchIO {
	b := &batchIO{
		conn: conn,
		msgs: make([]ipv4.Message, batchSize),
		out:  make(chan datagram, writeQueueSize),
		done: make(chan struct{}),
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() == nil {
		b.pc = ipv6.NewPacketConn(conn)
	} else {
		b.pc = ipv4.NewPacketConn(conn)
	}
	for i := range b.msgs {
		b.msgs[i].Buffers = [][]byte{make([]byte, maxDatagramSize)}
	}

	b.wg.Add(1)
	go b.writeLoop()
	return b
}

func (b *batchIO) read() ([]datagram, error) {
	n, err := b.pc.ReadBatch(b.msgs, 0)
	if err != nil {
		return nil, err
	}
	out := make([]datagram, 0, n)
	for i := 0; i < n; i++ {
		m := &b.msgs[i]
		addr, ok := m.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, m.N)
		copy(data, m.Buffers[0][:m.N])
		out = append(out, datagram{addr: addr, data: data})
	}
	return out, nil
}

func (b *batchIO) write(p []byte, addr *net.UDPAddr) error {
	select {
	case <-b.done:
		return net.ErrClosed
	default:
	}
	select {
	case b.out <- datagram{addr: addr, data: p}:
		return nil
	case <-b.done:
		return net.ErrClosed
	}
}

func (b *batchIO) writeLoop() {
	defer b.wg.Done()
	pending := make([]datagram, 0, batchSize)

	for {
		select {
		case <-b.done:
			// Drain what was queued before close, such as a disconnect notice.
			for {
				pending = b.collect(pending[:0])
				if len(pending) == 0 {
					return
				}
				b.flush(pending)
			}
		case dg := <-b.out:
			pending = b.collect(append(pending[:0], dg))
			b.flush(pending)
		}
	}
}

// collect appends queued datagrams without blocking, up to batchSize.
func (b *batchIO) collect(pending []datagram) []datagram {
	for len(pending) < batchSize {
		select {
		case dg := <-b.out:
			pending = append(pending, dg)
		default:
			return pending
		}
	}
	return pending
}

func (b *batchIO) flush(pending []datagram) {
	msgs := make([]ipv4.Message, 0, len(pending))
	for _, dg := range pending {
		msgs = append(msgs, ipv4.Message{Buffers: [][]byte{dg.data}, Addr: dg.addr})
	}
	for len(msgs) > 0 {
		n, err := b.pc.WriteBatch(msgs, 0)
		if err != nil || n == 0 {
			log.Debug().Err(err).Str("component", "transport").Int("datagrams", len(msgs)).Msg("batch write failed")
			return
		}
		msgs = msgs[n:]
	}
}

func (b *batchIO) localAddr() net.Addr { return b.conn.LocalAddr() }

func (b *batchIO) close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.conn.Close()
	})
	return err
}
