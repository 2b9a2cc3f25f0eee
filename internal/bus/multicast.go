package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
)

// DefaultMulticastAddr is the group used when none is configured.
const DefaultMulticastAddr = "239.77.77.77:7777"

// maxFrameSize is the largest UDP payload the transport sends or accepts.
const maxFrameSize = 65507

// ErrFrameTooLarge is returned when an envelope does not fit the largest
// message a transport carries.
var ErrFrameTooLarge = errors.New("frame too large")

// Multicast is a [Channel] over a UDP multicast group. All instances on the
// host that join the same group see each other's envelopes; an instance
// drops the envelopes it sent itself.
//
// Frames are zstd-compressed and split over as many datagrams as needed, so
// a snapshot is not limited to one datagram.
type Multicast struct {
	self   string
	group  *net.UDPAddr
	recv   *net.UDPConn
	send   *net.UDPConn
	ch     chan Envelope
	logger *slog.Logger
	codec  *frameCodec
	nextID atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMulticast joins the multicast group at addr as instance self.
func NewMulticast(addr, self string, logger *slog.Logger) (*Multicast, error) {
	if addr == "" {
		addr = DefaultMulticastAddr
	}
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving multicast group %q: %w", addr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr)
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("joining multicast group %s: %w", addr, err)
	}
	_ = recv.SetReadBuffer(1 << 20)

	send, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		_ = recv.Close()
		return nil, fmt.Errorf("dialing multicast group %s: %w", addr, err)
	}

	codec, err := newFrameCodec(maxFrameSize)
	if err != nil {
		_ = recv.Close()
		_ = send.Close()
		return nil, err
	}

	m := &Multicast{
		self:   self,
		group:  group,
		recv:   recv,
		send:   send,
		ch:     make(chan Envelope, defaultMemberBuffer),
		logger: logger.With("component", "multicast", "group", addr),
		codec:  codec,
		closed: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.readLoop()

	return m, nil
}

func (m *Multicast) readLoop() {
	defer m.wg.Done()
	defer close(m.ch)

	buf := make([]byte, maxFrameSize)
	for {
		n, _, err := m.recv.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("multicast read failed", "error", err)
			continue
		}

		f, err := readHeader(buf[:n])
		if err != nil {
			m.logger.Debug("dropping malformed datagram", "error", err, "bytes", n)
			continue
		}
		if f.From == m.self {
			continue
		}
		frame, complete, err := m.codec.join(f)
		if err != nil {
			m.logger.Debug("dropping message", "from", f.From, "error", err)
			continue
		}
		if !complete {
			continue
		}

		e, err := Unmarshal(frame)
		if err != nil {
			m.logger.Debug("dropping malformed frame", "error", err, "bytes", len(frame))
			continue
		}

		select {
		case m.ch <- e:
		default:
			m.logger.Debug("inbox full, dropping envelope", "kind", e.Kind, "from", e.From)
		}
	}
}

func (m *Multicast) Publish(_ context.Context, e Envelope) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	frame, err := Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	datagrams, err := m.codec.split(m.self, m.nextID.Inc(), frame)
	if err != nil {
		return fmt.Errorf("framing %s: %w", e.Kind, err)
	}
	for _, d := range datagrams {
		if _, err := m.send.Write(d); err != nil {
			return fmt.Errorf("sending %s: %w", e.Kind, err)
		}
	}
	return nil
}

func (m *Multicast) Messages() <-chan Envelope {
	return m.ch
}

// Close leaves the group and waits for the read loop to exit.
func (m *Multicast) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = multierror.Append(nil, m.recv.Close(), m.send.Close()).ErrorOrNil()
		m.wg.Wait()
		m.codec.close()
	})
	return err
}
