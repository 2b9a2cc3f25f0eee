package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/patrickmn/go-cache"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// maxFragments bounds one message on a datagram transport.
	maxFragments = 64

	// fragmentOverhead is reserved in each datagram for the fragment header
	// besides the sender id.
	fragmentOverhead = 64

	// maxDecodedFrame caps the decompressed size of one message.
	maxDecodedFrame = 32 << 20

	// assemblyTTL is how long a partly received message is kept.
	assemblyTTL = 5 * time.Second
)

// fragment is one datagram of a compressed envelope frame. Seq counts from
// zero; ID is unique per sender.
type fragment struct {
	From  string `msgpack:"f"`
	ID    uint64 `msgpack:"i"`
	Seq   uint16 `msgpack:"s"`
	Total uint16 `msgpack:"n"`
	Data  []byte `msgpack:"d"`
}

// frameCodec compresses envelope frames and splits them into datagrams of at
// most datagramSize bytes, and puts them back together on the receiving side.
type frameCodec struct {
	datagramSize int
	enc          *zstd.Encoder
	dec          *zstd.Decoder

	// pending holds partly received messages keyed by sender and id. It is
	// only used from the read loop.
	pending *cache.Cache
}

func newFrameCodec(datagramSize int) (*frameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxDecodedFrame),
	)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	return &frameCodec{
		datagramSize: datagramSize,
		enc:          enc,
		dec:          dec,
		pending:      cache.New(assemblyTTL, 2*assemblyTTL),
	}, nil
}

// split compresses frame and returns the datagrams that carry it.
func (c *frameCodec) split(from string, id uint64, frame []byte) ([][]byte, error) {
	chunk := c.datagramSize - fragmentOverhead - len(from)
	if chunk <= 0 {
		return nil, fmt.Errorf("sender id of %d bytes leaves no room in a datagram", len(from))
	}

	packed := c.enc.EncodeAll(frame, nil)
	total := (len(packed) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}
	if total > maxFragments {
		return nil, fmt.Errorf("%w: %d bytes compressed needs %d datagrams", ErrFrameTooLarge, len(packed), total)
	}

	datagrams := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		end := min((seq+1)*chunk, len(packed))
		d, err := msgpack.Marshal(fragment{
			From:  from,
			ID:    id,
			Seq:   uint16(seq),
			Total: uint16(total),
			Data:  packed[seq*chunk : end],
		})
		if err != nil {
			return nil, fmt.Errorf("encoding fragment: %w", err)
		}
		datagrams = append(datagrams, d)
	}
	return datagrams, nil
}

// readHeader decodes one datagram.
func readHeader(datagram []byte) (fragment, error) {
	var f fragment
	if err := msgpack.Unmarshal(datagram, &f); err != nil {
		return fragment{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch {
	case f.From == "":
		return fragment{}, fmt.Errorf("%w: fragment without sender", ErrInvalidMessage)
	case f.Total == 0 || f.Total > maxFragments:
		return fragment{}, fmt.Errorf("%w: fragment total %d", ErrInvalidMessage, f.Total)
	case f.Seq >= f.Total:
		return fragment{}, fmt.Errorf("%w: fragment %d of %d", ErrInvalidMessage, f.Seq, f.Total)
	}
	return f, nil
}

type assembly struct {
	parts [][]byte
	have  int
}

// join adds f to its message. It returns the decompressed frame once every
// fragment has arrived.
func (c *frameCodec) join(f fragment) ([]byte, bool, error) {
	if f.Total == 1 {
		frame, err := c.unpack(f.Data)
		return frame, err == nil, err
	}

	key := fmt.Sprintf("%s/%d", f.From, f.ID)
	var a *assembly
	if v, ok := c.pending.Get(key); ok {
		a = v.(*assembly)
	} else {
		a = &assembly{parts: make([][]byte, f.Total)}
		c.pending.SetDefault(key, a)
	}
	if len(a.parts) != int(f.Total) {
		c.pending.Delete(key)
		return nil, false, fmt.Errorf("%w: fragment total changed for %s", ErrInvalidMessage, key)
	}
	if a.parts[f.Seq] == nil {
		a.parts[f.Seq] = f.Data
		a.have++
	}
	if a.have < len(a.parts) {
		return nil, false, nil
	}

	c.pending.Delete(key)
	size := 0
	for _, p := range a.parts {
		size += len(p)
	}
	packed := make([]byte, 0, size)
	for _, p := range a.parts {
		packed = append(packed, p...)
	}
	frame, err := c.unpack(packed)
	return frame, err == nil, err
}

func (c *frameCodec) unpack(packed []byte) ([]byte, error) {
	frame, err := c.dec.DecodeAll(packed, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: decompressed frame too large", ErrFrameTooLarge)
		}
		return nil, fmt.Errorf("%w: decompressing: %v", ErrInvalidMessage, err)
	}
	return frame, nil
}

// pendingCount is the number of partly received messages.
func (c *frameCodec) pendingCount() int {
	return c.pending.ItemCount()
}

func (c *frameCodec) close() {
	c.dec.Close()
	_ = c.enc.Close()
}
