package optimize

import (
	"sync"
)

// MTU is the largest RTP or RTCP datagram the relay reads.
const MTU = 1500

// BytePool is a pool of fixed-size byte slices to reduce allocations
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice of exactly Size bytes. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns b to the pool. Slices smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int {
	return p.size
}

// PacketBuffers is shared by every media read loop in the process.
var PacketBuffers = NewBytePool(MTU)
