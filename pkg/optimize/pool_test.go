package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool_GetReturnsFullSize(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	assert.Len(t, buf, 1024)

	pool.Put(buf[:10])
	assert.Len(t, pool.Get(), 1024)
}

func TestBytePool_DropsUndersized(t *testing.T) {
	pool := NewBytePool(64)
	assert.NotPanics(t, func() { pool.Put(make([]byte, 8)) })
	assert.Len(t, pool.Get(), 64)
}

func TestPacketBuffers(t *testing.T) {
	assert.Equal(t, MTU, PacketBuffers.Size())
}

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(MTU)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		buf[0] = byte(i)
		pool.Put(buf)
	}
}

func BenchmarkMakeSlice(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := make([]byte, MTU)
		buf[0] = byte(i)
	}
}
