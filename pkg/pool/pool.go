// Package pool provides object pooling to reduce GC pressure on the JSON
// response path.
package pool

import (
	"bytes"
	"sync"
)

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// MapPool pools map[string]any for JSON envelopes
var MapPool = sync.Pool{
	New: func() any {
		return make(map[string]any, 8)
	},
}

// GetBuffer gets a reset buffer from the pool
func GetBuffer() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped so
// one huge response does not pin memory forever.
func PutBuffer(b *bytes.Buffer) {
	if b.Cap() > 1<<20 {
		return
	}
	bufferPool.Put(b)
}

// GetMap gets a cleared map from the pool
func GetMap() map[string]any {
	m := MapPool.Get().(map[string]any)
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutMap returns a map to the pool
func PutMap(m map[string]any) {
	MapPool.Put(m)
}
