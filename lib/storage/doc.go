// Package storage provides the byte-buffer allocator behind line data.
//
// The coherence engine never allocates line payload buffers itself; it
// asks a Storage for them and hands them back when a line is dropped or
// resized. This keeps the allocation strategy (plain heap, pooled,
// off-heap in future) swappable without touching the engine.
package storage
