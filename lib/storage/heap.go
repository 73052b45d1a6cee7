package storage

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// heapStorage allocates buffers straight from the Go heap and tracks the
// outstanding byte count.
type heapStorage struct {
	allocated atomic.Int64

	allocs   *metrics.Counter
	deallocs *metrics.Counter
}

// NewHeapStorage creates a Storage backed by the Go heap.
func NewHeapStorage() Storage {
	return &heapStorage{
		allocs:   metrics.GetOrCreateCounter(`dgc_storage_allocations_total`),
		deallocs: metrics.GetOrCreateCounter(`dgc_storage_deallocations_total`),
	}
}

func (s *heapStorage) Allocate(n int) []byte {
	s.allocated.Add(int64(n))
	s.allocs.Inc()
	return make([]byte, n)
}

func (s *heapStorage) Deallocate(id int64, buf []byte) {
	if buf == nil {
		return
	}
	s.allocated.Add(-int64(cap(buf)))
	s.deallocs.Inc()
}

func (s *heapStorage) Allocated() int64 {
	return s.allocated.Load()
}
