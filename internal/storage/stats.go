package storage

import (
	"sync"

	"github.com/filemesh/filemesh/pkg/proto"
)

// Stats are the operation counters sent with every heartbeat.
type Stats struct {
	mu sync.Mutex
	s  proto.StorageStat
}

func (s *Stats) update(fn func(st *proto.StorageStat)) {
	s.mu.Lock()
	fn(&s.s)
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() proto.StorageStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}
