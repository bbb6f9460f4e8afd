package cluster

import (
	"sort"
	"time"

	"github.com/filemesh/filemesh/pkg/proto"
)

// Storage is one storage server as seen by the tracker.
type Storage struct {
	IP        string              `json:"ip"`
	Status    proto.StorageStatus `json:"status"`
	SyncSrc   string              `json:"sync_src,omitempty"`
	SyncUntil int64               `json:"sync_until,omitempty"`
	TotalMB   int64               `json:"total_mb"`
	FreeMB    int64               `json:"free_mb"`
	Stat      proto.StorageStat   `json:"stat"`
	JoinedAt  time.Time           `json:"joined_at"`
	LastBeat  time.Time           `json:"last_beat,omitempty"`
}

// Group is a set of storage servers holding identical file sets.
type Group struct {
	Name        string     `json:"name"`
	StoragePort int        `json:"storage_port"`
	Version     int64      `json:"version"`
	Storages    []*Storage `json:"storages"`

	// Derived on every publish.
	FreeMB int64      `json:"-"`
	Active []*Storage `json:"-"`
}

// Storage finds a member by IP.
func (g *Group) Storage(ip string) *Storage {
	i := sort.Search(len(g.Storages), func(i int) bool { return g.Storages[i].IP >= ip })
	if i < len(g.Storages) && g.Storages[i].IP == ip {
		return g.Storages[i]
	}
	return nil
}

// Briefs returns the status of every member in IP order.
func (g *Group) Briefs() []proto.Brief {
	briefs := make([]proto.Brief, len(g.Storages))
	for i, st := range g.Storages {
		briefs[i] = proto.Brief{Status: st.Status, IP: st.IP}
	}
	return briefs
}

// SuccessUploads sums successful uploads across members.
func (g *Group) SuccessUploads() int64 {
	var n int64
	for _, st := range g.Storages {
		n += st.Stat.SuccessUpload
	}
	return n
}

func (g *Group) insertStorage(st *Storage) {
	i := sort.Search(len(g.Storages), func(i int) bool { return g.Storages[i].IP >= st.IP })
	g.Storages = append(g.Storages, nil)
	copy(g.Storages[i+1:], g.Storages[i:])
	g.Storages[i] = st
}

func (g *Group) removeStorage(ip string) bool {
	for i, st := range g.Storages {
		if st.IP == ip {
			g.Storages = append(g.Storages[:i], g.Storages[i+1:]...)
			return true
		}
	}
	return false
}

// refresh recomputes the active list and the group's free space, which is
// the smallest free space reported by any serving member.
func (g *Group) refresh() {
	g.Active = g.Active[:0]
	g.FreeMB = 0
	first := true
	for _, st := range g.Storages {
		if !st.Status.Serving() {
			continue
		}
		g.Active = append(g.Active, st)
		if st.TotalMB == 0 {
			continue
		}
		if first || st.FreeMB < g.FreeMB {
			g.FreeMB = st.FreeMB
			first = false
		}
	}
}

func (g *Group) clone() *Group {
	c := &Group{
		Name:        g.Name,
		StoragePort: g.StoragePort,
		Version:     g.Version,
		Storages:    make([]*Storage, len(g.Storages)),
	}
	for i, st := range g.Storages {
		cp := *st
		c.Storages[i] = &cp
	}
	return c
}

// Snapshot is one immutable generation of the directory. Holders may keep
// using it after a newer generation is published; Dirty tells them to
// re-resolve.
type Snapshot struct {
	Generation uint64
	Groups     []*Group

	dir *Directory
}

// Group finds a group by name.
func (s *Snapshot) Group(name string) *Group {
	i := sort.Search(len(s.Groups), func(i int) bool { return s.Groups[i].Name >= name })
	if i < len(s.Groups) && s.Groups[i].Name == name {
		return s.Groups[i]
	}
	return nil
}

// Dirty reports whether a newer generation has been published.
func (s *Snapshot) Dirty() bool {
	return s.dir != nil && s.dir.current.Load() != s
}

// StorageCount returns the number of storage servers across all groups.
func (s *Snapshot) StorageCount() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Storages)
	}
	return n
}

func (s *Snapshot) insertGroup(g *Group) {
	i := sort.Search(len(s.Groups), func(i int) bool { return s.Groups[i].Name >= g.Name })
	s.Groups = append(s.Groups, nil)
	copy(s.Groups[i+1:], s.Groups[i:])
	s.Groups[i] = g
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{Generation: s.Generation, Groups: make([]*Group, len(s.Groups)), dir: s.dir}
	for i, g := range s.Groups {
		c.Groups[i] = g.clone()
	}
	return c
}
