package cluster

import (
	"syscall"

	"github.com/filemesh/filemesh/pkg/proto"
)

// rebalanceLocked points the write cursor at the group with the most free
// space. Ties keep the current choice. Caller holds d.mu.
func (d *Directory) rebalanceLocked(s *Snapshot) {
	best := s.Group(d.writeGroup)
	if best != nil && len(best.Active) == 0 {
		best = nil
	}
	for _, g := range s.Groups {
		if len(g.Active) == 0 {
			continue
		}
		if best == nil || g.FreeMB > best.FreeMB {
			best = g
		}
	}
	if best != nil && best.Name != d.writeGroup {
		d.logger.Debug().Str("group", best.Name).Int64("free_mb", best.FreeMB).Msg("write group changed")
		d.writeGroup = best.Name
	}
}

// SelectStore picks the storage server that should receive an upload.
func (d *Directory) SelectStore() (proto.ServerAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.current.Load()
	g, err := d.storeGroupLocked(s)
	if err != nil {
		return proto.ServerAddr{}, err
	}

	var st *Storage
	if d.cfg.Policy == PolicyLoadBalance {
		for _, cand := range g.Active {
			if st == nil || cand.FreeMB > st.FreeMB {
				st = cand
			}
		}
	} else {
		cur := cursor(d.writeServer[g.Name], len(g.Active))
		st = g.Active[cur]
		d.writeServer[g.Name] = (cur + 1) % len(g.Active)
	}
	return proto.ServerAddr{Group: g.Name, IP: st.IP, Port: g.StoragePort}, nil
}

func (d *Directory) storeGroupLocked(s *Snapshot) (*Group, error) {
	if d.cfg.Policy == PolicySpecifiedGroup {
		g := s.Group(d.cfg.StoreGroup)
		if g == nil || len(g.Active) == 0 {
			return nil, proto.Statusf(syscall.ENOENT, "group %s has no active storage", d.cfg.StoreGroup)
		}
		if g.FreeMB <= d.cfg.ReservedMB {
			return nil, proto.Statusf(syscall.ENOSPC, "group %s has %d MB free, %d MB reserved",
				g.Name, g.FreeMB, d.cfg.ReservedMB)
		}
		return g, nil
	}

	n := len(s.Groups)
	if n == 0 {
		return nil, proto.Statusf(syscall.ENOENT, "no groups")
	}
	start := 0
	for i, g := range s.Groups {
		if g.Name == d.writeGroup {
			start = i
			break
		}
	}

	haveActive := false
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		g := s.Groups[idx]
		if len(g.Active) == 0 {
			continue
		}
		haveActive = true
		if g.FreeMB <= d.cfg.ReservedMB {
			continue
		}
		if d.cfg.Policy == PolicyRoundRobin {
			d.writeGroup = s.Groups[(idx+1)%n].Name
		} else {
			d.writeGroup = g.Name
		}
		return g, nil
	}
	if haveActive {
		return nil, proto.Statusf(syscall.ENOSPC, "no group has more than %d MB free", d.cfg.ReservedMB)
	}
	return nil, proto.Statusf(syscall.ENOENT, "no active storage")
}

// SelectFetch picks the storage server that should serve a download from
// group.
func (d *Directory) SelectFetch(group string) (proto.ServerAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g := d.current.Load().Group(group)
	if g == nil || len(g.Active) == 0 {
		return proto.ServerAddr{}, proto.Statusf(syscall.ENOENT, "group %s has no active storage", group)
	}
	cur := cursor(d.readServer[group], len(g.Active))
	st := g.Active[cur]
	d.readServer[group] = (cur + 1) % len(g.Active)
	return proto.ServerAddr{Group: g.Name, IP: st.IP, Port: g.StoragePort}, nil
}

// cursor returns cur when it still indexes a list of n active servers,
// which may have shrunk since it was stored, and 0 otherwise.
func cursor(cur, n int) int {
	if cur < 0 || cur >= n {
		return 0
	}
	return cur
}
