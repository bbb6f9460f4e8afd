// Package cluster keeps the tracker's in-memory directory of storage groups
// and storage servers.
//
// Readers take the current Snapshot without locking. Writers serialize on a
// single mutex, mutate a private copy of the current snapshot and publish it
// with an atomic pointer swap. Sessions holding an older snapshot notice via
// Snapshot.Dirty and re-resolve their group and storage by name.
package cluster

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/rs/zerolog"
)

// SyncToFileFreq is the number of beat updates between roster saves.
const SyncToFileFreq = 1000

// Policy selects the group that receives new uploads.
type Policy int

const (
	PolicyRoundRobin Policy = iota
	PolicySpecifiedGroup
	PolicyLoadBalance
)

func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round_robin"
	case PolicySpecifiedGroup:
		return "specified_group"
	case PolicyLoadBalance:
		return "load_balance"
	}
	return "unknown"
}

// ParsePolicy converts a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "round_robin":
		return PolicyRoundRobin, nil
	case "specified_group":
		return PolicySpecifiedGroup, nil
	case "load_balance":
		return PolicyLoadBalance, nil
	}
	return 0, fmt.Errorf("unknown store lookup policy %q", s)
}

// Persister saves the storage roster.
type Persister interface {
	SaveStorages(s *Snapshot) error
}

// Config holds directory settings.
type Config struct {
	Policy     Policy
	StoreGroup string // used by PolicySpecifiedGroup
	ReservedMB int64  // groups at or below this free space take no uploads
	Persister  Persister
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Directory is the tracker's view of the cluster.
type Directory struct {
	cfg     Config
	logger  zerolog.Logger
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex // serializes writers and guards the cursors below
	writeGroup  string
	writeServer map[string]int
	readServer  map[string]int
	statChanges int

	persistMu sync.Mutex
	persisted uint64
}

// errUnchanged aborts an update without publishing a new generation.
var errUnchanged = errors.New("unchanged")

// New creates an empty directory.
func New(cfg Config) *Directory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Directory{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "directory").Logger(),
		writeServer: make(map[string]int),
		readServer:  make(map[string]int),
	}
	d.current.Store(&Snapshot{dir: d})
	return d
}

// Current returns the latest published snapshot.
func (d *Directory) Current() *Snapshot {
	return d.current.Load()
}

// Restore replaces the directory contents with groups loaded from a saved
// roster. Storages that were serving are marked offline until they rejoin.
func (d *Directory) Restore(groups []*Group) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.current.Load()
	next := &Snapshot{Generation: cur.Generation + 1, dir: d}
	for _, g := range groups {
		g = g.clone()
		for _, st := range g.Storages {
			if st.Status.Serving() {
				st.Status = proto.StatusOffline
			}
		}
		g.refresh()
		next.insertGroup(g)
	}
	d.current.Store(next)
	d.persisted = next.Generation
	d.logger.Info().Int("groups", len(next.Groups)).Int("storages", next.StorageCount()).Msg("roster restored")
}

// update applies fn to a copy of the current snapshot and publishes it.
// When persist is returned true the roster is saved before update returns.
func (d *Directory) update(fn func(next *Snapshot) (persist bool, err error)) (*Snapshot, error) {
	d.mu.Lock()
	cur := d.current.Load()
	next := cur.clone()
	persist, err := fn(next)
	if err != nil {
		d.mu.Unlock()
		if errors.Is(err, errUnchanged) {
			return cur, nil
		}
		return cur, err
	}
	next.Generation = cur.Generation + 1
	for _, g := range next.Groups {
		g.refresh()
	}
	d.current.Store(next)
	if d.cfg.Policy == PolicyLoadBalance {
		d.rebalanceLocked(next)
	}
	d.mu.Unlock()

	if persist {
		if err := d.save(); err != nil {
			return next, err
		}
	}
	return next, nil
}

// save writes the latest snapshot unless it has already been written.
func (d *Directory) save() error {
	if d.cfg.Persister == nil {
		return nil
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	s := d.current.Load()
	if s.Generation <= d.persisted {
		return nil
	}
	if err := d.cfg.Persister.SaveStorages(s); err != nil {
		d.logger.Error().Err(err).Uint64("generation", s.Generation).Msg("failed to save storage roster")
		return fmt.Errorf("save storages: %w", err)
	}
	d.persisted = s.Generation
	return nil
}

// Save forces a roster write of the current snapshot.
func (d *Directory) Save() error {
	return d.save()
}

func lookup(s *Snapshot, group, ip string) (*Group, *Storage, error) {
	g := s.Group(group)
	if g == nil {
		return nil, nil, proto.Statusf(syscall.ENOENT, "group %s not found", group)
	}
	st := g.Storage(ip)
	if st == nil {
		return g, nil, proto.Statusf(syscall.ENOENT, "storage %s not found in group %s", ip, group)
	}
	return g, st, nil
}

// AddGroupAndStorage registers a storage server, creating its group on
// first use. Joining again is a no-op except that an offline storage comes
// back online.
func (d *Directory) AddGroupAndStorage(group, ip string, port int) (*Snapshot, error) {
	if err := proto.ValidateGroupName(group); err != nil {
		return nil, err
	}
	if port <= 0 {
		return nil, proto.Statusf(syscall.EINVAL, "invalid storage port %d", port)
	}
	return d.update(func(s *Snapshot) (bool, error) {
		g := s.Group(group)
		if g == nil {
			g = &Group{Name: group, StoragePort: port}
			s.insertGroup(g)
			d.logger.Info().Str("group", group).Int("port", port).Msg("group added")
		} else if g.StoragePort != port {
			return false, proto.Statusf(syscall.EINVAL, "group %s uses port %d, storage %s joined with %d",
				group, g.StoragePort, ip, port)
		}

		st := g.Storage(ip)
		if st == nil {
			if len(g.Storages) >= proto.MaxServersInGroup {
				return false, proto.Statusf(syscall.ENOSPC, "group %s is full", group)
			}
			g.insertStorage(&Storage{IP: ip, Status: proto.StatusInit, JoinedAt: d.cfg.Now()})
			g.Version++
			d.logger.Info().Str("group", group).Str("ip", ip).Msg("storage added")
			return true, nil
		}
		if st.Status == proto.StatusOffline {
			st.Status = proto.StatusOnline
			g.Version++
			return true, nil
		}
		return false, errUnchanged
	})
}

// SetStatus moves a storage to status.
func (d *Directory) SetStatus(group, ip string, status proto.StorageStatus) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		g, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		if st.Status == status {
			return false, errUnchanged
		}
		d.logger.Info().Str("group", group).Str("ip", ip).
			Stringer("from", st.Status).Stringer("to", status).Msg("storage status changed")
		st.Status = status
		g.Version++
		return true, nil
	})
	return err
}

// ActivateStorage promotes an online storage to active once it reports.
func (d *Directory) ActivateStorage(group, ip string) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		g, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		if st.Status != proto.StatusOnline {
			return false, errUnchanged
		}
		st.Status = proto.StatusActive
		g.Version++
		return true, nil
	})
	return err
}

// OfflineStorage marks a storage offline after its connection dropped.
func (d *Directory) OfflineStorage(group, ip string) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		g, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		switch st.Status {
		case proto.StatusInit, proto.StatusDeactive, proto.StatusOffline:
			return false, errUnchanged
		}
		d.logger.Info().Str("group", group).Str("ip", ip).Stringer("from", st.Status).Msg("storage offline")
		st.Status = proto.StatusOffline
		g.Version++
		return true, nil
	})
	return err
}

// UpdateDiskStat records the capacity a storage reported.
func (d *Directory) UpdateDiskStat(group, ip string, totalMB, freeMB int64) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		_, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		st.TotalMB = totalMB
		st.FreeMB = freeMB
		return false, nil
	})
	return err
}

// UpdateStat records a heartbeat, with its counters when present. The
// roster is saved every SyncToFileFreq beats.
func (d *Directory) UpdateStat(group, ip string, stat *proto.StorageStat) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		_, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		if stat != nil {
			st.Stat = *stat
		}
		st.LastBeat = d.cfg.Now()
		d.statChanges++
		return d.statChanges%SyncToFileFreq == 0, nil
	})
	return err
}

// SyncNotify applies a storage's report about its own synchronization.
// An empty source means the storage has caught up and goes online.
// Otherwise a new storage starts waiting for src, which is recorded unless
// a source was already assigned.
func (d *Directory) SyncNotify(group, ip string, src proto.SyncSource) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		g, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		if src.IP == "" {
			switch st.Status {
			case proto.StatusInit, proto.StatusWaitSync, proto.StatusSyncing:
				st.Status = proto.StatusOnline
				g.Version++
				return true, nil
			}
			return false, errUnchanged
		}

		if st.SyncSrc == "" && g.Storage(src.IP) == nil {
			return false, proto.Statusf(syscall.ENOENT, "sync source %s not found in group %s", src.IP, group)
		}
		changed := false
		if st.Status == proto.StatusInit {
			st.Status = proto.StatusWaitSync
			g.Version++
			changed = true
		}
		if st.SyncSrc == "" {
			st.SyncSrc = src.IP
			st.SyncUntil = src.Until
			changed = true
		}
		if !changed {
			return false, errUnchanged
		}
		return true, nil
	})
	return err
}

// SyncSourceOf returns the source a destination storage replays old files
// from. ok is false when none was assigned.
func (d *Directory) SyncSourceOf(group, destIP string) (src proto.SyncSource, ok bool, err error) {
	_, st, err := lookup(d.Current(), group, destIP)
	if err != nil {
		return proto.SyncSource{}, false, err
	}
	if st.Status == proto.StatusInit {
		return proto.SyncSource{}, false, proto.Statusf(syscall.ENOENT, "storage %s has not started syncing", destIP)
	}
	if st.SyncSrc == "" {
		return proto.SyncSource{}, false, nil
	}
	return proto.SyncSource{IP: st.SyncSrc, Until: st.SyncUntil}, true, nil
}

// DestSyncSource picks the member a newly joined storage should copy
// existing files from. An empty result means there is nothing to copy.
func (d *Directory) DestSyncSource(group, ip string) (string, error) {
	g, _, err := lookup(d.Current(), group, ip)
	if err != nil {
		return "", err
	}
	if len(g.Storages) <= 1 || g.SuccessUploads() <= 0 {
		return "", nil
	}
	for _, st := range g.Active {
		if st.IP != ip {
			return st.IP, nil
		}
	}
	return "", proto.Statusf(syscall.ENOENT, "no sync source available in group %s", group)
}

// ConfirmDestSync records the source chosen by DestSyncSource once the
// storage acknowledged it.
func (d *Directory) ConfirmDestSync(group, ip string, src proto.SyncSource) error {
	_, err := d.update(func(s *Snapshot) (bool, error) {
		g, st, err := lookup(s, group, ip)
		if err != nil {
			return false, err
		}
		st.SyncSrc = src.IP
		st.SyncUntil = src.Until
		if st.Status != proto.StatusWaitSync {
			st.Status = proto.StatusWaitSync
			g.Version++
		}
		return true, nil
	})
	return err
}

// SyncStorages reconciles a group against a member list pushed by one of
// its storages. Missing members are added and statuses updated. When the
// reporter lists itself the list is the reporter's full view of the group,
// and members absent from it are removed.
func (d *Directory) SyncStorages(group, reporterIP string, briefs []proto.Brief) error {
	full := false
	for _, b := range briefs {
		if b.IP == reporterIP {
			full = true
			break
		}
	}

	_, err := d.update(func(s *Snapshot) (bool, error) {
		g := s.Group(group)
		if g == nil {
			return false, proto.Statusf(syscall.ENOENT, "group %s not found", group)
		}
		changed := false
		seen := make(map[string]bool, len(briefs))
		for _, b := range briefs {
			if b.IP == "" {
				continue
			}
			seen[b.IP] = true
			st := g.Storage(b.IP)
			if st == nil {
				if len(g.Storages) >= proto.MaxServersInGroup {
					d.logger.Warn().Str("group", group).Str("ip", b.IP).Msg("group full, ignoring reported storage")
					continue
				}
				g.insertStorage(&Storage{IP: b.IP, Status: b.Status, JoinedAt: d.cfg.Now()})
				changed = true
				continue
			}
			if st.Status != b.Status {
				st.Status = b.Status
				changed = true
			}
		}
		if full {
			for _, st := range append([]*Storage(nil), g.Storages...) {
				if !seen[st.IP] {
					g.removeStorage(st.IP)
					changed = true
				}
			}
		}
		if !changed {
			return false, errUnchanged
		}
		g.Version++
		return true, nil
	})
	return err
}

// ListGroups describes every group.
func (d *Directory) ListGroups() []proto.GroupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.current.Load()
	infos := make([]proto.GroupInfo, len(s.Groups))
	for i, g := range s.Groups {
		infos[i] = proto.GroupInfo{
			Name:               g.Name,
			FreeMB:             g.FreeMB,
			Count:              len(g.Storages),
			StoragePort:        g.StoragePort,
			ActiveCount:        len(g.Active),
			CurrentWriteServer: cursor(d.writeServer[g.Name], len(g.Active)),
		}
	}
	return infos
}

// ListStorages describes every member of group.
func (d *Directory) ListStorages(group string) ([]proto.StorageInfo, error) {
	g := d.Current().Group(group)
	if g == nil {
		return nil, proto.Statusf(syscall.ENOENT, "group %s not found", group)
	}
	infos := make([]proto.StorageInfo, len(g.Storages))
	for i, st := range g.Storages {
		infos[i] = proto.StorageInfo{
			Status:  st.Status,
			IP:      st.IP,
			TotalMB: st.TotalMB,
			FreeMB:  st.FreeMB,
			Stat:    st.Stat,
		}
	}
	return infos, nil
}
