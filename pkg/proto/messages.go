package proto

import (
	"syscall"
)

// Body sizes of the fixed-layout messages.
const (
	BriefSize         = 1 + IPAddrSize
	StorageStatSize   = 12 * PkgLenSize
	JoinBodySize      = GroupNameMaxLen + PkgLenSize
	ReportBodySize    = 2 * PkgLenSize
	SyncBodySize      = IPAddrSize + PkgLenSize
	ServerAddrSize    = GroupNameMaxLen + IPAddrSize + PkgLenSize
	GroupInfoSize     = GroupNameMaxLen + 5*PkgLenSize
	StorageInfoSize   = 1 + IPAddrSize + 2*PkgLenSize + StorageStatSize
	MaxServersInGroup = 32
)

// ValidateGroupName rejects empty, oversized and non-alphanumeric names.
func ValidateGroupName(name string) error {
	if name == "" {
		return Statusf(syscall.EINVAL, "empty group name")
	}
	if len(name) > GroupNameMaxLen {
		return Statusf(syscall.EINVAL, "group name %q longer than %d", name, GroupNameMaxLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return Statusf(syscall.EINVAL, "group name %q contains invalid character %q", name, c)
	}
	return nil
}

// Brief is the status of one group member as pushed to storage nodes.
type Brief struct {
	Status StorageStatus
	IP     string
}

// EncodeBriefs renders a brief list.
func EncodeBriefs(briefs []Brief) []byte {
	b := NewBuilder(len(briefs) * BriefSize)
	for _, br := range briefs {
		b.Byte(byte(br.Status)).Fixed(br.IP, IPAddrSize)
	}
	return b.Bytes()
}

// DecodeBriefs parses a brief list. The body must be a whole number of
// briefs.
func DecodeBriefs(body []byte) ([]Brief, error) {
	if len(body)%BriefSize != 0 {
		return nil, Statusf(syscall.EINVAL, "brief list length %d is not a multiple of %d", len(body), BriefSize)
	}
	d := NewDecoder(body)
	briefs := make([]Brief, 0, len(body)/BriefSize)
	for d.Remaining() > 0 {
		st := StorageStatus(d.Byte())
		ip := d.Fixed(IPAddrSize)
		briefs = append(briefs, Brief{Status: st, IP: ip})
	}
	return briefs, d.Err()
}

// StorageStat holds the per-storage operation counters sent with beats.
type StorageStat struct {
	TotalUpload      int64 `json:"total_upload"`
	SuccessUpload    int64 `json:"success_upload"`
	TotalDownload    int64 `json:"total_download"`
	SuccessDownload  int64 `json:"success_download"`
	TotalSetMeta     int64 `json:"total_set_meta"`
	SuccessSetMeta   int64 `json:"success_set_meta"`
	TotalDelete      int64 `json:"total_delete"`
	SuccessDelete    int64 `json:"success_delete"`
	TotalGetMeta     int64 `json:"total_get_meta"`
	SuccessGetMeta   int64 `json:"success_get_meta"`
	LastSourceUpdate int64 `json:"last_source_update"`
	LastSyncUpdate   int64 `json:"last_sync_update"`
}

func (s *StorageStat) fields() []*int64 {
	return []*int64{
		&s.TotalUpload, &s.SuccessUpload,
		&s.TotalDownload, &s.SuccessDownload,
		&s.TotalSetMeta, &s.SuccessSetMeta,
		&s.TotalDelete, &s.SuccessDelete,
		&s.TotalGetMeta, &s.SuccessGetMeta,
		&s.LastSourceUpdate, &s.LastSyncUpdate,
	}
}

// Put appends the counters to b.
func (s StorageStat) Put(b *Builder) {
	for _, f := range s.fields() {
		b.Hex(*f)
	}
}

// Get reads the counters from d.
func (s *StorageStat) Get(d *Decoder) {
	for _, f := range s.fields() {
		*f = d.Hex()
	}
}

// ServerAddr is the answer to a store or fetch query.
type ServerAddr struct {
	Group string
	IP    string
	Port  int
}

// Encode renders the address.
func (a ServerAddr) Encode() []byte {
	return NewBuilder(ServerAddrSize).
		Fixed(a.Group, GroupNameMaxLen).
		Fixed(a.IP, IPAddrSize).
		Hex(int64(a.Port)).
		Bytes()
}

// DecodeServerAddr parses a store or fetch query response.
func DecodeServerAddr(body []byte) (ServerAddr, error) {
	if len(body) != ServerAddrSize {
		return ServerAddr{}, Statusf(syscall.EINVAL, "server address length %d, expected %d", len(body), ServerAddrSize)
	}
	d := NewDecoder(body)
	a := ServerAddr{Group: d.Fixed(GroupNameMaxLen), IP: d.Fixed(IPAddrSize), Port: int(d.Hex())}
	return a, d.Err()
}

// SyncSource names the storage a node replays old files from, and the
// timestamp up to which that source is responsible.
type SyncSource struct {
	IP    string
	Until int64
}

// Encode renders the source.
func (s SyncSource) Encode() []byte {
	return NewBuilder(SyncBodySize).Fixed(s.IP, IPAddrSize).Hex(s.Until).Bytes()
}

// DecodeSyncSource parses a sync source body.
func DecodeSyncSource(body []byte) (SyncSource, error) {
	if len(body) != SyncBodySize {
		return SyncSource{}, Statusf(syscall.EINVAL, "sync body length %d, expected %d", len(body), SyncBodySize)
	}
	d := NewDecoder(body)
	s := SyncSource{IP: d.Fixed(IPAddrSize), Until: d.Hex()}
	return s, d.Err()
}

// GroupInfo is one entry of a list-groups response.
type GroupInfo struct {
	Name               string
	FreeMB             int64
	Count              int
	StoragePort        int
	ActiveCount        int
	CurrentWriteServer int
}

// EncodeGroupInfos renders a list-groups response.
func EncodeGroupInfos(groups []GroupInfo) []byte {
	b := NewBuilder(len(groups) * GroupInfoSize)
	for _, g := range groups {
		b.Fixed(g.Name, GroupNameMaxLen).
			Hex(g.FreeMB).
			Hex(int64(g.Count)).
			Hex(int64(g.StoragePort)).
			Hex(int64(g.ActiveCount)).
			Hex(int64(g.CurrentWriteServer))
	}
	return b.Bytes()
}

// DecodeGroupInfos parses a list-groups response.
func DecodeGroupInfos(body []byte) ([]GroupInfo, error) {
	if len(body)%GroupInfoSize != 0 {
		return nil, Statusf(syscall.EINVAL, "group list length %d is not a multiple of %d", len(body), GroupInfoSize)
	}
	d := NewDecoder(body)
	var groups []GroupInfo
	for d.Remaining() > 0 {
		groups = append(groups, GroupInfo{
			Name:               d.Fixed(GroupNameMaxLen),
			FreeMB:             d.Hex(),
			Count:              int(d.Hex()),
			StoragePort:        int(d.Hex()),
			ActiveCount:        int(d.Hex()),
			CurrentWriteServer: int(d.Hex()),
		})
	}
	return groups, d.Err()
}

// StorageInfo is one entry of a list-storages response.
type StorageInfo struct {
	Status  StorageStatus
	IP      string
	TotalMB int64
	FreeMB  int64
	Stat    StorageStat
}

// EncodeStorageInfos renders a list-storages response.
func EncodeStorageInfos(storages []StorageInfo) []byte {
	b := NewBuilder(len(storages) * StorageInfoSize)
	for _, s := range storages {
		b.Byte(byte(s.Status)).Fixed(s.IP, IPAddrSize).Hex(s.TotalMB).Hex(s.FreeMB)
		s.Stat.Put(b)
	}
	return b.Bytes()
}

// DecodeStorageInfos parses a list-storages response.
func DecodeStorageInfos(body []byte) ([]StorageInfo, error) {
	if len(body)%StorageInfoSize != 0 {
		return nil, Statusf(syscall.EINVAL, "storage list length %d is not a multiple of %d", len(body), StorageInfoSize)
	}
	d := NewDecoder(body)
	var storages []StorageInfo
	for d.Remaining() > 0 {
		s := StorageInfo{
			Status:  StorageStatus(d.Byte()),
			IP:      d.Fixed(IPAddrSize),
			TotalMB: d.Hex(),
			FreeMB:  d.Hex(),
		}
		s.Stat.Get(d)
		storages = append(storages, s)
	}
	return storages, d.Err()
}

// FileID addresses a stored file: the group it lives in and its name on
// every member of that group.
type FileID struct {
	Group    string
	Filename string
}

// EncodeFileID renders group[16] followed by the filename.
func EncodeFileID(id FileID) []byte {
	return NewBuilder(GroupNameMaxLen + len(id.Filename)).
		Fixed(id.Group, GroupNameMaxLen).
		Text(id.Filename).
		Bytes()
}

// DecodeFileID parses group[16] followed by a non-empty filename.
func DecodeFileID(body []byte) (FileID, error) {
	if len(body) <= GroupNameMaxLen {
		return FileID{}, Statusf(syscall.EINVAL, "file id length %d must exceed %d", len(body), GroupNameMaxLen)
	}
	d := NewDecoder(body)
	id := FileID{Group: d.Fixed(GroupNameMaxLen), Filename: string(d.Rest())}
	return id, d.Err()
}
