// Package proto implements the binary wire protocol spoken between clients,
// trackers and storage nodes.
//
// Every message is a fixed 11-byte header followed by an optional body. The
// header carries the body length as 9 lowercase hex digits, a command code
// and a status byte. Integers inside bodies are encoded the same way, as
// fixed-width 9-byte hex fields.
package proto

import "strconv"

// Cmd is a one-byte command code.
type Cmd byte

// Tracker management commands, sent by storage nodes.
const (
	CmdStorageResp Cmd = 80
	CmdJoin        Cmd = 81
	CmdQuit        Cmd = 82
	CmdBeat        Cmd = 83
	CmdReport      Cmd = 84
	CmdReplicaChg  Cmd = 85
	CmdSyncSrcReq  Cmd = 86
	CmdSyncDestReq Cmd = 87
	CmdSyncNotify  Cmd = 88
)

// Server listing commands.
const (
	CmdListGroup   Cmd = 91
	CmdListStorage Cmd = 92
	CmdServerResp  Cmd = 93
)

// Service query commands, sent by clients to a tracker.
const (
	CmdServiceResp Cmd = 100
	CmdQueryStore  Cmd = 101
	CmdQueryFetch  Cmd = 102
)

// Storage data commands, served by storage nodes.
const (
	CmdStorageCmdResp Cmd = 10
	CmdUpload         Cmd = 11
	CmdDelete         Cmd = 12
	CmdSetMeta        Cmd = 13
	CmdDownload       Cmd = 14
	CmdGetMeta        Cmd = 15
	CmdSyncCreate     Cmd = 16
	CmdSyncDelete     Cmd = 17
	CmdSyncUpdate     Cmd = 18
)

var cmdNames = map[Cmd]string{
	CmdStorageResp:    "storage_resp",
	CmdJoin:           "join",
	CmdQuit:           "quit",
	CmdBeat:           "beat",
	CmdReport:         "report",
	CmdReplicaChg:     "replica_chg",
	CmdSyncSrcReq:     "sync_src_req",
	CmdSyncDestReq:    "sync_dest_req",
	CmdSyncNotify:     "sync_notify",
	CmdListGroup:      "list_group",
	CmdListStorage:    "list_storage",
	CmdServerResp:     "server_resp",
	CmdServiceResp:    "service_resp",
	CmdQueryStore:     "query_store",
	CmdQueryFetch:     "query_fetch",
	CmdStorageCmdResp: "storage_cmd_resp",
	CmdUpload:         "upload",
	CmdDelete:         "delete",
	CmdSetMeta:        "set_meta",
	CmdDownload:       "download",
	CmdGetMeta:        "get_meta",
	CmdSyncCreate:     "sync_create",
	CmdSyncDelete:     "sync_delete",
	CmdSyncUpdate:     "sync_update",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return "cmd_" + strconv.Itoa(int(c))
}
