package tracker

import (
	"github.com/filemesh/filemesh/pkg/proto"
)

func (s *session) handleJoin(h proto.Header) (bool, error) {
	body, err := s.readBody(h, exactly(proto.JoinBodySize))
	if err != nil {
		return s.fail(proto.CmdStorageResp, err)
	}
	d := proto.NewDecoder(body)
	group := d.Fixed(proto.GroupNameMaxLen)
	port := int(d.Hex())
	if err := d.Err(); err != nil {
		return s.respond(proto.CmdStorageResp, err, nil)
	}

	if _, err := s.srv.dir.AddGroupAndStorage(group, s.ip, port); err != nil {
		s.logger.Warn().Err(err).Str("group", group).Int("port", port).Msg("join rejected")
		return s.respond(proto.CmdStorageResp, err, nil)
	}
	if s.state == stateNew {
		s.state = stateJoined
	}
	s.group = group
	s.logger = s.logger.With().Str("group", group).Logger()
	s.logger.Debug().Int("port", port).Msg("storage joined")
	return s.checkAndSync(nil)
}

func (s *session) handleBeat(h proto.Header) (bool, error) {
	body, err := s.readBody(h, func(n int64) bool { return n == 0 || n == proto.StorageStatSize })
	if err != nil {
		return s.fail(proto.CmdStorageResp, err)
	}
	var stat *proto.StorageStat
	if len(body) > 0 {
		stat = &proto.StorageStat{}
		d := proto.NewDecoder(body)
		stat.Get(d)
		if err := d.Err(); err != nil {
			return s.respond(proto.CmdStorageResp, err, nil)
		}
	}

	err = s.srv.dir.UpdateStat(s.group, s.ip, stat)
	if err == nil {
		err = s.activate()
	}
	return s.checkAndSync(err)
}

func (s *session) handleReport(h proto.Header) (bool, error) {
	body, err := s.readBody(h, exactly(proto.ReportBodySize))
	if err != nil {
		return s.fail(proto.CmdStorageResp, err)
	}
	d := proto.NewDecoder(body)
	totalMB, freeMB := d.Hex(), d.Hex()
	if err := d.Err(); err != nil {
		return s.respond(proto.CmdStorageResp, err, nil)
	}

	err = s.srv.dir.UpdateDiskStat(s.group, s.ip, totalMB, freeMB)
	if err == nil {
		err = s.activate()
	}
	return s.checkAndSync(err)
}

// activate promotes the storage after a beat or report.
func (s *session) activate() error {
	if err := s.srv.dir.ActivateStorage(s.group, s.ip); err != nil {
		return err
	}
	s.state = stateActive
	return nil
}

func (s *session) handleReplicaChg(h proto.Header) (bool, error) {
	body, err := s.readBody(h, func(n int64) bool {
		return n > 0 && n%proto.BriefSize == 0 && n <= proto.MaxServersInGroup*proto.BriefSize
	})
	if err != nil {
		return s.fail(proto.CmdStorageResp, err)
	}
	briefs, err := proto.DecodeBriefs(body)
	if err != nil {
		return s.respond(proto.CmdStorageResp, err, nil)
	}
	err = s.srv.dir.SyncStorages(s.group, s.ip, briefs)
	return s.respond(proto.CmdStorageResp, err, nil)
}

func (s *session) handleSyncSrcReq(h proto.Header) (bool, error) {
	body, err := s.readBody(h, exactly(proto.IPAddrSize))
	if err != nil {
		return s.fail(proto.CmdServerResp, err)
	}
	destIP := proto.TrimNUL(body)

	src, ok, err := s.srv.dir.SyncSourceOf(s.group, destIP)
	if err != nil || !ok {
		return s.respond(proto.CmdServerResp, err, nil)
	}
	return s.respond(proto.CmdServerResp, nil, src.Encode())
}

// handleSyncDestReq hands a newly joined storage the member to copy
// existing files from. The storage acknowledges with a STORAGE_RESP header
// before the assignment is recorded.
func (s *session) handleSyncDestReq(h proto.Header) (bool, error) {
	if _, err := s.readBody(h, exactly(0)); err != nil {
		return s.fail(proto.CmdServerResp, err)
	}

	srcIP, err := s.srv.dir.DestSyncSource(s.group, s.ip)
	if err != nil {
		return s.respond(proto.CmdServerResp, err, nil)
	}
	if srcIP == "" {
		err := s.srv.dir.SetStatus(s.group, s.ip, proto.StatusOnline)
		return s.respond(proto.CmdServerResp, err, nil)
	}

	src := proto.SyncSource{IP: srcIP, Until: s.srv.cfg.Now().Unix()}
	if keep, err := s.respond(proto.CmdServerResp, nil, src.Encode()); err != nil || !keep {
		return keep, err
	}

	ack, err := proto.ReadHeader(s.conn)
	if err != nil {
		return false, err
	}
	if err := proto.Discard(s.conn, ack.Length); err != nil {
		return false, err
	}
	if ack.Cmd != proto.CmdStorageResp || ack.Status != proto.StatusOK {
		s.logger.Warn().Stringer("cmd", ack.Cmd).Uint8("status", ack.Status).Msg("sync source not acknowledged")
		return false, nil
	}

	if err := s.srv.dir.ConfirmDestSync(s.group, s.ip, src); err != nil {
		return false, err
	}
	s.logger.Info().Str("src", src.IP).Int64("until", src.Until).Msg("sync source assigned")
	return true, nil
}

func (s *session) handleSyncNotify(h proto.Header) (bool, error) {
	body, err := s.readBody(h, exactly(proto.SyncBodySize))
	if err != nil {
		return s.fail(proto.CmdStorageResp, err)
	}
	src, err := proto.DecodeSyncSource(body)
	if err != nil {
		return s.respond(proto.CmdStorageResp, err, nil)
	}
	return s.checkAndSync(s.srv.dir.SyncNotify(s.group, s.ip, src))
}

func (s *session) handleQueryStore(h proto.Header) (bool, error) {
	if _, err := s.readBody(h, exactly(0)); err != nil {
		return s.fail(proto.CmdServiceResp, err)
	}
	addr, err := s.srv.dir.SelectStore()
	if err != nil {
		return s.respond(proto.CmdServiceResp, err, nil)
	}
	return s.respond(proto.CmdServiceResp, nil, addr.Encode())
}

func (s *session) handleQueryFetch(h proto.Header) (bool, error) {
	body, err := s.readBody(h, func(n int64) bool {
		return n > proto.GroupNameMaxLen && n <= proto.GroupNameMaxLen+proto.MaxFilenameLen
	})
	if err != nil {
		return s.fail(proto.CmdServiceResp, err)
	}
	id, err := proto.DecodeFileID(body)
	if err != nil {
		return s.respond(proto.CmdServiceResp, err, nil)
	}
	addr, err := s.srv.dir.SelectFetch(id.Group)
	if err != nil {
		return s.respond(proto.CmdServiceResp, err, nil)
	}
	return s.respond(proto.CmdServiceResp, nil, addr.Encode())
}

func (s *session) handleListGroups(h proto.Header) (bool, error) {
	if _, err := s.readBody(h, exactly(0)); err != nil {
		return s.fail(proto.CmdServerResp, err)
	}
	return s.respond(proto.CmdServerResp, nil, proto.EncodeGroupInfos(s.srv.dir.ListGroups()))
}

func (s *session) handleListStorages(h proto.Header) (bool, error) {
	body, err := s.readBody(h, exactly(proto.GroupNameMaxLen))
	if err != nil {
		return s.fail(proto.CmdServerResp, err)
	}
	group := proto.TrimNUL(body)
	if err := proto.ValidateGroupName(group); err != nil {
		return s.respond(proto.CmdServerResp, err, nil)
	}
	infos, err := s.srv.dir.ListStorages(group)
	if err != nil {
		return s.respond(proto.CmdServerResp, err, nil)
	}
	return s.respond(proto.CmdServerResp, nil, proto.EncodeStorageInfos(infos))
}
