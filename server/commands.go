package server

import (
	"snowsync/netchan"
	"snowsync/protocol"
)

// newRouter 指令 → 处理函数映射；FULL_UPDATE 与 END_GAME 只由服务端发出，来自客户端时按未知指令处理
func (r *Registry) newRouter() *netchan.Router[*ConnectionRecord] {
	rt := netchan.NewRouter[*ConnectionRecord]("dispatch")
	rt.Handle(protocol.CmdServerConnect, r.onServerConnect)
	rt.Handle(protocol.CmdPlayerJoined, r.onPlayerJoined)
	rt.Handle(protocol.CmdPlayerDisconnect, r.onPlayerDisconnect)
	rt.Handle(protocol.CmdPlayerMove, r.onGenericCommand)
	rt.Handle(protocol.CmdPlayerFire, r.onGenericCommand)
	rt.OnUnknown = func(rec *ConnectionRecord, err error) {
		r.metrics.IncUnknownCommand()
		r.log.Debugw("unknown command", "client_id", rec.ClientID, "err", err)
	}
	return rt
}

// onServerConnect 回复接入消息：回显发起方 seq（即确认），只发给发起连接
func (r *Registry) onServerConnect(rec *ConnectionRecord, msg *protocol.Message, _ protocol.CommandPayload) error {
	if rec.closed() {
		return nil
	}
	accept, err := protocol.NewCommand(protocol.CmdServerConnect, protocol.AcceptPayload{
		ClientID:  rec.ClientID,
		GameClock: float64(r.tick),
		TickRate:  r.cfg.TickRate,
		Session:   r.session.String(),
	})
	if err != nil {
		return err
	}
	if rec.State == StateConnecting {
		rec.State = StateUnjoined
	}
	r.log.Debugw("accepting client", "client_id", rec.ClientID, "seq", msg.Seq, "state", rec.State)
	return r.sendTo(rec, protocol.Message{ClientID: rec.ClientID, Seq: msg.Seq, Cmds: protocol.Commands{accept}})
}

// onPlayerJoined 玩家进入对局：通知玩法，再包含发起者在内广播，
// 让所有客户端看到同一个 join 顺序（发起者收到的回显即确认）
func (r *Registry) onPlayerJoined(rec *ConnectionRecord, msg *protocol.Message, cmd protocol.CommandPayload) error {
	if rec.closed() {
		return nil
	}
	if rec.Enabled {
		r.log.Debugw("duplicate join ignored", "client_id", rec.ClientID)
		return r.relay(rec, msg.Seq, cmd, true)
	}
	join, err := protocol.DecodeData[protocol.JoinPayload](cmd)
	if err != nil {
		return err
	}
	rec.Enabled = true
	rec.State = StateJoined
	rec.Nickname = join.Nickname
	rec.Theme = join.Theme
	r.metrics.IncJoined()
	r.log.Infow("player joined", "client_id", rec.ClientID, "nickname", join.Nickname)

	r.game.OnClientJoined(rec.ClientID, join)
	return r.relay(rec, msg.Seq, cmd, true)
}

// onGenericCommand 已 join 连接的游戏指令：交给玩法，再广播给其他连接
func (r *Registry) onGenericCommand(rec *ConnectionRecord, msg *protocol.Message, cmd protocol.CommandPayload) error {
	if rec.closed() {
		return nil
	}
	if !rec.Enabled {
		r.log.Debugw("ignoring command from unjoined client", "client_id", rec.ClientID, "cmd", cmd.Cmd)
		return nil
	}
	r.game.OnGenericCommand(rec.ClientID, cmd)
	return r.relay(rec, msg.Seq, cmd, false)
}

// onPlayerDisconnect 客户端主动断开
func (r *Registry) onPlayerDisconnect(rec *ConnectionRecord, _ *protocol.Message, _ protocol.CommandPayload) error {
	if rec.closed() {
		return nil
	}
	r.removeClient(rec.ClientID, "player disconnect")
	return nil
}

// relay 以发起者的 id 与 seq 转发单条指令
func (r *Registry) relay(rec *ConnectionRecord, seq uint32, cmd protocol.CommandPayload, includeOrigin bool) error {
	b, err := protocol.Encode(protocol.Message{ClientID: rec.ClientID, Seq: seq, Cmds: protocol.Commands{cmd}})
	if err != nil {
		return err
	}
	r.broadcast(rec.ClientID, b, includeOrigin)
	return nil
}
