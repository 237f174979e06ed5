package client

import (
	"snowsync/netchan"
	"snowsync/protocol"
)

// newRouter 客户端指令表；FULL_UPDATE 直接写入快照仓库
func (c *Client) newRouter() *netchan.Router[*Client] {
	rt := netchan.NewRouter[*Client]("client")
	rt.Observe = (*Client).observe
	rt.WorldUpdate = func(c *Client, states []protocol.EntityState) error {
		c.store.AddAll(states)
		return nil
	}
	rt.Handle(protocol.CmdServerConnect, (*Client).onServerConnect)
	rt.Handle(protocol.CmdPlayerJoined, (*Client).onPlayerJoined)
	rt.Handle(protocol.CmdPlayerDisconnect, (*Client).onPlayerDisconnect)
	rt.Handle(protocol.CmdPlayerMove, (*Client).onGameCommand)
	rt.Handle(protocol.CmdPlayerFire, (*Client).onGameCommand)
	rt.Handle(protocol.CmdEndGame, (*Client).onEndGame)
	return rt
}

// observe 路由前处理确认：id 为自己且不是世界更新的消息即为对 seq 的回显
func (c *Client) observe(msg *protocol.Message) {
	if c.clientID == 0 && msg.Has(protocol.CmdServerConnect) && msg.ClientID != 0 {
		c.clientID = msg.ClientID
		c.channel.SetClientID(msg.ClientID)
		c.reconciler.SetLocalClient(msg.ClientID)
	}
	if msg.ClientID == 0 || msg.ClientID != c.clientID || msg.Has(protocol.CmdFullUpdate) {
		return
	}
	if c.channel.OnAck(msg.Seq, c.clock.Now()) {
		c.log.Debugw("acked", "seq", msg.Seq, "latency", c.channel.Latency())
	}
}

// onServerConnect 接入应答：同步时钟并通知应用层
func (c *Client) onServerConnect(msg *protocol.Message, cmd protocol.CommandPayload) error {
	accept, err := protocol.DecodeData[protocol.AcceptPayload](cmd)
	if err != nil {
		return err
	}
	if accept.ClientID != c.clientID {
		c.log.Warnw("accept id mismatch", "header", c.clientID, "payload", accept.ClientID)
	}
	if accept.Session != c.session {
		// 服务端重启后 tick 从头开始：旧会话的快照与实体全部作废
		if c.session != "" {
			c.log.Infow("new server session, dropping previous world", "old", c.session, "new", accept.Session)
			c.reconciler.Clear()
		}
		c.store.Reset()
		c.session = accept.Session
	}
	c.gameClock = accept.GameClock
	if accept.TickRate > 0 {
		c.tickRate = accept.TickRate
	}
	c.synced = true
	c.log.Infow("connected", "client_id", c.clientID, "session", c.session, "game_clock", c.gameClock)
	if c.sink != nil {
		c.sink.OnConnected(accept)
	}
	return nil
}

func (c *Client) onPlayerJoined(msg *protocol.Message, cmd protocol.CommandPayload) error {
	join, err := protocol.DecodeData[protocol.JoinPayload](cmd)
	if err != nil {
		return err
	}
	c.peers[msg.ClientID] = join.Nickname
	if msg.ClientID == c.clientID {
		c.joined = true
	}
	c.notify(msg, cmd)
	return nil
}

func (c *Client) onPlayerDisconnect(msg *protocol.Message, cmd protocol.CommandPayload) error {
	rm, err := protocol.DecodeData[protocol.RemovePayload](cmd)
	if err != nil {
		return err
	}
	delete(c.peers, rm.ClientID)
	c.notify(msg, cmd)
	return nil
}

func (c *Client) onGameCommand(msg *protocol.Message, cmd protocol.CommandPayload) error {
	c.notify(msg, cmd)
	return nil
}

// onEndGame 先通知应用层，再断开
func (c *Client) onEndGame(msg *protocol.Message, cmd protocol.CommandPayload) error {
	c.notify(msg, cmd)
	c.disconnect("game ended")
	return nil
}

func (c *Client) notify(msg *protocol.Message, cmd protocol.CommandPayload) {
	if c.sink != nil {
		c.sink.OnMessage(msg, cmd)
	}
}
