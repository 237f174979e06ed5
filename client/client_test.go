package client

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"snowsync/config"
	"snowsync/netchan"
	"snowsync/protocol"
	"snowsync/snapshot"
)

type fakeTransport struct {
	sendCh chan []byte
	closed int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sendCh: make(chan []byte, 64)}
}

func (f *fakeTransport) Send(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sendCh <- cp
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

func (f *fakeTransport) drain(t *testing.T) []*protocol.Message {
	t.Helper()
	var out []*protocol.Message
	for {
		select {
		case b := <-f.sendCh:
			msg, err := protocol.Decode(b)
			if err != nil {
				t.Fatalf("decode outbound: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

type recordingSink struct {
	accepts      []protocol.AcceptPayload
	commands     []protocol.Command
	disconnected int
}

func (s *recordingSink) OnConnected(a protocol.AcceptPayload) { s.accepts = append(s.accepts, a) }
func (s *recordingSink) OnMessage(_ *protocol.Message, cmd protocol.CommandPayload) {
	s.commands = append(s.commands, cmd.Cmd)
}
func (s *recordingSink) OnDisconnected() { s.disconnected++ }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Client.InterpolationDelay = 0
	cfg.Client.SimulatedLag = 0
	return cfg
}

func encode(t *testing.T, id, seq uint32, cmd protocol.Command, data any) []byte {
	t.Helper()
	b, err := protocol.EncodeCommand(id, seq, cmd, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

// connect 完成握手：发送 SERVER_CONNECT，服务端以 id=7 回显
func connect(t *testing.T, c *Client, ft *fakeTransport, now time.Time, gameClock float64) {
	t.Helper()
	connectSession(t, c, ft, now, gameClock, "s")
}

func connectSession(t *testing.T, c *Client, ft *fakeTransport, now time.Time, gameClock float64, session string) {
	t.Helper()
	c.attach(ft)
	c.frame(now)
	msgs := ft.drain(t)
	if len(msgs) != 1 || msgs[0].First().Cmd != protocol.CmdServerConnect || msgs[0].Seq != 1 || msgs[0].ClientID != 0 {
		t.Fatalf("expected SERVER_CONNECT seq=1 id=0, got %+v", msgs)
	}
	c.handleFrame(encode(t, 7, 1, protocol.CmdServerConnect, protocol.AcceptPayload{
		ClientID: 7, GameClock: gameClock, TickRate: 20, Session: session,
	}))
}

func TestHandshakeAssignsIdentityAndAcks(t *testing.T) {
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, sink, nil)
	ft := newFakeTransport()

	connect(t, c, ft, clock.Now(), 100)

	if c.ClientID() != 7 || c.channel.ClientID() != 7 {
		t.Fatalf("expected client id 7, got %d/%d", c.ClientID(), c.channel.ClientID())
	}
	if _, ok := c.channel.InFlight(); ok {
		t.Fatalf("accept must acknowledge the SERVER_CONNECT")
	}
	if len(sink.accepts) != 1 || sink.accepts[0].ClientID != 7 {
		t.Fatalf("OnConnected not called: %+v", sink.accepts)
	}
	if !c.synced || c.gameClock != 100 {
		t.Fatalf("clock not synced: %v", c.gameClock)
	}
}

func TestJoinEchoActsAsAck(t *testing.T) {
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, sink, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 0)

	if err := c.enqueue(true, protocol.MustCommand(protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: "bot"})); err != nil {
		t.Fatalf("enqueue join: %v", err)
	}
	c.frame(clock.Now())
	msgs := ft.drain(t)
	if len(msgs) != 1 || msgs[0].ClientID != 7 || msgs[0].Seq != 2 {
		t.Fatalf("expected join with id=7 seq=2, got %+v", msgs)
	}

	// 其他客户端的同 seq 消息不是确认
	c.handleFrame(encode(t, 8, 2, protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: "other"}))
	if _, ok := c.channel.InFlight(); !ok {
		t.Fatalf("message from another client must not ack")
	}
	c.handleFrame(encode(t, 7, 2, protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: "bot"}))
	if _, ok := c.channel.InFlight(); ok {
		t.Fatalf("own join echo must ack")
	}
	if !c.joined || c.peers[8] != "other" {
		t.Fatalf("join bookkeeping wrong: joined=%v peers=%v", c.joined, c.peers)
	}
	if len(sink.commands) != 2 {
		t.Fatalf("expected 2 notifications, got %v", sink.commands)
	}
}

func TestWorldUpdateWithOwnIDDoesNotAck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 0)

	if err := c.enqueue(true, protocol.MustCommand(protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: "bot"})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c.frame(clock.Now())
	c.handleFrame(encode(t, 7, 2, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 1, ObjectID: 1}}))
	if _, ok := c.channel.InFlight(); !ok {
		t.Fatalf("FULL_UPDATE must never count as an ack")
	}
	if c.store.Len() != 1 {
		t.Fatalf("world update should be stored")
	}
}

func TestReliableOnlyForEchoedCommands(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 0)

	// 服务端只把 MOVE/FIRE 转发给其他客户端，可靠发送会永远占住闸门
	for _, cmd := range []protocol.Command{protocol.CmdPlayerFire, protocol.CmdPlayerMove, protocol.CmdPlayerDisconnect} {
		if err := c.enqueue(true, protocol.MustCommand(cmd, nil)); !errors.Is(err, netchan.ErrNotEchoed) {
			t.Fatalf("reliable %s: expected ErrNotEchoed, got %v", cmd, err)
		}
	}
	if _, ok := c.channel.InFlight(); ok {
		t.Fatalf("rejected commands must not occupy the reliable slot")
	}
	if err := c.enqueue(false, protocol.MustCommand(protocol.CmdPlayerFire, protocol.FirePayload{})); err != nil {
		t.Fatalf("unreliable fire: %v", err)
	}
	if err := c.enqueue(true, protocol.MustCommand(protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: "bot"})); err != nil {
		t.Fatalf("reliable join after rejection: %v", err)
	}
	c.frame(clock.Now())
	msgs := ft.drain(t)
	if len(msgs) != 1 || !msgs[0].Has(protocol.CmdPlayerJoined) {
		t.Fatalf("expected the join to be sent, got %+v", msgs)
	}
	c.handleFrame(encode(t, 7, msgs[0].Seq, protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: "bot"}))
	if _, ok := c.channel.InFlight(); ok {
		t.Fatalf("join echo should free the reliable slot")
	}
}

func TestReconnectToNewSessionDropsOldWorld(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	first := newFakeTransport()
	connectSession(t, c, first, clock.Now(), 5001, "a")
	c.handleFrame(encode(t, 0, 1, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 5000, ObjectID: 1}}))
	c.handleFrame(encode(t, 0, 2, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 5001, ObjectID: 1}}))
	c.frame(clock.Now())
	if c.reconciler.Len() != 1 {
		t.Fatalf("expected entity from the first session")
	}

	// 服务端重启：新会话 tick 从小值开始
	c.handleEvent(closedEvent{t: first, err: errors.New("eof")})
	second := newFakeTransport()
	connectSession(t, c, second, clock.Now(), 11, "b")
	if c.store.Len() != 0 {
		t.Fatalf("snapshots of the previous session must be dropped, store has %d", c.store.Len())
	}
	c.handleFrame(encode(t, 0, 1, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 10, ObjectID: 9}}))
	c.handleFrame(encode(t, 0, 2, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 11, ObjectID: 9}}))
	if newest, ok := c.store.Newest(); !ok || newest != 11 {
		t.Fatalf("new session ticks must not be treated as stale, newest=%+v ok=%v", newest, ok)
	}
	c.frame(clock.Now())
	c.frame(clock.Now())
	if _, ok := c.reconciler.Entity(9); !ok {
		t.Fatalf("entity of the new session should be created")
	}
	if _, ok := c.reconciler.Entity(1); ok {
		t.Fatalf("entity of the previous session should be removed")
	}
}

func TestReconnectToSameSessionKeepsWorld(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	first := newFakeTransport()
	connectSession(t, c, first, clock.Now(), 101, "a")
	c.handleFrame(encode(t, 0, 1, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 100, ObjectID: 1}}))
	c.handleFrame(encode(t, 0, 2, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 101, ObjectID: 1}}))
	c.frame(clock.Now())

	c.handleEvent(closedEvent{t: first})
	connectSession(t, c, newFakeTransport(), clock.Now(), 102, "a")
	if c.store.Len() != 2 || c.reconciler.Len() != 1 {
		t.Fatalf("same session reconnect should keep world, store=%d entities=%d", c.store.Len(), c.reconciler.Len())
	}
}

func TestFrameInterpolatesAtRenderTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 100.5)

	c.handleFrame(encode(t, 0, 1, protocol.CmdFullUpdate, []protocol.EntityState{
		{GameTick: 100, ObjectID: 1, EntityType: protocol.EntityFieldEntity, X: 0, Y: 0},
	}))
	c.handleFrame(encode(t, 0, 2, protocol.CmdFullUpdate, []protocol.EntityState{
		{GameTick: 101, ObjectID: 1, EntityType: protocol.EntityFieldEntity, X: 10, Y: 20},
	}))

	var frames []snapshot.Frame
	c.OnFrame = func(f snapshot.Frame) { frames = append(frames, f) }
	// 第一帧创建实体（直接放在 next 位置），第二帧插值
	c.frame(clock.Now())
	c.frame(clock.Now())
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	f := frames[1]
	if f.Deferred != nil || f.T != 0.5 || len(f.Entities) != 1 {
		t.Fatalf("unexpected frame %+v", f)
	}
	if e := f.Entities[0]; math.Abs(e.X-5) > 1e-9 || math.Abs(e.Y-10) > 1e-9 {
		t.Fatalf("expected (5,10), got (%v,%v)", e.X, e.Y)
	}
}

func TestRenderTimeSubtractsDelay(t *testing.T) {
	cfg := testConfig()
	cfg.Client.InterpolationDelay = 100 * time.Millisecond
	cfg.Client.SimulatedLag = 50 * time.Millisecond
	clock := clockwork.NewFakeClock()
	c := New(cfg, clock, &recordingSink{}, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 200)

	// 20Hz：150ms = 3 tick
	if rt := c.RenderTime(); math.Abs(rt-197) > 1e-9 {
		t.Fatalf("expected render time 197, got %v", rt)
	}
	clock.Advance(time.Second)
	c.frame(clock.Now())
	if rt := c.RenderTime(); math.Abs(rt-217) > 1e-9 {
		t.Fatalf("clock should advance 20 ticks per second, render time %v", rt)
	}
}

func TestOwnedCharacterStreamsMoves(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 10)
	c.joined = true

	c.handleFrame(encode(t, 0, 1, protocol.CmdFullUpdate, []protocol.EntityState{
		{GameTick: 9, ObjectID: 4, ClientID: 7, EntityType: protocol.EntityCharacter, X: 1, Y: 2},
	}))
	c.handleFrame(encode(t, 0, 2, protocol.CmdFullUpdate, []protocol.EntityState{
		{GameTick: 10, ObjectID: 4, ClientID: 7, EntityType: protocol.EntityCharacter, X: 1, Y: 2},
	}))
	c.frame(clock.Now()) // 创建实体
	if owned := c.reconciler.Owned(); len(owned) != 1 || owned[0].ObjectID != 4 {
		t.Fatalf("expected owned character 4, got %+v", owned)
	}

	c.local = &protocol.MovePayload{X: 30, Y: 40}
	clock.Advance(time.Second)
	c.frame(clock.Now())
	msgs := ft.drain(t)
	if len(msgs) != 1 || msgs[0].First().Cmd != protocol.CmdPlayerMove {
		t.Fatalf("expected one move, got %+v", msgs)
	}
	mv, err := protocol.DecodeData[protocol.MovePayload](msgs[0].First())
	if err != nil || mv.X != 30 || mv.Y != 40 {
		t.Fatalf("unexpected move %+v err=%v", mv, err)
	}
	if _, ok := c.channel.InFlight(); ok {
		t.Fatalf("moves are unreliable")
	}
}

func TestDisconnectNotifiesOnceAndKeepsEntities(t *testing.T) {
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, sink, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 101)
	c.handleFrame(encode(t, 0, 1, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 100, ObjectID: 1}}))
	c.handleFrame(encode(t, 0, 2, protocol.CmdFullUpdate, []protocol.EntityState{{GameTick: 101, ObjectID: 1}}))
	c.frame(clock.Now())

	c.handleEvent(closedEvent{t: ft, err: errors.New("eof")})
	c.handleEvent(closedEvent{t: ft, err: errors.New("eof")})
	c.disconnect("again")

	if sink.disconnected != 1 {
		t.Fatalf("expected exactly one disconnect notification, got %d", sink.disconnected)
	}
	if ft.closed != 1 {
		t.Fatalf("transport should be closed once, got %d", ft.closed)
	}
	if err := c.enqueue(true, protocol.MustCommand(protocol.CmdPlayerFire, nil)); !errors.Is(err, netchan.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.ClientID() != 0 || c.channel.Stats().NextSeq != 1 {
		t.Fatalf("outbound state must be discarded")
	}
	if c.reconciler.Len() != 1 {
		t.Fatalf("known entities should survive a disconnect")
	}
}

func TestEndGameNotifiesThenDisconnects(t *testing.T) {
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, sink, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 0)

	c.handleFrame(encode(t, 0, 5, protocol.CmdEndGame, protocol.EndGamePayload{Reason: "bye"}))
	if len(sink.commands) != 1 || sink.commands[0] != protocol.CmdEndGame {
		t.Fatalf("END_GAME must reach the application, got %v", sink.commands)
	}
	if sink.disconnected != 1 || c.connected {
		t.Fatalf("END_GAME should disconnect")
	}
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, sink, nil)
	old := newFakeTransport()
	connect(t, c, old, clock.Now(), 0)

	fresh := newFakeTransport()
	c.attach(fresh)
	if sink.disconnected != 1 {
		t.Fatalf("replacing the transport should end the previous connection")
	}
	c.handleEvent(closedEvent{t: old})
	if !c.connected {
		t.Fatalf("close of a replaced transport must be ignored")
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, sink, nil)
	ft := newFakeTransport()
	connect(t, c, ft, clock.Now(), 0)

	c.handleFrame([]byte{0xc1})
	if !c.connected || sink.disconnected != 0 {
		t.Fatalf("malformed message must not disconnect")
	}
}

func TestRunSendsServerConnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(testConfig(), clock, &recordingSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	ft := newFakeTransport()
	if err := c.Attach(ft); err != nil {
		t.Fatalf("attach: %v", err)
	}
	var connected bool
	if err := c.Do(ctx, func() { connected = c.connected }); err != nil || !connected {
		t.Fatalf("attach not processed: %v", err)
	}
	bctx, bcancel := context.WithTimeout(ctx, time.Second)
	defer bcancel()
	if err := clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatalf("waiting for frame ticker: %v", err)
	}
	clock.Advance(testConfig().Client.FrameInterval())

	select {
	case b := <-ft.sendCh:
		msg, err := protocol.Decode(b)
		if err != nil || msg.First().Cmd != protocol.CmdServerConnect {
			t.Fatalf("expected SERVER_CONNECT, got %+v err=%v", msg, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for SERVER_CONNECT")
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := c.Join(context.Background(), "x", ""); !errors.Is(err, ErrClientStopped) {
		t.Fatalf("expected ErrClientStopped, got %v", err)
	}
}

func TestServerURLAddsRoom(t *testing.T) {
	cfg := config.Default().Client
	cfg.Room = "room-9"
	got, err := ServerURL(cfg)
	if err != nil {
		t.Fatalf("server url: %v", err)
	}
	if got != "ws://localhost:28785/ws?room=room-9" {
		t.Fatalf("unexpected url %q", got)
	}
}
