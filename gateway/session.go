package gateway

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"spectacles-bridge/etf"
)

// Session is a single shard's connection to the realtime gateway. It owns
// the websocket, the heartbeat loop, and the reconnect/resume policy; callers
// observe it entirely through the On* handlers.
//
// Mutex discipline: mu guards every field below it. The read loop and the
// heartbeat loop are the only goroutines that touch session state outside of
// a caller's direct method call, and both take mu before reading or writing.
type Session struct {
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	destroyed bool
	sessionID string
	lastSeq   int32
	acked     bool
	tries     int

	heartbeatOpen bool
	heartbeatStop chan struct{}
	heartbeatOnce bool

	onError         func(error)
	onConnection    func()
	onDisconnection func(code int, reason string)
	onMessage       func(Packet)
}

// NewSession creates a Session for the given shard options. log receives
// per-session fields (shard_id) the way the broker bridge's other
// components log through a contextual entry.
func NewSession(opts Options, log *logrus.Entry) *Session {
	return &Session{
		opts:    opts,
		log:     log.WithField("shard_id", opts.ShardID),
		lastSeq: -1,
		acked:   true,
	}
}

// OnError registers the handler invoked when dialing the gateway fails.
// Errors out of the read loop are reported through OnDisconnection instead.
func (s *Session) OnError(f func(error)) { s.onError = f }

// OnConnection registers the handler invoked once the websocket handshake
// completes.
func (s *Session) OnConnection(f func()) { s.onConnection = f }

// OnDisconnection registers the handler invoked with the close code and
// reason every time the connection drops.
func (s *Session) OnDisconnection(f func(code int, reason string)) { s.onDisconnection = f }

// OnMessage registers the handler invoked with every decoded frame, after
// the session's own opcode handling has run.
func (s *Session) OnMessage(f func(Packet)) { s.onMessage = f }

// Connect dials the gateway and starts the read loop. It does not block
// waiting for HELLO; IDENTIFY/RESUME is sent from the read loop once HELLO
// arrives.
func (s *Session) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(GatewayURL, nil)
	if err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.destroyed = false
	s.heartbeatOpen = true
	s.mu.Unlock()

	s.log.Info("connected")
	if s.onConnection != nil {
		s.onConnection()
	}

	go s.readLoop(conn)
	return nil
}

// Disconnect closes the connection with the given close code, if open.
func (s *Session) Disconnect(code int) {
	s.mu.Lock()
	conn := s.conn
	open := s.open
	s.mu.Unlock()
	if !open || conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = conn.Close()
}

// Reconnect closes the current connection (if any) with code, waits the
// ~5.5s jittered backoff, and dials again.
func (s *Session) Reconnect(code int) {
	s.Disconnect(code)
	jitter := time.Duration(rand.Intn(10)+1) * time.Millisecond
	time.Sleep(5500*time.Millisecond + jitter)
	if err := s.Connect(); err != nil {
		s.log.WithField("error", err).Error("reconnect failed")
	}
}

// Destroy disconnects and permanently stops the heartbeat loop. A destroyed
// session does not reconnect.
func (s *Session) Destroy() {
	s.Disconnect(websocket.CloseNormalClosure)
	s.mu.Lock()
	s.destroyed = true
	s.heartbeatOpen = false
	s.mu.Unlock()
}

// Send writes a raw binary frame to the gateway.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendValue encodes and sends an ETF value.
func (s *Session) SendValue(v etf.Value) error {
	buf, err := etf.Encode(v)
	if err != nil {
		return err
	}
	return s.Send(buf)
}

// Open reports whether the websocket connection is currently up.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// SessionID returns the session_id captured from the last READY dispatch,
// or "" if none has been seen yet.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ShardID returns the shard index this session was configured with.
func (s *Session) ShardID() int32 { return s.opts.ShardID }

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			s.handleDisconnect(code, reason)
			return
		}
		s.handleFrame(raw)
	}
}

func closeInfo(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (s *Session) handleDisconnect(code int, reason string) {
	s.mu.Lock()
	s.open = false
	tries := s.tries
	destroyed := s.destroyed
	s.mu.Unlock()

	s.log.WithField("code", code).Info("disconnected")
	if s.onDisconnection != nil {
		s.onDisconnection(code, reason)
	}
	if destroyed {
		return
	}

	if tries == 5 {
		s.Destroy()
		return
	}

	switch code {
	case CloseAuthenticationFail, CloseInvalidShard, CloseShardingRequired:
		s.Destroy()
		return
	case CloseNotAuthenticated, CloseInvalidSeq, CloseSessionTimedOut:
		s.mu.Lock()
		s.lastSeq = -1
		s.sessionID = ""
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.tries++
	s.mu.Unlock()
	go s.Reconnect(code)
}

func (s *Session) handleFrame(raw []byte) {
	d := etf.Decode(raw, func(msg string) {
		s.log.WithField("error", msg).Warn("dropping malformed gateway frame")
	})
	if d.IsUndefined() {
		return
	}

	op := OpOf(d)
	switch op {
	case OpHello:
		s.handleHello(d)
	case OpDispatch:
		s.handleDispatch(d)
	case OpHeartbeatAck:
		s.mu.Lock()
		s.acked = true
		s.mu.Unlock()
	case OpReconnect:
		go s.Reconnect(websocket.CloseServiceRestart)
	case OpInvalidSession:
		if d.MapGetString("d").Bool() {
			_ = s.sendResume()
		} else {
			go s.Reconnect(websocket.CloseNormalClosure)
		}
	case OpHeartbeat:
		_ = s.sendHeartbeat()
	}

	if s.onMessage != nil {
		s.onMessage(NewPacketFromValue(d, raw))
	}
}

func (s *Session) handleHello(d etf.Value) {
	s.mu.Lock()
	hasSession := s.sessionID != ""
	started := s.heartbeatOnce
	s.acked = true
	s.mu.Unlock()

	if hasSession {
		_ = s.sendResume()
	} else {
		_ = s.sendIdentify()
	}

	if !started {
		// Intervals above 255 arrive as INTEGER and decode to Int32; smaller
		// ones arrive as SMALL_INTEGER and decode to Uint32.
		hb := d.MapGetString("d").MapGetString("heartbeat_interval")
		ms := int64(hb.Uint32())
		if hb.IsInt32() {
			ms = int64(hb.Int32())
		}
		interval := time.Duration(ms) * time.Millisecond
		s.mu.Lock()
		s.heartbeatOnce = true
		s.heartbeatStop = make(chan struct{})
		stop := s.heartbeatStop
		s.mu.Unlock()
		go s.heartbeatLoop(interval, stop)
	}
}

func (s *Session) handleDispatch(d etf.Value) {
	s.mu.Lock()
	s.lastSeq = SeqOf(d.MapGetString("s"))
	s.mu.Unlock()

	if d.MapGetString("t").StrString() == "READY" {
		sessionID := d.MapGetString("d").MapGetString("session_id").StrString()
		s.mu.Lock()
		s.sessionID = sessionID
		s.tries = 0
		s.mu.Unlock()
		s.log.Info("session ready")
	}
}

// heartbeatLoop sends heartbeats on interval until stop is closed or a
// missed ack is detected, in which case it signals a reconnect and exits
// rather than aborting the process — the reference implementation
// terminates the whole program here, which this session deliberately does
// not reproduce. The first heartbeat is sent after a full interval, same
// as every tick after it.
func (s *Session) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	select {
	case <-time.After(interval):
	case <-stop:
		return
	}

	if err := s.sendHeartbeat(); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			acked := s.acked
			open := s.open
			s.acked = false
			s.mu.Unlock()

			if !open {
				return
			}
			if !acked {
				s.log.Warn("heartbeat not acked, reconnecting")
				go s.Reconnect(CloseSessionTimedOut)
				return
			}
			if err := s.sendHeartbeat(); err != nil {
				s.log.WithField("error", err).Error("heartbeat send failed")
				go s.Reconnect(websocket.CloseAbnormalClosure)
				return
			}
		}
	}
}

func (s *Session) sendIdentify() error {
	s.mu.Lock()
	s.lastSeq = -1
	s.sessionID = ""
	s.mu.Unlock()
	return s.SendValue(s.identifyPayload())
}

// identifyPayload builds the IDENTIFY payload. Kept separate from
// sendIdentify so the wire shape can be checked without an open connection.
func (s *Session) identifyPayload() etf.Value {
	properties := etf.NewMap(
		[2]etf.Value{etf.StrString("$os"), etf.StrString("linux")},
		[2]etf.Value{etf.StrString("$browser"), etf.StrString("spectacles-bridge")},
		[2]etf.Value{etf.StrString("$device"), etf.StrString("spectacles-bridge")},
	)
	shard := etf.Array([]etf.Value{etf.Int32(s.opts.ShardID), etf.Int32(s.opts.ShardCount)})

	d := etf.NewMap(
		[2]etf.Value{etf.StrString("token"), etf.StrString(s.opts.Token)},
		[2]etf.Value{etf.StrString("compress"), etf.Bool(true)},
		[2]etf.Value{etf.StrString("large_threshold"), etf.Int32(s.opts.LargeThreshold)},
		[2]etf.Value{etf.StrString("properties"), properties},
		[2]etf.Value{etf.StrString("presence"), s.opts.InitialPresence},
		[2]etf.Value{etf.StrString("shard"), shard},
	)
	return etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Int32(OpIdentify)},
		[2]etf.Value{etf.StrString("d"), d},
	)
}

func (s *Session) sendResume() error {
	return s.SendValue(s.resumePayload())
}

func (s *Session) resumePayload() etf.Value {
	s.mu.Lock()
	sessionID := s.sessionID
	seq := s.lastSeq
	s.mu.Unlock()

	d := etf.NewMap(
		[2]etf.Value{etf.StrString("token"), etf.StrString(s.opts.Token)},
		[2]etf.Value{etf.StrString("session_id"), etf.StrString(sessionID)},
		[2]etf.Value{etf.StrString("seq"), etf.Int32(seq)},
	)
	return etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Int32(OpResume)},
		[2]etf.Value{etf.StrString("d"), d},
	)
}

func (s *Session) sendHeartbeat() error {
	return s.SendValue(s.heartbeatPayload())
}

func (s *Session) heartbeatPayload() etf.Value {
	s.mu.Lock()
	seq := s.lastSeq
	s.mu.Unlock()

	var d etf.Value
	if seq == -1 {
		d = etf.Null()
	} else {
		d = etf.Int32(seq)
	}
	return etf.NewMap(
		[2]etf.Value{etf.StrString("op"), etf.Int32(OpHeartbeat)},
		[2]etf.Value{etf.StrString("d"), d},
	)
}
