package srv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// newTestServer returns a server without the watchdog unless a test turns it on.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{PollInterval: -1})
}

func accept(t *testing.T, s *Server, params map[string]string) (*Session, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	sess, err := s.Accept(context.Background(), sock, &AdmissionInfo{Params: params, URL: "/ws"})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	return sess, sock
}

func TestAcceptPublishesConnection(t *testing.T) {
	s := newTestServer(t)

	var got *ConnectionInfo
	calls := 0
	s.On(EventConnection, func(data any, res Response) {
		calls++
		got, _ = data.(*ConnectionInfo)
		if res.ID() != got.ID {
			t.Errorf("response bound to %q, connection is %q", res.ID(), got.ID)
		}
	})

	sess, _ := accept(t, s, map[string]string{"name": "Jo Ann"})

	if calls != 1 {
		t.Fatalf("connection published %d times, want 1", calls)
	}
	if got == nil || got.ID != sess.ID() {
		t.Fatalf("connection info = %+v, want ID %q", got, sess.ID())
	}
	if got.Params["name"] != "Jo Ann" {
		t.Errorf("params = %v", got.Params)
	}
	if sess.State() != StateOpen {
		t.Errorf("state = %v, want open", sess.State())
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
}

func TestAcceptNilInfo(t *testing.T) {
	s := newTestServer(t)
	var params map[string]string
	s.On(EventConnection, func(data any, _ Response) {
		params = data.(*ConnectionInfo).Params
	})

	if _, err := s.Accept(context.Background(), &fakeSocket{}, nil); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if params == nil {
		t.Error("params should be an empty map, not nil")
	}
}

func TestGateRejects(t *testing.T) {
	s := newTestServer(t)
	log := &eventLog{}
	s.On(EventConnection, log.handler(EventConnection))
	s.On(EventClose, log.handler(EventClose))

	var seen *AdmissionInfo
	gateCalls := 0
	s.SetGate(func(info *AdmissionInfo) bool {
		gateCalls++
		seen = info
		return info.Params["token"] == "secret"
	})

	sock := &fakeSocket{}
	info := &AdmissionInfo{Params: map[string]string{"token": "wrong"}}
	sess, err := s.Accept(context.Background(), sock, info)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Accept error = %v, want ErrRejected", err)
	}
	if sess != nil {
		t.Error("rejected Accept returned a session")
	}
	if gateCalls != 1 || seen != info {
		t.Errorf("gate called %d times with %p, want once with %p", gateCalls, seen, info)
	}

	envs := sock.envelopes(t)
	if len(envs) != 1 || envs[0].Event != "connected" {
		t.Fatalf("rejected socket received %+v, want one connected envelope", envs)
	}
	if data, _ := envs[0].Data.(map[string]any); data["error"] != "rejected" {
		t.Errorf("rejection data = %v", envs[0].Data)
	}
	if !sock.isClosed() {
		t.Error("rejected socket not closed")
	}
	if s.Count() != 0 || log.count(EventConnection) != 0 || log.count(EventClose) != 0 {
		t.Errorf("rejected connection leaked: count=%d events=%v", s.Count(), log.events)
	}

	if _, err := s.Accept(context.Background(), &fakeSocket{}, &AdmissionInfo{Params: map[string]string{"token": "secret"}}); err != nil {
		t.Errorf("admitted Accept failed: %v", err)
	}
}

func TestGatePanicRejects(t *testing.T) {
	s := newTestServer(t)
	s.SetGate(func(*AdmissionInfo) bool { panic("bad gate") })

	sock := &fakeSocket{}
	if _, err := s.Accept(context.Background(), sock, nil); !errors.Is(err, ErrRejected) {
		t.Fatalf("Accept error = %v, want ErrRejected", err)
	}
	if !sock.isClosed() {
		t.Error("socket not closed after gate panic")
	}

	s.SetGate(nil)
	if _, err := s.Accept(context.Background(), &fakeSocket{}, nil); err != nil {
		t.Errorf("Accept with nil gate failed: %v", err)
	}
}

func TestDeliverDispatchesAndReplies(t *testing.T) {
	s := newTestServer(t)
	s.On("ping", func(data any, res Response) {
		if err := res.Send("pong", data); err != nil {
			t.Errorf("Send failed: %v", err)
		}
	})

	sess, sock := accept(t, s, nil)
	sess.Deliver(`{"event":"ping","data":{"n":7}}`)

	envs := sock.envelopes(t)
	if len(envs) != 1 || envs[0].Event != "pong" {
		t.Fatalf("envelopes = %+v, want one pong", envs)
	}
	if data, _ := envs[0].Data.(map[string]any); data["n"] != float64(7) {
		t.Errorf("pong data = %v, want n=7", envs[0].Data)
	}
}

func TestDeliverPreservesOrder(t *testing.T) {
	s := newTestServer(t)
	var got []string
	s.On("n", func(data any, _ Response) {
		var v string
		if err := json.Unmarshal(data.(json.RawMessage), &v); err != nil {
			t.Errorf("bad data: %v", err)
		}
		got = append(got, v)
	})

	sess, _ := accept(t, s, nil)
	for i := range 5 {
		sess.Deliver(fmt.Sprintf(`{"event":"n","data":"%d"}`, i))
	}

	want := []string{"0", "1", "2", "3", "4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestMalformedUsesRawTextAsEvent(t *testing.T) {
	s := newTestServer(t)
	var got any = "unset"
	calls := 0
	s.On("ping", func(data any, _ Response) {
		calls++
		got = data
	})

	sess, _ := accept(t, s, nil)
	sess.Deliver("ping")

	if calls != 1 {
		t.Fatalf("ping handler ran %d times, want 1", calls)
	}
	if got != nil {
		t.Errorf("data = %v, want nil", got)
	}

	// Non-object JSON is malformed too and nobody listens on its text.
	sess.Deliver("42")
	if calls != 1 {
		t.Errorf("ping handler ran for unrelated input")
	}
}

func TestMalformedEvent(t *testing.T) {
	s := New(Config{PollInterval: -1, MalformedEvent: "raw"})
	log := &eventLog{}
	s.On("raw", log.handler("raw"))
	s.On("ping", log.handler("ping"))

	sess, _ := accept(t, s, nil)
	sess.Deliver("ping")

	if log.count("ping") != 0 {
		t.Error("malformed text was routed by name")
	}
	if log.count("raw") != 1 {
		t.Fatalf("raw handler ran %d times, want 1", log.count("raw"))
	}
	if _, data := log.last(); data != "ping" {
		t.Errorf("raw data = %v, want ping", data)
	}
}

func TestClientCannotForgeLifecycleEvents(t *testing.T) {
	s := newTestServer(t)
	log := &eventLog{}
	sess, _ := accept(t, s, nil)

	s.On(EventConnection, log.handler(EventConnection))
	s.On(EventClose, log.handler(EventClose))

	sess.Deliver(`{"event":"connection","data":{}}`)
	sess.Deliver(`{"event":"close"}`)
	sess.Deliver("close")

	if len(log.events) != 0 {
		t.Errorf("client published lifecycle events: %v", log.events)
	}
	if sess.State() != StateOpen {
		t.Error("forged close ended the session")
	}
}

func TestBroadcastOthers(t *testing.T) {
	s := newTestServer(t)
	s.On("chat", func(data any, res Response) {
		res.BroadcastOthers("chat", data)
	})

	a, sockA := accept(t, s, nil)
	_, sockB := accept(t, s, nil)
	_, sockC := accept(t, s, nil)

	a.Deliver(`{"event":"chat","data":"hi"}`)

	if n := len(sockA.envelopes(t)); n != 0 {
		t.Errorf("sender received %d envelopes, want 0", n)
	}
	for name, sock := range map[string]*fakeSocket{"B": sockB, "C": sockC} {
		envs := sock.envelopes(t)
		if len(envs) != 1 || envs[0].Event != "chat" || envs[0].Data != "hi" {
			t.Errorf("%s received %+v, want one chat hi", name, envs)
		}
	}
}

func TestBroadcastIncludesSender(t *testing.T) {
	s := newTestServer(t)
	s.On("all", func(_ any, res Response) {
		if n := res.Broadcast("news", nil); n != 2 {
			t.Errorf("Broadcast delivered to %d, want 2", n)
		}
	})

	a, sockA := accept(t, s, nil)
	_, sockB := accept(t, s, nil)
	a.Deliver(`{"event":"all"}`)

	if len(sockA.envelopes(t)) != 1 || len(sockB.envelopes(t)) != 1 {
		t.Error("broadcast did not reach every session")
	}
	if n := s.Broadcast("news", 1); n != 2 {
		t.Errorf("Server.Broadcast delivered to %d, want 2", n)
	}
}

func TestBroadcastSkipsDeadSockets(t *testing.T) {
	s := newTestServer(t)
	_, sockA := accept(t, s, nil)
	_, sockB := accept(t, s, nil)
	sockB.kill()

	if n := s.Broadcast("x", nil); n != 1 {
		t.Errorf("Broadcast delivered to %d, want 1", n)
	}
	if len(sockA.envelopes(t)) != 1 {
		t.Error("live socket missed broadcast")
	}
}

func TestBroadcastUnencodable(t *testing.T) {
	s := newTestServer(t)
	accept(t, s, nil)
	if n := s.Broadcast("x", func() {}); n != 0 {
		t.Errorf("Broadcast of unencodable data delivered to %d", n)
	}
}

func TestSendAfterClose(t *testing.T) {
	s := newTestServer(t)
	sess, _ := accept(t, s, nil)

	res, ok := s.Conn(sess.ID())
	if !ok {
		t.Fatal("Conn did not find open session")
	}
	if err := res.Send("x", nil); err != nil {
		t.Fatalf("Send to open session failed: %v", err)
	}

	sess.Closed(CloseNormal, "")

	if err := res.Send("x", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after close = %v, want ErrSessionClosed", err)
	}
	if _, ok := s.Conn(sess.ID()); ok {
		t.Error("Conn found a closed session")
	}

	unknown := Response{srv: s, id: "never-existed"}
	if err := unknown.Send("x", nil); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Send to unknown = %v, want ErrUnknownSession", err)
	}
	if err := (Response{}).Send("x", nil); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("zero Response Send = %v, want ErrUnknownSession", err)
	}
	if (Response{}).Broadcast("x", nil) != 0 || (Response{}).BroadcastOthers("x", nil) != 0 {
		t.Error("zero Response broadcast delivered")
	}
}

func TestSendToDeadSocket(t *testing.T) {
	s := newTestServer(t)
	sess, sock := accept(t, s, nil)
	sock.kill()

	res, _ := s.Conn(sess.ID())
	if err := res.Send("x", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send to dead socket = %v, want ErrSessionClosed", err)
	}
}

func TestCloseIsPublishedOnce(t *testing.T) {
	s := newTestServer(t)
	log := &eventLog{}
	s.On(EventClose, log.handler(EventClose))

	sess, sock := accept(t, s, nil)
	sess.Closed(4000, "bye")
	sess.Closed(CloseAbnormal, "again")

	if n := log.count(EventClose); n != 1 {
		t.Fatalf("close published %d times, want 1", n)
	}
	_, data := log.last()
	info, ok := data.(*CloseInfo)
	if !ok {
		t.Fatalf("close data is %T, want *CloseInfo", data)
	}
	if info.ID != sess.ID() || info.Code != 4000 || info.Reason != "bye" {
		t.Errorf("close info = %+v", info)
	}
	if sess.State() != StateClosed || s.Count() != 0 || !sock.isClosed() {
		t.Errorf("after close: state=%v count=%d socketClosed=%v", sess.State(), s.Count(), sock.isClosed())
	}

	last, ok := s.LastClose(sess.ID())
	if !ok || last.Code != 4000 {
		t.Errorf("LastClose = %+v, %v", last, ok)
	}

	// Messages after close are dropped.
	ran := false
	s.On("late", func(any, Response) { ran = true })
	sess.Deliver(`{"event":"late"}`)
	if ran {
		t.Error("message delivered after close")
	}
}

func TestConcurrentCloseRace(t *testing.T) {
	s := New(Config{PollInterval: time.Millisecond})
	log := &eventLog{}
	s.On(EventClose, log.handler(EventClose))

	const sessions = 50
	var wg sync.WaitGroup
	for range sessions {
		sess, sock := accept(t, s, nil)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sock.kill()
		}()
		go func() {
			defer wg.Done()
			sess.Closed(CloseNormal, "")
		}()
	}
	wg.Wait()

	if !waitFor(t, time.Second, func() bool { return s.Count() == 0 }) {
		t.Fatalf("Count = %d, want 0", s.Count())
	}
	// Give any straggling watchdog a chance to double-publish.
	time.Sleep(20 * time.Millisecond)
	if n := log.count(EventClose); n != sessions {
		t.Errorf("close published %d times, want %d", n, sessions)
	}
}

func TestWatchdogReapsDeadSocket(t *testing.T) {
	s := New(Config{PollInterval: 10 * time.Millisecond})
	log := &eventLog{}
	s.On(EventClose, log.handler(EventClose))

	sess, sock := accept(t, s, nil)
	sock.kill()

	if !waitFor(t, time.Second, func() bool { return log.count(EventClose) == 1 }) {
		t.Fatal("watchdog did not reap dead socket")
	}
	_, data := log.last()
	if info := data.(*CloseInfo); info.Code != CloseAbnormal {
		t.Errorf("reap code = %d, want %d", info.Code, CloseAbnormal)
	}
	if s.Count() != 0 || sess.State() != StateClosed {
		t.Errorf("after reap: count=%d state=%v", s.Count(), sess.State())
	}

	// The transport learning about it later changes nothing.
	sess.Closed(CloseNormal, "")
	time.Sleep(30 * time.Millisecond)
	if n := log.count(EventClose); n != 1 {
		t.Errorf("close published %d times, want 1", n)
	}
}

func TestWatchdogLeavesLiveSession(t *testing.T) {
	s := New(Config{PollInterval: 5 * time.Millisecond})
	sess, _ := accept(t, s, nil)

	time.Sleep(30 * time.Millisecond)
	if sess.State() != StateOpen || s.Count() != 1 {
		t.Errorf("live session was reaped: state=%v", sess.State())
	}
	sess.Closed(CloseNormal, "")
}

func TestDisconnect(t *testing.T) {
	s := newTestServer(t)
	log := &eventLog{}
	s.On(EventClose, log.handler(EventClose))

	sess, sock := accept(t, s, nil)
	s.Disconnect(sess.ID())
	s.Disconnect(sess.ID())
	s.Disconnect("unknown")

	if log.count(EventClose) != 1 {
		t.Errorf("close published %d times, want 1", log.count(EventClose))
	}
	if !sock.isClosed() {
		t.Error("socket not closed")
	}
	if _, data := log.last(); data.(*CloseInfo).Code != CloseNormal {
		t.Errorf("close info = %+v", data)
	}
}

func TestDisconnectFromHandler(t *testing.T) {
	s := newTestServer(t)
	s.On("quit", func(_ any, res Response) {
		s.Disconnect(res.ID())
	})

	sess, _ := accept(t, s, nil)
	sess.Deliver(`{"event":"quit"}`)
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestShutdown(t *testing.T) {
	s := newTestServer(t)
	log := &eventLog{}
	s.On(EventClose, log.handler(EventClose))

	accept(t, s, nil)
	accept(t, s, nil)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if s.Count() != 0 || log.count(EventClose) != 2 {
		t.Errorf("after shutdown: count=%d closes=%d", s.Count(), log.count(EventClose))
	}
	if _, data := log.last(); data.(*CloseInfo).Code != CloseGoingAway {
		t.Errorf("close info = %+v, want going away", data)
	}

	sock := &fakeSocket{}
	if _, err := s.Accept(context.Background(), sock, nil); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Accept after shutdown = %v, want ErrServerClosed", err)
	}
	if !sock.isClosed() {
		t.Error("socket offered after shutdown was not closed")
	}
}

func TestShutdownDuringAdmission(t *testing.T) {
	var s *Server
	s = New(Config{PollInterval: -1, NewID: func() string {
		// Shutdown runs after Accept's closed check but before the insert.
		if err := s.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		return NewID()
	}})
	log := &eventLog{}
	s.On(EventConnection, log.handler(EventConnection))
	s.On(EventClose, log.handler(EventClose))

	sock := &fakeSocket{}
	sess, err := s.Accept(context.Background(), sock, nil)
	if !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Accept = %v, %v; want ErrServerClosed", sess, err)
	}
	if n := s.Count(); n != 0 {
		t.Errorf("Count() = %d, session outlived shutdown", n)
	}
	if !sock.isClosed() {
		t.Error("socket not closed")
	}
	if log.count(EventConnection) != 1 || log.count(EventClose) != 1 {
		t.Errorf("connection=%d close=%d, want 1 1", log.count(EventConnection), log.count(EventClose))
	}
	if name, data := log.last(); name != EventClose || data.(*CloseInfo).Code != CloseGoingAway {
		t.Errorf("last event = %s %+v, want close going away", name, data)
	}
}

func TestShutdownCanceled(t *testing.T) {
	s := newTestServer(t)
	accept(t, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

func TestIDCollision(t *testing.T) {
	ids := []string{"a", "a", "", "b"}
	var mu sync.Mutex
	s := New(Config{PollInterval: -1, NewID: func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}})

	first, _ := accept(t, s, nil)
	second, _ := accept(t, s, nil)
	if first.ID() != "a" || second.ID() != "b" {
		t.Errorf("ids = %q, %q, want a, b", first.ID(), second.ID())
	}

	// The generator is now stuck on "b", which is taken.
	sock := &fakeSocket{}
	if _, err := s.Accept(context.Background(), sock, nil); err == nil {
		t.Error("Accept succeeded with only colliding identities")
	}
	if !sock.isClosed() || s.Count() != 2 {
		t.Errorf("failed Accept: socketClosed=%v count=%d", sock.isClosed(), s.Count())
	}
}

func TestDefaultIDsAreUnique(t *testing.T) {
	s := newTestServer(t)
	seen := make(map[string]bool)
	for range 100 {
		sess, _ := accept(t, s, nil)
		if seen[sess.ID()] {
			t.Fatalf("duplicate id %q", sess.ID())
		}
		seen[sess.ID()] = true
	}
}

func TestServersAreIndependent(t *testing.T) {
	s1 := newTestServer(t)
	s2 := newTestServer(t)
	log := &eventLog{}
	s1.On("x", log.handler("x"))

	_, sock1 := accept(t, s1, nil)
	sess2, sock2 := accept(t, s2, nil)
	sess2.Deliver(`{"event":"x"}`)

	if log.count("x") != 0 {
		t.Error("handler on s1 saw an event from s2")
	}
	s2.Broadcast("y", nil)
	if len(sock1.envelopes(t)) != 0 || len(sock2.envelopes(t)) != 1 {
		t.Error("broadcast crossed servers")
	}
}

func TestOffOnServer(t *testing.T) {
	s := newTestServer(t)
	log := &eventLog{}
	sub := s.On("x", log.handler("x"))
	s.On("y", log.handler("y"))

	sess, _ := accept(t, s, nil)
	sub.Off()
	s.Off("y")
	sess.Deliver(`{"event":"x"}`)
	sess.Deliver(`{"event":"y"}`)

	if len(log.events) != 0 {
		t.Errorf("removed handlers ran: %v", log.events)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StatePending: "pending",
		StateOpen:    "open",
		StateClosing: "closing",
		StateClosed:  "closed",
		State(99):    "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
