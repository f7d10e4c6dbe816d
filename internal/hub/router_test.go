package hub

import (
	"fmt"
	"sync"
	"testing"
)

func TestCallFlow(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	if m := recv(t, a); m.Type != TypeOfferSuccess || m.CallID != "r1" {
		t.Fatalf("expected offer-success, got %+v", m)
	}

	send(rt, b, `{"type":"join","callId":"r1"}`)
	if m := recv(t, b); m.Type != TypeJoinSuccess || m.CallID != "r1" {
		t.Fatalf("expected join-success, got %+v", m)
	}
	if m := recv(t, b); m.Type != TypeOffer || m.CallID != "r1" || string(m.Offer) != `"O"` {
		t.Fatalf("expected cached offer, got %+v", m)
	}
	if m := recv(t, a); m.Type != TypePeerJoined {
		t.Fatalf("expected peer-joined, got %+v", m)
	}

	send(rt, b, `{"type":"answer","callId":"r1","answer":"S"}`)
	if m := recv(t, a); m.Type != TypeAnswer || m.CallID != "r1" || string(m.Answer) != `"S"` {
		t.Fatalf("expected answer, got %+v", m)
	}
	if m := recv(t, b); m.Type != TypeAnswerSuccess || m.CallID != "r1" {
		t.Fatalf("expected answer-success, got %+v", m)
	}

	send(rt, a, `{"type":"hangup","callId":"r1"}`)
	if m := recv(t, b); m.Type != TypeHangup {
		t.Fatalf("expected hangup, got %+v", m)
	}
	expectNone(t, a)

	c := rt.hub.NewPeer(nil)
	send(rt, c, `{"type":"join","callId":"r1"}`)
	expectError(t, c, "Room does not exist")
}

func TestAnswerForwardedVerbatim(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, b, `{"type":"join","callId":"r1"}`)
	recv(t, a)
	recv(t, a)

	raw := `{"type":"answer","callId":"r1","answer":{"sdp":"S","type":"answer"},"extra":1}`
	send(rt, b, raw)

	got := <-a.dataQ
	if string(got) != raw {
		t.Fatalf("answer was not forwarded verbatim: %s", got)
	}
}

func TestJoinBeforeOffer(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	b := rt.hub.NewPeer(nil)

	send(rt, b, `{"type":"join","callId":"r1"}`)
	expectError(t, b, "Room does not exist")

	if rt.hub.Count() != 0 {
		t.Fatalf("join created a room")
	}
	if _, ok := b.Binding(); ok {
		t.Fatal("failed join bound the peer")
	}
}

func TestDuplicateOffer(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	recv(t, a)

	send(rt, b, `{"type":"offer","callId":"r1","offer":"X"}`)
	expectError(t, b, "Room already exists")

	r := rt.hub.Get("r1")
	if r.caller != a || string(r.offer) != `"O"` {
		t.Fatal("second offer replaced the caller")
	}
	if _, ok := b.Binding(); ok {
		t.Fatal("rejected offer bound the peer")
	}
}

func TestRoomFull(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b, c := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, b, `{"type":"join","callId":"r1"}`)
	send(rt, c, `{"type":"join","callId":"r1"}`)
	expectError(t, c, "Room is full")

	if rt.hub.Get("r1").callee != b {
		t.Fatal("callee was replaced")
	}
}

func TestAlreadyBound(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	recv(t, a)

	send(rt, a, `{"type":"offer","callId":"r2","offer":"O"}`)
	expectError(t, a, "Connection already bound")
	if rt.hub.Count() != 1 || rt.hub.Get("r2") != nil {
		t.Fatal("rejected offer left a room behind")
	}

	send(rt, b, `{"type":"offer","callId":"r2","offer":"O"}`)
	recv(t, b)
	send(rt, a, `{"type":"join","callId":"r2"}`)
	expectError(t, a, "Connection already bound")
	if rt.hub.Get("r2").callee != nil {
		t.Fatal("bound peer joined a second room")
	}
}

func TestCandidatesNotFlushedOnJoin(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	recv(t, a)
	send(rt, a, `{"type":"candidate","callId":"r1","candidate":"c1"}`)
	expectNone(t, a)

	send(rt, b, `{"type":"join","callId":"r1"}`)
	recv(t, b)
	if m := recv(t, b); m.Type != TypeOffer {
		t.Fatalf("expected offer, got %+v", m)
	}
	expectNone(t, b)

	// Once both are present, candidates go straight through.
	send(rt, a, `{"type":"candidate","callId":"r1","candidate":"c2"}`)
	if m := recv(t, b); m.Type != TypeCandidate || m.CallID != "r1" || string(m.Candidate) != `"c2"` {
		t.Fatalf("expected candidate c2, got %+v", m)
	}

	if got := rt.hub.Get("r1").callerCandidates; len(got) != 2 {
		t.Fatalf("expected 2 buffered caller candidates, got %d", len(got))
	}
}

func TestCandidatesFlushedOnJoin(t *testing.T) {
	cfg := testConfig()
	cfg.FlushCandidatesOnJoin = true
	rt := newTestRouter(t, cfg)
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, a, `{"type":"candidate","callId":"r1","candidate":"c1"}`)
	send(rt, a, `{"type":"candidate","callId":"r1","candidate":"c2"}`)

	send(rt, b, `{"type":"join","callId":"r1"}`)
	for _, want := range []string{TypeJoinSuccess, TypeOffer} {
		if m := recv(t, b); m.Type != want {
			t.Fatalf("expected %s, got %+v", want, m)
		}
	}
	for _, want := range []string{`"c1"`, `"c2"`} {
		m := recv(t, b)
		if m.Type != TypeCandidate || string(m.Candidate) != want {
			t.Fatalf("expected candidate %s, got %+v", want, m)
		}
	}
	expectNone(t, b)
}

func TestCalleeCandidate(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, b, `{"type":"join","callId":"r1"}`)
	recv(t, a)
	recv(t, a)

	send(rt, b, `{"type":"candidate","callId":"r1","candidate":{"candidate":"x","sdpMid":"0"}}`)
	m := recv(t, a)
	if m.Type != TypeCandidate || string(m.Candidate) != `{"candidate":"x","sdpMid":"0"}` {
		t.Fatalf("expected callee candidate, got %+v", m)
	}
	if got := rt.hub.Get("r1").answerCandidates; len(got) != 1 {
		t.Fatalf("expected 1 answer candidate, got %d", len(got))
	}
}

func TestCandidateErrors(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, x := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"candidate","callId":"r1","candidate":"c1"}`)
	expectError(t, a, "Room does not exist")

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	recv(t, a)

	// A stranger's candidates are neither stored nor forwarded.
	send(rt, x, `{"type":"candidate","callId":"r1","candidate":"evil"}`)
	expectNone(t, x)
	expectNone(t, a)
	r := rt.hub.Get("r1")
	if len(r.callerCandidates) != 0 || len(r.answerCandidates) != 0 {
		t.Fatal("non-member candidate was buffered")
	}
}

func TestAnswerWithoutCaller(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	b := rt.hub.NewPeer(nil)

	send(rt, b, `{"type":"answer","callId":"r1","answer":"S"}`)
	expectError(t, b, "Caller not found")
}

func TestHangupWithoutPeer(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a := rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	recv(t, a)

	send(rt, a, `{"type":"hangup","callId":"r1"}`)
	if rt.hub.Count() != 0 {
		t.Fatal("hangup didn't destroy the room")
	}
	expectNone(t, a)
}

func TestHangupFromNonMember(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b, x := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	recv(t, a)
	send(rt, b, `{"type":"join","callId":"r1"}`)
	recv(t, b)
	recv(t, b)
	recv(t, a)

	send(rt, x, `{"type":"join","callId":"r1"}`)
	expectError(t, x, "Room is full")

	// An unbound sender resolves to the caller as the party to notify.
	send(rt, x, `{"type":"hangup","callId":"r1"}`)
	if rt.hub.Get("r1") != nil {
		t.Fatal("room survived a hangup")
	}
	if m := recv(t, a); m.Type != TypeHangup {
		t.Fatalf("expected hangup for caller, got %+v", m)
	}
	expectNone(t, b)
	expectNone(t, x)

	send(rt, x, `{"type":"join","callId":"r1"}`)
	expectError(t, x, "Room does not exist")
}

func TestDisconnect(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, b, `{"type":"join","callId":"r1"}`)
	recv(t, b)
	recv(t, b)

	rt.Disconnect(b)
	if m := recv(t, a); m.Type != TypeOfferSuccess {
		t.Fatalf("expected offer-success, got %+v", m)
	}
	recv(t, a)
	if m := recv(t, a); m.Type != TypeHangup {
		t.Fatalf("expected hangup on disconnect, got %+v", m)
	}
	if rt.hub.Count() != 0 {
		t.Fatal("disconnect didn't destroy the room")
	}
}

func TestDisconnectBeforeJoin(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, c := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	rt.Disconnect(a)
	if rt.hub.Count() != 0 {
		t.Fatal("caller disconnect didn't destroy the room")
	}

	send(rt, c, `{"type":"offer","callId":"r1","offer":"O2"}`)
	if m := recv(t, c); m.Type != TypeOfferSuccess {
		t.Fatalf("call ID wasn't released: %+v", m)
	}
}

func TestStaleDisconnect(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, c := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, a, `{"type":"hangup","callId":"r1"}`)
	send(rt, c, `{"type":"offer","callId":"r1","offer":"O2"}`)

	// a is still bound to r1 but no longer a member of the new room.
	rt.Disconnect(a)
	r := rt.hub.Get("r1")
	if r == nil || r.caller != c {
		t.Fatal("stale peer's disconnect destroyed a reused room")
	}
}

func TestUnboundDisconnect(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, x := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	rt.Disconnect(x)
	if rt.hub.Get("r1") == nil {
		t.Fatal("unrelated disconnect destroyed the room")
	}
}

func TestForwardToClosedPeer(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)

	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)
	send(rt, b, `{"type":"join","callId":"r1"}`)

	// b's connection is gone but its disconnect hasn't been processed yet.
	b.Close()
	send(rt, a, `{"type":"candidate","callId":"r1","candidate":"c1"}`)

	r := rt.hub.Get("r1")
	if r == nil || r.callee != b || len(r.callerCandidates) != 1 {
		t.Fatal("failed delivery corrupted the room")
	}
}

func TestBadMessages(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	p := rt.hub.NewPeer(nil)

	cases := []struct {
		msg  string
		want string
	}{
		{`not json`, "Invalid JSON"},
		{`[1,2]`, "Invalid JSON"},
		{`{"type":"offer","callId":5}`, "Invalid JSON"},
		{`{"type":"offer","callId":"r1"}`, "Invalid JSON"},
		{`{"type":"offer","callId":"r1","offer":null}`, "Invalid JSON"},
		{`{"type":"join"}`, "Invalid JSON"},
		{`{"type":"answer","callId":"r1"}`, "Invalid JSON"},
		{`{"type":"candidate","callId":"r1"}`, "Invalid JSON"},
		{`{"type":"dance","callId":"r1"}`, "Unknown message type"},
		{`{}`, "Unknown message type"},
	}
	for _, c := range cases {
		send(rt, p, c.msg)
		m := recv(t, p)
		if m.Type != TypeError || m.Error != c.want {
			t.Errorf("%s: expected %q, got %+v", c.msg, c.want, m)
		}
	}

	if rt.hub.Count() != 0 {
		t.Fatal("bad messages mutated state")
	}
	if _, ok := p.Binding(); ok {
		t.Fatal("bad messages bound the peer")
	}
}

func TestConcurrentJoins(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	a := rt.hub.NewPeer(nil)
	send(rt, a, `{"type":"offer","callId":"r1","offer":"O"}`)

	const n = 50
	peers := make([]*Peer, n)
	for i := range peers {
		peers[i] = rt.hub.NewPeer(nil)
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			send(rt, p, `{"type":"join","callId":"r1"}`)
		}(p)
	}
	wg.Wait()

	joined := 0
	for _, p := range peers {
		if m := recv(t, p); m.Type == TypeJoinSuccess {
			joined++
		}
	}
	if joined != 1 {
		t.Fatalf("expected exactly 1 successful join, got %d", joined)
	}
}

func TestIndependentRooms(t *testing.T) {
	rt := newTestRouter(t, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := rt.hub.NewPeer(nil), rt.hub.NewPeer(nil)
			id := fmt.Sprintf("room-%d", i)
			send(rt, a, `{"type":"offer","callId":"`+id+`","offer":"O"}`)
			send(rt, b, `{"type":"join","callId":"`+id+`"}`)
			send(rt, a, `{"type":"hangup","callId":"`+id+`"}`)
		}(i)
	}
	wg.Wait()

	if rt.hub.Count() != 0 {
		t.Fatalf("expected all rooms hung up, got %d", rt.hub.Count())
	}
}
