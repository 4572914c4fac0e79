package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dearly-app/dearly/internal/core"
)

type fakeStream struct {
	mu      sync.Mutex
	audio   bool
	video   bool
	stopped bool
}

func (s *fakeStream) SetAudioEnabled(on bool) { s.mu.Lock(); s.audio = on; s.mu.Unlock() }
func (s *fakeStream) SetVideoEnabled(on bool) { s.mu.Lock(); s.video = on; s.mu.Unlock() }
func (s *fakeStream) Stop()                   { s.mu.Lock(); s.stopped = true; s.mu.Unlock() }

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (f *fakeSource) Acquire(context.Context) (MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeNegotiator struct {
	mu        sync.Mutex
	onLocal   func(json.RawMessage)
	onRemote  func(RemoteTrack)
	onErr     func(error)
	offered   bool
	answered  json.RawMessage
	accepted  json.RawMessage
	closed    bool
	offerErr  error
	acceptErr error
}

func (n *fakeNegotiator) Offer() error {
	n.mu.Lock()
	n.offered = true
	local, err := n.onLocal, n.offerErr
	n.mu.Unlock()
	if err != nil {
		return err
	}
	local(json.RawMessage(`{"type":"offer"}`))
	return nil
}

func (n *fakeNegotiator) Answer(remote json.RawMessage) error {
	n.mu.Lock()
	n.answered = remote
	local := n.onLocal
	n.mu.Unlock()
	local(json.RawMessage(`{"type":"answer"}`))
	return nil
}

func (n *fakeNegotiator) AcceptAnswer(remote json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.acceptErr != nil {
		return n.acceptErr
	}
	n.accepted = remote
	return nil
}

func (n *fakeNegotiator) OnLocalSignal(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onLocal = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnRemoteMediaReady(fn func(RemoteTrack)) {
	n.mu.Lock()
	n.onRemote = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnError(fn func(error)) {
	n.mu.Lock()
	n.onErr = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *fakeNegotiator) fireRemoteReady() {
	n.mu.Lock()
	fn := n.onRemote
	n.mu.Unlock()
	fn(fakeTrack{})
}

type fakeTrack struct{}

func (fakeTrack) Kind() string { return "video" }

type fakeFactory struct {
	mu   sync.Mutex
	made []*fakeNegotiator
	err  error
}

func (f *fakeFactory) build(MediaStream) (Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &fakeNegotiator{}
	f.made = append(f.made, n)
	return n, nil
}

func (f *fakeFactory) negotiator(i int) *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.made) {
		return nil
	}
	return f.made[i]
}

type emitted struct {
	msgType string
	payload json.RawMessage
}

type fakeTransport struct {
	mu       sync.Mutex
	self     core.ClientID
	handlers map[string]func(json.RawMessage)
	sent     chan emitted
}

func newFakeTransport(self core.ClientID) *fakeTransport {
	return &fakeTransport{
		self:     self,
		handlers: make(map[string]func(json.RawMessage)),
		sent:     make(chan emitted, 64),
	}
}

func (tr *fakeTransport) Emit(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	tr.sent <- emitted{msgType: msgType, payload: raw}
	return nil
}

func (tr *fakeTransport) Handle(msgType string, fn func(json.RawMessage)) {
	tr.mu.Lock()
	tr.handlers[msgType] = fn
	tr.mu.Unlock()
}

func (tr *fakeTransport) Self() core.ClientID { return tr.self }

func (tr *fakeTransport) deliver(t *testing.T, msgType string, payload any) {
	t.Helper()
	tr.mu.Lock()
	fn := tr.handlers[msgType]
	tr.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler registered for %s", msgType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", msgType, err)
	}
	fn(raw)
}

func (tr *fakeTransport) waitEmit(t *testing.T, msgType string) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-tr.sent:
			if e.msgType == msgType {
				return e.payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for emitted %s", msgType)
		}
	}
}

func (tr *fakeTransport) expectNoEmit(t *testing.T, msgType string) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case e := <-tr.sent:
			if e.msgType == msgType {
				t.Fatalf("unexpected %s emitted: %s", msgType, e.payload)
			}
		case <-timeout:
			return
		}
	}
}

type harness struct {
	m       *Machine
	tr      *fakeTransport
	src     *fakeSource
	factory *fakeFactory
	states  chan Snapshot
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		tr:      newFakeTransport("self-1"),
		src:     &fakeSource{},
		factory: &fakeFactory{},
		states:  make(chan Snapshot, 128),
	}
	h.m = New(cfg, h.tr, h.src, h.factory.build, zerolog.Nop())
	h.m.OnChange(func(s Snapshot) { h.states <- s })
	return h
}

func (h *harness) waitPhase(t *testing.T, want Phase) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s.Phase == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s, currently %s", want, h.m.Snapshot().Phase)
		}
	}
}

// toActive drives a fresh harness through a full caller-side handshake.
func (h *harness) toActive(t *testing.T, target core.ClientID) *fakeNegotiator {
	t.Helper()
	if err := h.m.InitiateCall(target, false); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)
	h.tr.waitEmit(t, core.TypeCallUser)
	h.tr.deliver(t, core.TypeCallAccepted, core.CallAcceptedPayload{Signal: json.RawMessage(`{"type":"answer"}`)})
	h.waitPhase(t, PhaseNegotiating)
	neg := h.factory.negotiator(0)
	neg.fireRemoteReady()
	h.waitPhase(t, PhaseActive)
	return neg
}

func TestInitiateCallRejectsSecondAttempt(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.InitiateCall("peer-1", false); err != nil {
		t.Fatalf("first InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)

	if err := h.m.InitiateCall("peer-2", false); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second InitiateCall: got %v, want ErrCallInProgress", err)
	}
	if s := h.m.Snapshot(); s.RemoteClientID != "peer-1" {
		t.Fatalf("existing attempt mutated: remote = %s", s.RemoteClientID)
	}
}

func TestInitiateCallRequiresTarget(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.InitiateCall("", false); !errors.Is(err, ErrNoPartnerReachable) {
		t.Fatalf("got %v, want ErrNoPartnerReachable", err)
	}
}

func TestUnansweredCallTimesOut(t *testing.T) {
	h := newHarness(t, Config{AnswerTimeout: 40 * time.Millisecond})
	if err := h.m.InitiateCall("peer-1", false); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)

	s := h.waitPhase(t, PhaseFailed)
	if !errors.Is(s.LastErr, ErrCallNotAnswered) {
		t.Fatalf("LastErr = %v, want ErrCallNotAnswered", s.LastErr)
	}
	h.waitPhase(t, PhaseIdle)

	if stream := h.src.lastStream(); !stream.isStopped() {
		t.Fatal("local media not released after timeout")
	}
	if neg := h.factory.negotiator(0); !neg.isClosed() {
		t.Fatal("negotiator not closed after timeout")
	}

	// The timeout must not fire a second time.
	timeout := time.After(120 * time.Millisecond)
	for {
		select {
		case s := <-h.states:
			if s.Phase == PhaseFailed {
				t.Fatal("timeout fired twice")
			}
		case <-timeout:
			return
		}
	}
}

func TestAnswerCancelsTimeout(t *testing.T) {
	h := newHarness(t, Config{AnswerTimeout: 150 * time.Millisecond})
	h.toActive(t, "peer-1")

	// Outlive the original deadline; an answered call must not be failed by
	// the stale timer.
	time.Sleep(250 * time.Millisecond)
	if s := h.m.Snapshot(); s.Phase != PhaseActive {
		t.Fatalf("phase after deadline = %s, want Active", s.Phase)
	}
}

func TestCallerFlowReachesActive(t *testing.T) {
	h := newHarness(t, Config{DisplayName: "Alice"})
	if err := h.m.InitiateCall("peer-1", false); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)

	raw := h.tr.waitEmit(t, core.TypeCallUser)
	var p core.CallUserPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal callUser: %v", err)
	}
	if p.Target != "peer-1" || p.From != "self-1" || p.Name != "Alice" {
		t.Fatalf("callUser payload = %+v", p)
	}

	h.tr.deliver(t, core.TypeCallAccepted, core.CallAcceptedPayload{Signal: json.RawMessage(`{"type":"answer"}`)})
	h.waitPhase(t, PhaseNegotiating)

	neg := h.factory.negotiator(0)
	if string(neg.accepted) != `{"type":"answer"}` {
		t.Fatalf("negotiator got answer %s", neg.accepted)
	}
	neg.fireRemoteReady()
	if s := h.waitPhase(t, PhaseActive); !s.HasRemoteMedia {
		t.Fatal("remote media not recorded")
	}
}

func TestMediaDeniedFailsWithoutSignaling(t *testing.T) {
	h := newHarness(t, Config{})
	h.src.err = errors.New("permission denied")

	if err := h.m.InitiateCall("peer-1", false); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	s := h.waitPhase(t, PhaseFailed)
	if !errors.Is(s.LastErr, ErrMediaAccessDenied) {
		t.Fatalf("LastErr = %v, want ErrMediaAccessDenied", s.LastErr)
	}
	h.waitPhase(t, PhaseIdle)
	h.tr.expectNoEmit(t, core.TypeCallUser)
}

func TestRemoteRejectionFailsAttempt(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.InitiateCall("peer-1", false); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)

	h.tr.deliver(t, core.TypeCallRejected, struct{}{})
	s := h.waitPhase(t, PhaseFailed)
	if !errors.Is(s.LastErr, ErrCallRejected) {
		t.Fatalf("LastErr = %v, want ErrCallRejected", s.LastErr)
	}
	if stream := h.src.lastStream(); !stream.isStopped() {
		t.Fatal("local media not released after rejection")
	}
}

func TestIncomingCallAnswered(t *testing.T) {
	h := newHarness(t, Config{})
	var gotFrom core.ClientID
	var gotName string
	h.m.OnIncoming(func(from core.ClientID, name string) { gotFrom, gotName = from, name })

	offer := json.RawMessage(`{"type":"offer","sdp":"x"}`)
	h.tr.deliver(t, core.TypeCallUser, core.CallIncomingPayload{Signal: offer, From: "caller-1", Name: "Bob"})
	h.waitPhase(t, PhaseReceivingCall)
	if gotFrom != "caller-1" || gotName != "Bob" {
		t.Fatalf("incoming callback got (%s, %s)", gotFrom, gotName)
	}

	if err := h.m.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	h.waitPhase(t, PhaseNegotiating)

	raw := h.tr.waitEmit(t, core.TypeAnswerCall)
	var p core.AnswerCallPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal answerCall: %v", err)
	}
	if p.Target != "caller-1" {
		t.Fatalf("answer sent to %s, want caller-1", p.Target)
	}

	neg := h.factory.negotiator(0)
	if string(neg.answered) != string(offer) {
		t.Fatalf("negotiator answered offer %s", neg.answered)
	}
	neg.fireRemoteReady()
	h.waitPhase(t, PhaseActive)
}

func TestAnswerWithoutIncomingCall(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.AnswerCall(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("got %v, want ErrNoIncomingCall", err)
	}
}

func TestAnswerMediaDeniedAutoRejects(t *testing.T) {
	h := newHarness(t, Config{})
	h.src.err = errors.New("permission denied")

	h.tr.deliver(t, core.TypeCallUser, core.CallIncomingPayload{Signal: json.RawMessage(`{}`), From: "caller-1"})
	h.waitPhase(t, PhaseReceivingCall)

	if err := h.m.AnswerCall(); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	s := h.waitPhase(t, PhaseFailed)
	if !errors.Is(s.LastErr, ErrMediaAccessDenied) {
		t.Fatalf("LastErr = %v, want ErrMediaAccessDenied", s.LastErr)
	}

	raw := h.tr.waitEmit(t, core.TypeRejectCall)
	var p core.TargetedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal rejectCall: %v", err)
	}
	if p.Target != "caller-1" {
		t.Fatalf("reject sent to %s, want caller-1", p.Target)
	}
}

func TestRejectIncomingCall(t *testing.T) {
	h := newHarness(t, Config{})
	h.tr.deliver(t, core.TypeCallUser, core.CallIncomingPayload{Signal: json.RawMessage(`{}`), From: "caller-1"})
	h.waitPhase(t, PhaseReceivingCall)

	if err := h.m.RejectCall(); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	h.tr.waitEmit(t, core.TypeRejectCall)
	h.waitPhase(t, PhaseIdle)

	// Rejecting with nothing ringing is a no-op.
	if err := h.m.RejectCall(); err != nil {
		t.Fatalf("idle RejectCall: %v", err)
	}
	h.tr.expectNoEmit(t, core.TypeRejectCall)
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.toActive(t, "peer-1")

	h.m.EndCall()
	h.tr.waitEmit(t, core.TypeCallEnded)
	h.waitPhase(t, PhaseIdle)
	if stream := h.src.lastStream(); !stream.isStopped() {
		t.Fatal("local media not released on hangup")
	}

	h.m.EndCall()
	h.tr.expectNoEmit(t, core.TypeCallEnded)
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := newHarness(t, Config{})
	neg := h.toActive(t, "peer-1")

	h.tr.deliver(t, core.TypeCallEnded, struct{}{})
	h.waitPhase(t, PhaseEnded)
	h.waitPhase(t, PhaseIdle)
	if !neg.isClosed() {
		t.Fatal("negotiator not closed on remote hangup")
	}
	// Remote initiated the teardown; echoing callEnded back would ring a
	// phantom hangup on their side.
	h.tr.expectNoEmit(t, core.TypeCallEnded)
}

func TestBusySessionRejectsOtherCaller(t *testing.T) {
	h := newHarness(t, Config{})
	h.tr.deliver(t, core.TypeCallUser, core.CallIncomingPayload{Signal: json.RawMessage(`{}`), From: "caller-1"})
	h.waitPhase(t, PhaseReceivingCall)

	h.tr.deliver(t, core.TypeCallUser, core.CallIncomingPayload{Signal: json.RawMessage(`{}`), From: "caller-2"})
	raw := h.tr.waitEmit(t, core.TypeRejectCall)
	var p core.TargetedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal rejectCall: %v", err)
	}
	if p.Target != "caller-2" {
		t.Fatalf("reject sent to %s, want caller-2", p.Target)
	}
	if s := h.m.Snapshot(); s.Phase != PhaseReceivingCall || s.RemoteClientID != "caller-1" {
		t.Fatalf("tracked call disturbed: %+v", s)
	}
}

func TestStaleAnswerIgnoredAfterNegotiationStarts(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.m.InitiateCall("peer-1", false); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)
	h.tr.deliver(t, core.TypeCallAccepted, core.CallAcceptedPayload{Signal: json.RawMessage(`{"n":1}`)})
	h.waitPhase(t, PhaseNegotiating)

	h.tr.deliver(t, core.TypeCallAccepted, core.CallAcceptedPayload{Signal: json.RawMessage(`{"n":2}`)})
	neg := h.factory.negotiator(0)
	neg.mu.Lock()
	accepted := string(neg.accepted)
	neg.mu.Unlock()
	if accepted != `{"n":1}` {
		t.Fatalf("duplicate answer applied: %s", accepted)
	}
}

func TestPartnerOfflineEndsActiveCall(t *testing.T) {
	h := newHarness(t, Config{})
	h.toActive(t, "peer-1")

	// Some other party going offline is not our problem.
	h.tr.deliver(t, core.TypeUserOffline, core.PresencePayload{UserID: "u9", ClientID: "peer-9"})
	if s := h.m.Snapshot(); s.Phase != PhaseActive {
		t.Fatalf("unrelated offline ended the call: %s", s.Phase)
	}

	h.tr.deliver(t, core.TypeUserOffline, core.PresencePayload{UserID: "u2", ClientID: "peer-1"})
	h.waitPhase(t, PhaseEnded)
	h.waitPhase(t, PhaseIdle)
}

func TestSelfTestLoopback(t *testing.T) {
	h := newHarness(t, Config{DisplayName: "Alice"})
	if err := h.m.InitiateCall(h.tr.Self(), true); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	h.waitPhase(t, PhaseCalling)

	// Relay echoes our own offer back.
	raw := h.tr.waitEmit(t, core.TypeCallUser)
	var offer core.CallUserPayload
	if err := json.Unmarshal(raw, &offer); err != nil {
		t.Fatalf("unmarshal callUser: %v", err)
	}
	if offer.Target != h.tr.Self() {
		t.Fatalf("self-test offer sent to %s", offer.Target)
	}
	h.tr.deliver(t, core.TypeCallUser, core.CallIncomingPayload{
		Signal: offer.Signal, From: offer.From, Name: offer.Name,
	})

	// The loopback responder answers; the relay echoes the answer back as
	// callAccepted for the primary negotiator.
	rawAns := h.tr.waitEmit(t, core.TypeAnswerCall)
	var ans core.AnswerCallPayload
	if err := json.Unmarshal(rawAns, &ans); err != nil {
		t.Fatalf("unmarshal answerCall: %v", err)
	}
	if ans.Target != h.tr.Self() {
		t.Fatalf("loopback answer sent to %s", ans.Target)
	}
	h.tr.deliver(t, core.TypeCallAccepted, core.CallAcceptedPayload{Signal: ans.Signal})
	h.waitPhase(t, PhaseNegotiating)

	primary := h.factory.negotiator(0)
	loopback := h.factory.negotiator(1)
	if loopback == nil {
		t.Fatal("loopback negotiator never created")
	}
	primary.fireRemoteReady()
	if s := h.waitPhase(t, PhaseActive); !s.SelfTest {
		t.Fatal("self-test flag lost")
	}

	// A self-test call must survive its own presence noise.
	h.tr.deliver(t, core.TypeUserOffline, core.PresencePayload{ClientID: h.tr.Self()})
	if s := h.m.Snapshot(); s.Phase != PhaseActive {
		t.Fatalf("self-test call ended by own presence event: %s", s.Phase)
	}

	h.m.EndCall()
	h.waitPhase(t, PhaseIdle)
	if !loopback.isClosed() {
		t.Fatal("loopback negotiator not closed on hangup")
	}
}

func TestTogglesApplyToAcquiredMedia(t *testing.T) {
	h := newHarness(t, Config{})
	if muted := h.m.ToggleMute(); !muted {
		t.Fatal("first ToggleMute should mute")
	}
	h.toActive(t, "peer-1")

	stream := h.src.lastStream()
	stream.mu.Lock()
	audio := stream.audio
	stream.mu.Unlock()
	if audio {
		t.Fatal("pre-call mute not applied to acquired stream")
	}

	if muted := h.m.ToggleMute(); muted {
		t.Fatal("second ToggleMute should unmute")
	}
	stream.mu.Lock()
	audio = stream.audio
	stream.mu.Unlock()
	if !audio {
		t.Fatal("unmute not applied to stream")
	}

	if videoOff := h.m.ToggleVideo(); !videoOff {
		t.Fatal("first ToggleVideo should disable video")
	}
	stream.mu.Lock()
	video := stream.video
	stream.mu.Unlock()
	if video {
		t.Fatal("video toggle not applied to stream")
	}
}
