package lamp_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/candela/internal/lamp"
	"github.com/srg/candela/internal/protocol"
)

// ----------------------------
// Fake transport
// ----------------------------

// fakeHandle is a scripted transport session. Writes are recorded; an
// optional respond hook synthesizes device notifications, and an optional
// failWrite hook injects transport failures.
type fakeHandle struct {
	mu             sync.Mutex
	writes         [][]byte
	subscribeCalls int
	subscribeErr   error
	handler        lamp.NotificationHandler
	connected      bool
	onDisconnect   lamp.DisconnectCallback
	disconnectOnce sync.Once

	failWrite func(frame []byte) error
	respond   func(frame []byte) []byte

	inFlight    int32
	maxInFlight int32
}

func (h *fakeHandle) Write(_ context.Context, charUUID string, data []byte, withResponse bool) error {
	cur := atomic.AddInt32(&h.inFlight, 1)
	for {
		max := atomic.LoadInt32(&h.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&h.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&h.inFlight, -1)

	frame := append([]byte(nil), data...)

	h.mu.Lock()
	h.writes = append(h.writes, frame)
	failWrite := h.failWrite
	respond := h.respond
	handler := h.handler
	h.mu.Unlock()

	if failWrite != nil {
		if err := failWrite(frame); err != nil {
			return err
		}
	}
	if respond != nil && handler != nil {
		if notification := respond(frame); notification != nil {
			handler(notification)
		}
	}
	return nil
}

func (h *fakeHandle) Subscribe(charUUID string, handler lamp.NotificationHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeCalls++
	if h.subscribeErr != nil {
		return h.subscribeErr
	}
	h.handler = handler
	return nil
}

func (h *fakeHandle) ListServices() ([]lamp.ServiceInfo, error) {
	return nil, lamp.ErrUnsupported
}

func (h *fakeHandle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHandle) Disconnect() error {
	h.mu.Lock()
	h.connected = false
	cb := h.onDisconnect
	h.mu.Unlock()

	if cb != nil {
		h.disconnectOnce.Do(cb)
	}
	return nil
}

// notify pushes a raw notification frame through the subscribed handler.
func (h *fakeHandle) notify(data []byte) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// recordedWrites returns a copy of all frames written to this handle.
func (h *fakeHandle) recordedWrites() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	writes := make([][]byte, len(h.writes))
	copy(writes, h.writes)
	return writes
}

// fakeTransport mints fakeHandles and records every connect.
type fakeTransport struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	identities []lamp.DeviceIdentity
	connectErr error
	prepare    func(h *fakeHandle, index int)
}

func (t *fakeTransport) Connect(_ context.Context, identity lamp.DeviceIdentity, onDisconnect lamp.DisconnectCallback, _ int, _ time.Duration) (lamp.TransportHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}

	h := &fakeHandle{connected: true, onDisconnect: onDisconnect}
	if t.prepare != nil {
		t.prepare(h, len(t.handles))
	}
	t.handles = append(t.handles, h)
	t.identities = append(t.identities, identity)
	return h, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (t *fakeTransport) handle(i int) *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[i]
}

// allWrites concatenates the frames written across all handles, in
// connection order.
func (t *fakeTransport) allWrites() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all [][]byte
	for _, h := range t.handles {
		all = append(all, h.recordedWrites()...)
	}
	return all
}

// pairResponder answers the pairing handshake with the given result code.
func pairResponder(code byte) func(frame []byte) []byte {
	return func(frame []byte) []byte {
		if frame[1] == protocol.CmdPair {
			resp := make([]byte, protocol.FrameLength)
			resp[0] = protocol.FrameStart
			resp[1] = protocol.ResPair
			resp[2] = code
			return resp
		}
		return nil
	}
}

// ----------------------------
// Suite
// ----------------------------

type LampTestSuite struct {
	suite.Suite
	transport *fakeTransport
	logger    *logrus.Logger
}

func TestLampSuite(t *testing.T) {
	suite.Run(t, new(LampTestSuite))
}

func (s *LampTestSuite) SetupTest() {
	s.transport = &fakeTransport{}
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.PanicLevel)
}

// testOptions returns fast timeouts so pairing waits do not slow tests.
func testOptions() *lamp.Options {
	return &lamp.Options{
		ConnectTimeout:  100 * time.Millisecond,
		ConnectAttempts: 2,
		PairWait:        50 * time.Millisecond,
		ConfirmWait:     50 * time.Millisecond,
		SettleInterval:  0,
	}
}

func (s *LampTestSuite) newBedside() *lamp.Lamp {
	identity := lamp.DeviceIdentity{Address: "aa:bb:cc:dd:ee:ff", Name: "XMCTD_test"}
	return lamp.New(s.transport, identity, nil, testOptions(), s.logger)
}

func (s *LampTestSuite) newCandela() *lamp.Lamp {
	identity := lamp.DeviceIdentity{Address: "11:22:33:44:55:66", Name: "yeelight_ms_test"}
	return lamp.New(s.transport, identity, nil, testOptions(), s.logger)
}

func (s *LampTestSuite) TestModelDerivation() {
	// GOAL: Verify the model tag is computed once from the advertised name
	//
	// TEST SCENARIO: Lamps created with each known name prefix → model tags match

	s.Assert().Equal(protocol.ModelBedside, s.newBedside().Model(), "XMCTD_ prefix MUST map to Bedside")
	s.Assert().Equal(protocol.ModelCandela, s.newCandela().Model(), "yeelight_ms prefix MUST map to Candela")

	unknown := lamp.New(s.transport, lamp.DeviceIdentity{Address: "x", Name: "foo"}, nil, testOptions(), s.logger)
	s.Assert().Equal(protocol.ModelUnknown, unknown.Model(), "unrelated name MUST map to Unknown")
}

func (s *LampTestSuite) TestPairingPrecedesFirstWrite() {
	// GOAL: Verify no command reaches the wire before the pairing handshake
	//
	// TEST SCENARIO: TurnOn on a fresh lamp → pair frame written first → power frame second

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()

	ok := l.TurnOn(context.Background())

	s.Require().True(ok, "command MUST succeed")
	writes := s.transport.handle(0).recordedWrites()
	s.Require().Len(writes, 2, "exactly pair + power MUST be written")
	s.Assert().Equal(byte(protocol.CmdPair), writes[0][1], "first frame on the wire MUST be the pairing handshake")
	s.Assert().Equal(byte(protocol.CmdPower), writes[1][1], "second frame MUST be the power command")
	s.Assert().Equal(lamp.Paired, l.ConnState(), "lamp MUST be Paired after the handshake")
	s.Assert().True(l.Available(), "availability MUST follow Paired")
	s.Assert().True(l.State().IsOn, "optimistic update MUST mark the lamp on")
}

func (s *LampTestSuite) TestBrightnessClampedOnWire() {
	// GOAL: Verify out-of-range brightness never reaches the device raw
	//
	// TEST SCENARIO: SetBrightness(150) → wire frame carries 100 → local state carries 100

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()

	ok := l.SetBrightness(context.Background(), 150)

	s.Require().True(ok)
	writes := s.transport.handle(0).recordedWrites()
	last := writes[len(writes)-1]
	s.Assert().Equal(byte(protocol.CmdBrightness), last[1])
	s.Assert().Equal(byte(100), last[2], "brightness byte MUST be clamped to 100")
	s.Assert().Equal(uint8(100), l.State().Brightness, "local state MUST hold the clamped value")
}

func (s *LampTestSuite) TestWriteFailureTriggersSingleRetry() {
	// GOAL: Verify a failed write causes exactly one reconnect-and-retry
	//
	// TEST SCENARIO: First handle fails all command writes → lamp reconnects →
	// retried write succeeds on the second handle → no further attempts

	s.transport.prepare = func(h *fakeHandle, index int) {
		h.respond = pairResponder(protocol.PairSuccess)
		if index == 0 {
			h.failWrite = func(frame []byte) error {
				if frame[1] != protocol.CmdPair {
					return &lamp.WriteError{CharUUID: protocol.ControlUUID, Err: context.DeadlineExceeded}
				}
				return nil
			}
		}
	}
	l := s.newBedside()

	ok := l.TurnOn(context.Background())

	s.Require().True(ok, "command MUST succeed after one retry")
	s.Assert().Equal(2, s.transport.connectCount(), "exactly one reconnect MUST happen")

	first := s.transport.handle(0).recordedWrites()
	second := s.transport.handle(1).recordedWrites()
	s.Assert().Equal(byte(protocol.CmdPower), first[len(first)-1][1], "failed power write MUST have been attempted on the first handle")
	s.Require().Len(second, 1, "second handle MUST see exactly the retried write")
	s.Assert().Equal(byte(protocol.CmdPower), second[0][1])
}

func (s *LampTestSuite) TestSecondWriteFailureReportsFailure() {
	// GOAL: Verify the retry is bounded: a second failure fails the command
	//
	// TEST SCENARIO: Every handle fails command writes → TurnOn returns false →
	// exactly two write attempts, exactly two connects, state unchanged

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
		h.failWrite = func(frame []byte) error {
			if frame[1] != protocol.CmdPair {
				return &lamp.WriteError{CharUUID: protocol.ControlUUID, Err: context.DeadlineExceeded}
			}
			return nil
		}
	}
	l := s.newBedside()

	ok := l.TurnOn(context.Background())

	s.Assert().False(ok, "command MUST report failure")
	s.Assert().Equal(2, s.transport.connectCount(), "retry MUST be bounded to one reconnect")
	s.Assert().False(l.State().IsOn, "failed command MUST leave the state model unchanged")

	powerAttempts := 0
	for _, frame := range s.transport.allWrites() {
		if frame[1] == protocol.CmdPower {
			powerAttempts++
		}
	}
	s.Assert().Equal(2, powerAttempts, "the power frame MUST be attempted exactly twice")
}

func (s *LampTestSuite) TestConcurrentCommandsNeverInterleave() {
	// GOAL: Verify the operation lock yields a total order of wire frames
	//
	// TEST SCENARIO: TurnOn and TurnOff race → writes never overlap → wire
	// sees pair, then both power frames one after another

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.TurnOn(context.Background()) }()
	go func() { defer wg.Done(); l.TurnOff(context.Background()) }()
	wg.Wait()

	h := s.transport.handle(0)
	s.Assert().Equal(int32(1), atomic.LoadInt32(&h.maxInFlight), "writes MUST never overlap on the wire")

	writes := h.recordedWrites()
	s.Require().Len(writes, 3, "wire MUST see pair + two power frames")
	s.Assert().Equal(byte(protocol.CmdPair), writes[0][1])
	s.Assert().Equal(byte(protocol.CmdPower), writes[1][1])
	s.Assert().Equal(byte(protocol.CmdPower), writes[2][1])
}

func (s *LampTestSuite) TestDisconnectCallbackResetsSession() {
	// GOAL: Verify a disconnect callback mid-session invalidates the
	// subscription flag and the next command re-subscribes exactly once
	//
	// TEST SCENARIO: Pair → link drops → TurnOn → new session subscribes once
	// and re-pairs before writing

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()

	s.Require().NoError(l.EnsurePaired(context.Background()))
	s.Require().Equal(lamp.Paired, l.ConnState())

	// Simulate remote link loss.
	s.Require().NoError(s.transport.handle(0).Disconnect())
	s.Assert().Equal(lamp.Disconnected, l.ConnState(), "disconnect callback MUST reset state")
	s.Assert().Equal(protocol.ModeUnset, l.State().Mode, "mode MUST clear on disconnect")

	ok := l.TurnOn(context.Background())

	s.Require().True(ok)
	s.Assert().Equal(2, s.transport.connectCount(), "a new session MUST be established")
	s.Assert().Equal(1, s.transport.handle(0).subscribeCalls, "old session MUST have subscribed exactly once")
	s.Assert().Equal(1, s.transport.handle(1).subscribeCalls, "new session MUST re-subscribe exactly once")
}

func (s *LampTestSuite) TestConnectIsIdempotent() {
	// GOAL: Verify connect() with a live handle is a no-op that normalizes
	// stale Disconnected state
	//
	// TEST SCENARIO: Connect twice → one transport session; a stale
	// Disconnected state with a live handle normalizes to Unpaired

	l := s.newBedside()

	s.Require().NoError(l.Connect(context.Background()))
	s.Require().NoError(l.Connect(context.Background()))
	s.Assert().Equal(1, s.transport.connectCount(), "second connect MUST reuse the live handle")
	s.Assert().Equal(lamp.Unpaired, l.ConnState())
}

func (s *LampTestSuite) TestResolverRefreshesAddress() {
	// GOAL: Verify the injected resolver can update the transport address
	//
	// TEST SCENARIO: Resolver reports a new address → connect uses it →
	// lamp identity reflects the update

	updated := lamp.DeviceIdentity{Address: "ff:ee:dd:cc:bb:aa", Name: "XMCTD_test"}
	resolver := func() *lamp.DeviceIdentity { return &updated }

	l := lamp.New(s.transport, lamp.DeviceIdentity{Address: "aa:bb:cc:dd:ee:ff", Name: "XMCTD_test"}, resolver, testOptions(), s.logger)
	s.Require().NoError(l.Connect(context.Background()))

	s.Assert().Equal(updated.Address, l.Address(), "lamp identity MUST carry the resolved address")
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.Assert().Equal(updated.Address, s.transport.identities[0].Address, "transport MUST be dialed with the resolved address")
}

func (s *LampTestSuite) TestPairResultTransitions() {
	// GOAL: Verify each pairing result code drives the right state transition
	//
	// TEST SCENARIO: Each code pushed as a notification → connection state
	// follows confirm-request→Pairing, success/already→Paired, rejected→Unpaired

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()
	s.Require().NoError(l.EnsurePaired(context.Background()))
	h := s.transport.handle(0)

	push := func(code byte) {
		resp := make([]byte, protocol.FrameLength)
		resp[0] = protocol.FrameStart
		resp[1] = protocol.ResPair
		resp[2] = code
		h.notify(resp)
	}

	push(protocol.PairRejected)
	s.Assert().Equal(lamp.Unpaired, l.ConnState(), "code 0x03 MUST transition to Unpaired")

	push(protocol.PairConfirmRequest)
	s.Assert().Equal(lamp.Pairing, l.ConnState(), "code 0x01 MUST transition to Pairing")

	push(protocol.PairSuccess)
	s.Assert().Equal(lamp.Paired, l.ConnState(), "code 0x02 MUST transition to Paired")

	push(protocol.PairRejected)
	push(protocol.PairAlreadyPaired)
	s.Assert().Equal(lamp.Paired, l.ConnState(), "code 0x04 MUST transition to Paired")

	push(0x7f)
	s.Assert().Equal(lamp.Unpaired, l.ConnState(), "unknown codes MUST fall back to Unpaired")
}

func (s *LampTestSuite) TestAssumePairedFallback() {
	// GOAL: Verify the explicit best-effort fallback for lamps that never
	// notify a pairing result
	//
	// TEST SCENARIO: Candela with no pair responder → confirmation wait times
	// out → state is forced to Paired

	l := s.newCandela()

	start := time.Now()
	s.Require().NoError(l.EnsurePaired(context.Background()))

	s.Assert().Equal(lamp.Paired, l.ConnState(), "state MUST be forced to Paired after the timeout")
	s.Assert().Less(time.Since(start), 5*time.Second, "the confirmation wait MUST be bounded")
}

func (s *LampTestSuite) TestSubscribeFailureTolerated() {
	// GOAL: Verify pairing proceeds when the notification subscription fails
	//
	// TEST SCENARIO: Subscribe returns an error → EnsurePaired still
	// completes via the assume-paired fallback

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.subscribeErr = lamp.ErrUnsupported
	}
	l := s.newBedside()

	s.Require().NoError(l.EnsurePaired(context.Background()))
	s.Assert().Equal(lamp.Paired, l.ConnState())
}

func (s *LampTestSuite) TestStateNotificationBedside() {
	// GOAL: Verify the Bedside state layout updates the full state model
	//
	// TEST SCENARIO: Paired lamp receives a state frame → on/off, mode, RGB,
	// brightness and temperature all update

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()
	s.Require().NoError(l.EnsurePaired(context.Background()))

	frame := make([]byte, protocol.FrameLength)
	frame[0] = protocol.FrameStart
	frame[1] = protocol.ResGetState
	frame[2] = protocol.PowerOn
	frame[3] = byte(protocol.ModeColor)
	frame[4], frame[5], frame[6] = 255, 64, 32
	frame[8] = 80
	frame[9], frame[10] = 0x0f, 0xa0 // 4000 K
	s.transport.handle(0).notify(frame)

	st := l.State()
	s.Assert().True(st.IsOn)
	s.Assert().Equal(protocol.ModeColor, st.Mode)
	s.Assert().Equal(uint8(255), st.Red)
	s.Assert().Equal(uint8(64), st.Green)
	s.Assert().Equal(uint8(32), st.Blue)
	s.Assert().Equal(uint8(80), st.Brightness)
	s.Assert().Equal(uint16(4000), st.Temperature)
}

func (s *LampTestSuite) TestModeUnsetWhileNotPaired() {
	// GOAL: Verify mode is only trusted while Paired
	//
	// TEST SCENARIO: Pairing gets rejected → lamp falls back to Unpaired →
	// a state frame still updates on/off but its mode is discarded

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()
	s.Require().NoError(l.EnsurePaired(context.Background()))
	h := s.transport.handle(0)

	rejected := make([]byte, protocol.FrameLength)
	rejected[0] = protocol.FrameStart
	rejected[1] = protocol.ResPair
	rejected[2] = protocol.PairRejected
	h.notify(rejected)
	s.Require().Equal(lamp.Unpaired, l.ConnState())

	frame := make([]byte, protocol.FrameLength)
	frame[0] = protocol.FrameStart
	frame[1] = protocol.ResGetState
	frame[2] = protocol.PowerOn
	frame[3] = byte(protocol.ModeColor)
	h.notify(frame)

	s.Assert().True(l.State().IsOn, "on/off MUST still be tracked while Unpaired")
	s.Assert().Equal(protocol.ModeUnset, l.State().Mode, "mode MUST stay Unset while not Paired")
}

func (s *LampTestSuite) TestShortNotificationIsNoOp() {
	// GOAL: Verify malformed notifications never change state or crash
	//
	// TEST SCENARIO: Paired lamp receives truncated frames → state unchanged

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()
	s.Require().NoError(l.EnsurePaired(context.Background()))

	before := l.State()
	h := s.transport.handle(0)
	h.notify(nil)
	h.notify([]byte{0x43})
	h.notify([]byte{0x43, protocol.ResGetState, 0x01})

	s.Assert().Equal(before, l.State(), "short frames MUST leave the state model unchanged")
}

func (s *LampTestSuite) TestOptimisticUpdates() {
	// GOAL: Verify successful writes update local state before any
	// confirming notification
	//
	// TEST SCENARIO: Color and temperature commands succeed → state model
	// reflects them immediately, including the active mode

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()
	ctx := context.Background()

	s.Require().True(l.SetColor(ctx, 10, 20, 30, 40))
	st := l.State()
	s.Assert().Equal(uint8(10), st.Red)
	s.Assert().Equal(uint8(20), st.Green)
	s.Assert().Equal(uint8(30), st.Blue)
	s.Assert().Equal(uint8(40), st.Brightness)
	s.Assert().Equal(protocol.ModeColor, st.Mode)

	s.Require().True(l.SetTemperature(ctx, 3000, -1))
	st = l.State()
	s.Assert().Equal(uint16(3000), st.Temperature)
	s.Assert().Equal(uint8(40), st.Brightness, "negative brightness MUST keep the current value")
	s.Assert().Equal(protocol.ModeWhite, st.Mode)
}

func (s *LampTestSuite) TestStateCallbacksIsolated() {
	// GOAL: Verify a panicking subscriber never affects its siblings
	//
	// TEST SCENARIO: Three callbacks, the middle one panics → all three are
	// invoked → the triggering operation still succeeds

	s.transport.prepare = func(h *fakeHandle, _ int) {
		h.respond = pairResponder(protocol.PairSuccess)
	}
	l := s.newBedside()

	var first, third atomic.Int32
	l.OnStateChanged(func() { first.Add(1) })
	l.OnStateChanged(func() { panic("subscriber bug") })
	l.OnStateChanged(func() { third.Add(1) })

	ok := l.TurnOn(context.Background())

	s.Require().True(ok, "a panicking callback MUST NOT fail the operation")
	s.Assert().Positive(first.Load(), "first callback MUST run")
	s.Assert().Positive(third.Load(), "callback after the panicking one MUST still run")
}

func (s *LampTestSuite) TestConnectFailureSurfaced() {
	// GOAL: Verify connect failures fail the command without touching state
	//
	// TEST SCENARIO: Transport refuses to connect → TurnOn reports failure →
	// state stays Disconnected

	s.transport.connectErr = &lamp.ConnectError{Address: "aa:bb:cc:dd:ee:ff", Attempts: 2, Err: context.DeadlineExceeded}
	l := s.newBedside()

	ok := l.TurnOn(context.Background())

	s.Assert().False(ok)
	s.Assert().Equal(lamp.Disconnected, l.ConnState())
	s.Assert().False(l.State().IsOn)
}

func (s *LampTestSuite) TestDisconnectIsDefensive() {
	// GOAL: Verify Disconnect never propagates transport errors
	//
	// TEST SCENARIO: Disconnect without a session is a no-op; after a
	// session it always lands in Disconnected

	l := s.newBedside()
	l.Disconnect() // no session yet

	s.Require().NoError(l.Connect(context.Background()))
	l.Disconnect()
	s.Assert().Equal(lamp.Disconnected, l.ConnState())
}
