package uart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/uart"
	"github.com/stretchr/testify/suite"
)

// fakeTransport records calls and lets the test inject events.
type fakeTransport struct {
	mu          sync.Mutex
	events      chan uart.Event
	connectErr  error
	writeErr    error
	connects    []string
	discoveries int
	enabled     []string
	writes      [][]byte
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan uart.Event, 16)}
}

func (f *fakeTransport) Connect(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, address)
	return f.connectErr
}

func (f *fakeTransport) DiscoverServices() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveries++
	return nil
}

func (f *fakeTransport) EnableNotifications(service, characteristic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, device.NormalizeUUID(characteristic))
	return nil
}

func (f *fakeTransport) Write(_, _ string, data []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Events() <-chan uart.Event { return f.events }

func (f *fakeTransport) snapshot() (discoveries int, enabled []string, writes [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoveries, append([]string(nil), f.enabled...), append([][]byte(nil), f.writes...)
}

func uartServices(withRX bool) []device.Service {
	chars := []device.Characteristic{{
		UUID:       device.NormalizeUUID(uart.TXCharUUID),
		Properties: device.PropNotify,
	}}
	if withRX {
		chars = append(chars, device.Characteristic{
			UUID:       device.NormalizeUUID(uart.RXCharUUID),
			Properties: device.PropWrite | device.PropWriteNoResponse,
		})
	}
	return []device.Service{
		{UUID: "1800", Characteristics: []device.Characteristic{{UUID: "2a00", Properties: device.PropRead}}},
		{UUID: device.NormalizeUUID(uart.ServiceUUID), Characteristics: chars},
	}
}

type ManagerTestSuite struct {
	suite.Suite

	transport *fakeTransport
	manager   *uart.Manager
	ctx       context.Context
	cancel    context.CancelFunc
	clock     time.Time
}

func (suite *ManagerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	suite.clock = time.Date(2025, 10, 22, 10, 0, 0, 0, time.UTC)
	suite.transport = newFakeTransport()
	suite.manager = uart.NewManager(suite.transport, logger, &uart.Options{WriteDelay: -1})
	suite.manager.SetClock(func() time.Time { return suite.clock })

	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.manager.Start(suite.ctx)
}

func (suite *ManagerTestSuite) TearDownTest() {
	suite.cancel()
	suite.NoError(suite.manager.Close())
}

func (suite *ManagerTestSuite) send(ev uart.Event) {
	suite.transport.events <- ev
}

func (suite *ManagerTestSuite) waitState(want uart.ConnectionState) {
	suite.Eventually(func() bool { return suite.manager.State() == want },
		time.Second, 2*time.Millisecond, "state MUST become %s", want)
}

func (suite *ManagerTestSuite) connectAndSubscribe(withRX bool) {
	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA:BB:CC:DD:EE:FF"))
	suite.send(uart.Event{Kind: uart.EventLinkUp})
	suite.waitState(uart.Connected)
	suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Services: uartServices(withRX)})
	suite.Eventually(suite.manager.Subscribed, time.Second, 2*time.Millisecond)
}

func (suite *ManagerTestSuite) notify(line string) {
	suite.send(uart.Event{Kind: uart.EventNotification, Characteristic: uart.TXCharUUID, Data: []byte(line)})
}

func (suite *ManagerTestSuite) TestConnectLifecycle() {
	// GOAL: Verify the Disconnected → Connecting → Connected → Disconnected transitions
	//
	// TEST SCENARIO: Connect → Connecting → link up → Connected and discovery requested → link lost → Disconnected
	suite.Equal(uart.Disconnected, suite.manager.State())

	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA:BB:CC:DD:EE:FF"))
	suite.Equal(uart.Connecting, suite.manager.State(), "Connect MUST move to Connecting immediately")
	suite.Equal("AA:BB:CC:DD:EE:FF", suite.manager.Address())

	suite.send(uart.Event{Kind: uart.EventLinkUp})
	suite.waitState(uart.Connected)
	suite.Eventually(func() bool {
		d, _, _ := suite.transport.snapshot()
		return d == 1
	}, time.Second, 2*time.Millisecond, "link up MUST request exactly one discovery")

	suite.send(uart.Event{Kind: uart.EventLinkDown, Err: device.ErrNotConnected})
	suite.waitState(uart.Disconnected)
	suite.False(suite.manager.Subscribed())
}

func (suite *ManagerTestSuite) TestConnectWhileBusy() {
	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))

	err := suite.manager.Connect(suite.ctx, "BB")
	suite.ErrorIs(err, device.ErrAlreadyConnected)
}

func (suite *ManagerTestSuite) TestConnectFailureReturnsToDisconnected() {
	suite.transport.connectErr = device.ErrBluetoothOff

	err := suite.manager.Connect(suite.ctx, "AA")

	suite.ErrorIs(err, device.ErrBluetoothOff, "transport error MUST be preserved in the chain")
	suite.Equal(uart.Disconnected, suite.manager.State())
}

func (suite *ManagerTestSuite) TestDiscoveryWithoutUARTStaysConnected() {
	// GOAL: A peripheral without the UART service leaves the manager connected with no subscription
	//
	// TEST SCENARIO: Connect → link up → discovery returns only GAP → state Connected, no notifications enabled
	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
	suite.send(uart.Event{Kind: uart.EventLinkUp})
	suite.waitState(uart.Connected)

	suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Services: []device.Service{
		{UUID: "1800", Characteristics: []device.Characteristic{{UUID: "2a00"}}},
	}})

	suite.Eventually(func() bool { return len(suite.manager.Services()) == 1 }, time.Second, 2*time.Millisecond)
	suite.Equal(uart.Connected, suite.manager.State(), "missing UART service MUST NOT change state")
	suite.False(suite.manager.Subscribed(), "missing UART service MUST NOT subscribe")
	_, enabled, _ := suite.transport.snapshot()
	suite.Empty(enabled)
}

func (suite *ManagerTestSuite) TestDiscoveryErrorStaysConnected() {
	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
	suite.send(uart.Event{Kind: uart.EventLinkUp})
	suite.waitState(uart.Connected)

	suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Err: errors.New("att timeout")})
	suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Err: errors.New("second")})

	suite.Never(suite.manager.Subscribed, 50*time.Millisecond, 5*time.Millisecond)
	suite.Equal(uart.Connected, suite.manager.State())
}

func (suite *ManagerTestSuite) TestNotificationsBecomeBatches() {
	// GOAL: Each valid TX line is emitted as a one-entry batch stamped with the host clock
	//
	// TEST SCENARIO: Subscribe → send valid, malformed and valid lines → two batches arrive in order
	batches := suite.manager.Batches(suite.ctx)
	suite.connectAndSubscribe(true)

	_, enabled, _ := suite.transport.snapshot()
	suite.Equal([]string{device.NormalizeUUID(uart.TXCharUUID)}, enabled, "notifications MUST be enabled on TX")

	suite.notify("1,0,1,123456")
	suite.notify("garbage")
	suite.notify("0,1,0,123999\n")

	for _, want := range [][]int{{1, 0, 1}, {0, 1, 0}} {
		select {
		case got := <-batches:
			suite.Require().Len(got, 1)
			suite.Equal(want, got[0].Values())
			suite.Equal(suite.clock, got[0].Timestamp(), "entry MUST carry host time")
		case <-time.After(time.Second):
			suite.FailNow("batch not delivered")
		}
	}

	suite.Eventually(func() bool { return suite.manager.Metrics().Dropped == 1 }, time.Second, 2*time.Millisecond)
	m := suite.manager.Metrics()
	suite.Equal(int64(3), m.Notifications)
	suite.Equal(int64(2), m.Emitted)
	suite.Equal([]string{"1,0,1,123456", "garbage", "0,1,0,123999\n"}, suite.manager.DrainRawLines())
	suite.Empty(suite.manager.DrainRawLines(), "drain MUST consume lines")
}

func (suite *ManagerTestSuite) TestNotificationFromOtherCharacteristicIgnored() {
	suite.connectAndSubscribe(true)

	suite.send(uart.Event{Kind: uart.EventNotification, Characteristic: "2a19", Data: []byte("1,1,1,1")})
	suite.notify("1,1,1,1")

	suite.Eventually(func() bool { return suite.manager.Metrics().Emitted == 1 }, time.Second, 2*time.Millisecond)
	suite.Equal(int64(1), suite.manager.Metrics().Notifications)
}

func (suite *ManagerTestSuite) TestSendChunksToRX() {
	suite.connectAndSubscribe(true)

	msg := "reset-counters-now-and-then-again" // 33 bytes
	suite.Require().NoError(suite.manager.Send(msg))

	_, _, writes := suite.transport.snapshot()
	suite.Require().Len(writes, 2, "message MUST be split into 20-byte chunks")
	suite.Len(writes[0], 20)
	suite.Equal(msg, string(writes[0])+string(writes[1]))
	suite.Equal(int64(len(msg)), suite.manager.Metrics().BytesSent)
}

func (suite *ManagerTestSuite) TestSendErrors() {
	suite.Run("not connected", func() {
		suite.ErrorIs(suite.manager.Send("x"), device.ErrNotConnected)
	})

	suite.Run("rx missing", func() {
		suite.connectAndSubscribe(false)
		var nf *device.NotFoundError
		suite.ErrorAs(suite.manager.Send("x"), &nf)
	})
}

func (suite *ManagerTestSuite) TestSendWriteFailure() {
	suite.connectAndSubscribe(true)
	suite.transport.mu.Lock()
	suite.transport.writeErr = errors.New("write failed")
	suite.transport.mu.Unlock()

	suite.ErrorContains(suite.manager.Send("hello"), "write failed")

	suite.transport.mu.Lock()
	suite.transport.writeErr = nil
	suite.transport.mu.Unlock()
	suite.NoError(suite.manager.Send("ok"))
	_, _, writes := suite.transport.snapshot()
	suite.Equal("ok", string(writes[len(writes)-1]), "failed send MUST NOT leave bytes queued")
}

func (suite *ManagerTestSuite) TestDisconnect() {
	suite.connectAndSubscribe(true)

	suite.NoError(suite.manager.Disconnect())

	suite.Equal(uart.Disconnected, suite.manager.State())
	suite.False(suite.manager.Subscribed())
	suite.Equal(1, suite.transport.disconnects)
	suite.NoError(suite.manager.Disconnect(), "second disconnect MUST be a no-op")
	suite.Equal(1, suite.transport.disconnects)
}

func (suite *ManagerTestSuite) TestStatesStream() {
	states := suite.manager.States(suite.ctx)
	suite.Equal(uart.Disconnected, <-states)

	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
	suite.Equal(uart.Connecting, <-states)
}

func (suite *ManagerTestSuite) TestWaitSubscribed() {
	// GOAL: Verify WaitSubscribed returns once notifications are enabled and fails when the link drops

	suite.Run("returns immediately when subscribed", func() {
		suite.connectAndSubscribe(true)
		defer func() { suite.NoError(suite.manager.Disconnect()) }()

		ctx, cancel := context.WithTimeout(suite.ctx, time.Second)
		defer cancel()
		suite.NoError(suite.manager.WaitSubscribed(ctx))
	})

	suite.Run("waits for discovery", func() {
		suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA:BB:CC:DD:EE:FF"))
		defer func() { suite.NoError(suite.manager.Disconnect()) }()

		ctx, cancel := context.WithTimeout(suite.ctx, 2*time.Second)
		defer cancel()
		errCh := make(chan error, 1)
		go func() { errCh <- suite.manager.WaitSubscribed(ctx) }()

		suite.send(uart.Event{Kind: uart.EventLinkUp})
		suite.waitState(uart.Connected)
		suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Services: uartServices(true)})

		suite.NoError(<-errCh, "WaitSubscribed MUST return once notifications are on")
	})

	suite.Run("fails when the link drops", func() {
		suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA:BB:CC:DD:EE:FF"))

		ctx, cancel := context.WithTimeout(suite.ctx, 2*time.Second)
		defer cancel()
		errCh := make(chan error, 1)
		go func() { errCh <- suite.manager.WaitSubscribed(ctx) }()

		// Let the waiter observe Connecting before the link goes down.
		time.Sleep(50 * time.Millisecond)
		suite.send(uart.Event{Kind: uart.EventLinkDown, Err: device.ErrNotConnected})

		suite.ErrorIs(<-errCh, device.ErrNotConnected)
	})

	suite.Run("gives up when ctx ends", func() {
		ctx, cancel := context.WithTimeout(suite.ctx, 30*time.Millisecond)
		defer cancel()
		suite.ErrorIs(suite.manager.WaitSubscribed(ctx), context.DeadlineExceeded)
	})
}

// failures subscribes until the current (sub)test ends.
func (suite *ManagerTestSuite) failures() <-chan error {
	ctx, cancel := context.WithCancel(suite.ctx)
	suite.T().Cleanup(cancel)
	return suite.manager.Failures(ctx)
}

func (suite *ManagerTestSuite) nextFailure(failures <-chan error) error {
	select {
	case err := <-failures:
		return err
	case <-time.After(time.Second):
		suite.FailNow("no failure reported")
		return nil
	}
}

func (suite *ManagerTestSuite) TestFailures() {
	// GOAL: Verify every unrequested end of a connection attempt is reported on Failures
	//
	// TEST SCENARIO: dial fails / link lost while streaming / no UART service / discovery error → one failure each with its reason

	suite.Run("dial fails while connecting", func() {
		failures := suite.failures()
		suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
		suite.send(uart.Event{Kind: uart.EventLinkDown, Err: device.ErrTimeout})

		suite.ErrorIs(suite.nextFailure(failures), device.ErrTimeout)
		suite.waitState(uart.Disconnected)
	})

	suite.Run("link lost while connected", func() {
		suite.connectAndSubscribe(true)
		failures := suite.failures()
		suite.notify("1,0,1,100")

		suite.send(uart.Event{Kind: uart.EventLinkDown, Err: device.ErrNotConnected})
		suite.ErrorIs(suite.nextFailure(failures), device.ErrNotConnected)
		suite.waitState(uart.Disconnected)
	})

	suite.Run("link closed without a reason", func() {
		suite.connectAndSubscribe(true)
		failures := suite.failures()

		suite.send(uart.Event{Kind: uart.EventLinkDown})
		suite.ErrorIs(suite.nextFailure(failures), device.ErrNotConnected,
			"a silent link loss MUST still be reported")
		suite.waitState(uart.Disconnected)
	})

	suite.Run("peripheral without UART service", func() {
		suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
		defer func() { suite.NoError(suite.manager.Disconnect()) }()
		failures := suite.failures()
		suite.send(uart.Event{Kind: uart.EventLinkUp})
		suite.waitState(uart.Connected)
		suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Services: []device.Service{{UUID: "1800"}}})

		err := suite.nextFailure(failures)
		suite.ErrorIs(err, device.ErrServiceNotFound)
		var notFound *device.NotFoundError
		suite.ErrorAs(err, &notFound)
		suite.Equal("service", notFound.Resource)
		suite.Equal(uart.Connected, suite.manager.State(), "missing UART service MUST NOT change state")
	})

	suite.Run("discovery error", func() {
		suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
		defer func() { suite.NoError(suite.manager.Disconnect()) }()
		failures := suite.failures()
		suite.send(uart.Event{Kind: uart.EventLinkUp})
		suite.waitState(uart.Connected)

		discoveryErr := errors.New("att timeout")
		suite.send(uart.Event{Kind: uart.EventServicesDiscovered, Err: discoveryErr})
		suite.ErrorIs(suite.nextFailure(failures), discoveryErr)
	})
}

func (suite *ManagerTestSuite) TestRequestedDisconnectIsNotAFailure() {
	suite.connectAndSubscribe(true)
	failures := suite.failures()

	suite.NoError(suite.manager.Disconnect())
	suite.send(uart.Event{Kind: uart.EventLinkDown})

	suite.Never(func() bool { return len(failures) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"Disconnect MUST NOT be reported as a failure")
}

func (suite *ManagerTestSuite) TestFailureReplayClearedOnConnect() {
	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
	suite.send(uart.Event{Kind: uart.EventLinkDown, Err: device.ErrTimeout})
	suite.waitState(uart.Disconnected)

	late := suite.failures()
	suite.ErrorIs(suite.nextFailure(late), device.ErrTimeout, "a late subscriber MUST see the failure of the current attempt")

	suite.Require().NoError(suite.manager.Connect(suite.ctx, "AA"))
	defer func() { suite.NoError(suite.manager.Disconnect()) }()
	fresh := suite.failures()
	suite.Never(func() bool { return len(fresh) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"a new attempt MUST NOT replay the previous failure")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func TestManager_BatchSize(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	tr := newFakeTransport()
	m := uart.NewManager(tr, logger, &uart.Options{BatchSize: 2})
	ctx := t.Context()
	m.Start(ctx)
	defer m.Close()

	out := m.Batches(ctx)
	if err := m.Connect(ctx, "AA"); err != nil {
		t.Fatal(err)
	}
	tr.events <- uart.Event{Kind: uart.EventLinkUp}
	tr.events <- uart.Event{Kind: uart.EventServicesDiscovered, Services: uartServices(true)}
	for _, l := range []string{"1,0,0,1", "0,1,0,2", "0,0,1,3"} {
		tr.events <- uart.Event{Kind: uart.EventNotification, Characteristic: uart.TXCharUUID, Data: []byte(l)}
	}

	select {
	case b := <-out:
		if len(b) != 2 {
			t.Fatalf("batch MUST hold 2 entries, got %d", len(b))
		}
		if b[1].Value(1) != 1 {
			t.Fatalf("unexpected second entry %v", b[1].Values())
		}
	case <-time.After(time.Second):
		t.Fatal("batch not delivered")
	}
}
