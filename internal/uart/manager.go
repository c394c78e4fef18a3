package uart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blecount/internal/batch"
	"github.com/srg/blecount/internal/broadcast"
	"github.com/srg/blecount/internal/device"
	"github.com/srg/blecount/internal/groutine"
)

const (
	// DefaultBatchSize is the number of entries per emitted batch.
	DefaultBatchSize = 1

	// DefaultChunkSize is the ATT payload of a 23-byte MTU.
	DefaultChunkSize = 20

	// DefaultWriteDelay separates consecutive chunks so the peripheral can keep up.
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultOutboundCapacity bounds a single queued Send.
	DefaultOutboundCapacity = 1024

	// DefaultRawLines is the number of inbound lines kept for diagnostics.
	DefaultRawLines = 64

	subscribePoll = 20 * time.Millisecond
)

// ErrLineTooLong is returned by Send when a message exceeds the outbound queue.
var ErrLineTooLong = errors.New("message exceeds outbound queue capacity")

// Options tunes a Manager. Zero fields take the package defaults; a negative
// WriteDelay disables the pause between chunks.
type Options struct {
	Fields           int
	BatchSize        int
	ExtraCapacity    int
	ChunkSize        int
	WriteDelay       time.Duration
	OutboundCapacity int
	RawLines         uint32
	WithResponse     bool
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Fields <= 0 {
		out.Fields = batch.DefaultFields
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.ExtraCapacity <= 0 {
		out.ExtraCapacity = broadcast.DefaultExtraCapacity
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.WriteDelay < 0 {
		out.WriteDelay = 0
	} else if out.WriteDelay == 0 {
		out.WriteDelay = DefaultWriteDelay
	}
	if out.OutboundCapacity <= 0 {
		out.OutboundCapacity = DefaultOutboundCapacity
	}
	if out.RawLines == 0 {
		out.RawLines = DefaultRawLines
	}
	return out
}

// Metrics is a snapshot of manager counters.
type Metrics struct {
	Notifications  int64
	Dropped        int64 // lines that failed to parse
	Emitted        int64 // batches delivered
	EmitFailures   int64 // batches rejected by a full subscriber
	RawOverwritten int64
	BytesSent      int64
}

// Manager owns one peripheral connection. Transport events are handled on a
// single goroutine started by Start; Connect, Disconnect and Send may be called
// from any goroutine.
type Manager struct {
	transport Transport
	parser    *batch.Parser
	logger    *logrus.Logger
	opts      Options

	state    *broadcast.State[ConnectionState]
	batches  *broadcast.Flow[[]batch.Entry]
	failures *broadcast.Flow[error]
	raw      mpmc.RichOverlappedRingBuffer[string]

	mu         sync.Mutex
	address    string
	services   []device.Service
	subscribed bool
	rxKnown    bool
	pending    []batch.Entry

	sendMu   sync.Mutex
	outbound *ringbuffer.RingBuffer

	group   groutine.Group
	cancel  context.CancelFunc
	started atomic.Bool

	notifications  atomic.Int64
	dropped        atomic.Int64
	emitFailures   atomic.Int64
	rawOverwritten atomic.Int64
	bytesSent      atomic.Int64
}

// NewManager creates a manager over transport. Call Start before Connect.
func NewManager(transport Transport, logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	o := opts.withDefaults()

	return &Manager{
		transport: transport,
		parser:    batch.NewParser(o.Fields, logger),
		logger:    logger,
		opts:      o,
		state:     broadcast.NewState(Disconnected),
		batches:   broadcast.NewFlow[[]batch.Entry](o.ExtraCapacity),
		failures:  broadcast.NewFlow[error](1),
		raw:       mpmc.NewOverlappedRingBuffer[string](o.RawLines),
		outbound:  ringbuffer.New(o.OutboundCapacity),
	}
}

// SetClock replaces the clock used to stamp entries.
func (m *Manager) SetClock(now func() time.Time) {
	m.parser.Now = now
}

// Start runs the event loop until ctx is done or the transport closes its
// event channel.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.group.Go(ctx, "uart-events", m.run)
}

// Close stops the event loop, disconnects and closes the batch flow.
func (m *Manager) Close() error {
	err := m.Disconnect()
	if m.cancel != nil {
		m.cancel()
	}
	m.group.Wait()
	m.batches.Close()
	m.failures.Close()
	m.state.Close()
	return err
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return m.state.Value()
}

// States streams connection state changes, starting with the current state.
func (m *Manager) States(ctx context.Context) <-chan ConnectionState {
	return m.state.Subscribe(ctx)
}

// Batches streams parsed batches. A new subscriber first receives the most
// recent batch.
func (m *Manager) Batches(ctx context.Context) <-chan []batch.Entry {
	return m.batches.Subscribe(ctx)
}

// Failures streams the reason each connection attempt ended without being
// asked to: a failed dial, a lost link, or a peripheral without a usable UART
// service. A new subscriber first receives the failure of the current attempt,
// if any. A requested Disconnect is not a failure.
func (m *Manager) Failures(ctx context.Context) <-chan error {
	return m.failures.Subscribe(ctx)
}

// Subscribed reports whether notifications are enabled on the TX characteristic.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// WaitSubscribed blocks until notifications are enabled on the TX
// characteristic. It fails if the link drops or ctx ends first.
func (m *Manager) WaitSubscribed(ctx context.Context) error {
	states := m.States(ctx)
	ticker := time.NewTicker(subscribePoll)
	defer ticker.Stop()

	seenActive := false
	for {
		if m.Subscribed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return device.ErrNotConnected
			}
			if st != Disconnected {
				seenActive = true
			} else if seenActive {
				return device.ErrNotConnected
			}
		case <-ticker.C:
		}
	}
}

// Address returns the peripheral address of the current or last connection.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Services returns the services reported by the last discovery.
func (m *Manager) Services() []device.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Service, len(m.services))
	copy(out, m.services)
	return out
}

// Metrics returns a snapshot of the manager counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		Notifications:  m.notifications.Load(),
		Dropped:        m.dropped.Load(),
		Emitted:        m.batches.Metrics().Written,
		EmitFailures:   m.emitFailures.Load(),
		RawOverwritten: m.rawOverwritten.Load(),
		BytesSent:      m.bytesSent.Load(),
	}
}

// DrainRawLines removes and returns the buffered inbound lines, oldest first.
func (m *Manager) DrainRawLines() []string {
	var lines []string
	for !m.raw.IsEmpty() {
		line, err := m.raw.Dequeue()
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

// Connect starts connecting to address. It fails with ErrAlreadyConnected
// unless the manager is Disconnected. Completion is reported through States.
func (m *Manager) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	if m.state.Value() != Disconnected {
		m.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	m.address = address
	m.resetLocked()
	m.failures.ClearReplay()
	m.state.Set(Connecting)
	m.mu.Unlock()

	m.logger.WithField("address", address).Info("Connecting to peripheral...")

	if err := m.transport.Connect(ctx, address); err != nil {
		m.mu.Lock()
		m.state.Set(Disconnected)
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to start connection")
		return fmt.Errorf("failed to connect to %q: %w", address, err)
	}
	return nil
}

// Disconnect tears down the connection. It is a no-op when already Disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state.Value() == Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.resetLocked()
	m.state.Set(Disconnected)
	address := m.address
	m.mu.Unlock()

	m.logger.WithField("address", address).Info("Disconnecting from peripheral...")
	if err := m.transport.Disconnect(); err != nil {
		return fmt.Errorf("disconnect failed: %w", err)
	}
	return nil
}

// Send writes message to the RX characteristic in ChunkSize pieces.
func (m *Manager) Send(message string) error {
	m.mu.Lock()
	connected := m.state.Value() == Connected
	rxKnown := m.rxKnown
	m.mu.Unlock()

	if !connected {
		return device.ErrNotConnected
	}
	if !rxKnown {
		return &device.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{device.NormalizeUUID(ServiceUUID), device.NormalizeUUID(RXCharUUID)},
		}
	}

	data := []byte(message)
	if len(data) == 0 {
		return nil
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if _, err := m.outbound.Write(data); err != nil {
		m.outbound.Reset()
		return fmt.Errorf("%w: %d bytes: %v", ErrLineTooLong, len(data), err)
	}

	chunk := make([]byte, m.opts.ChunkSize)
	for !m.outbound.IsEmpty() {
		n, err := m.outbound.TryRead(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			m.outbound.Reset()
			return fmt.Errorf("outbound queue read failed: %w", err)
		}
		if n == 0 {
			break
		}
		if err := m.transport.Write(ServiceUUID, RXCharUUID, chunk[:n], m.opts.WithResponse); err != nil {
			m.outbound.Reset()
			return fmt.Errorf("failed to write to %s: %w", device.ShortenUUID(device.NormalizeUUID(RXCharUUID)), err)
		}
		m.bytesSent.Add(int64(n))
		if !m.outbound.IsEmpty() {
			time.Sleep(m.opts.WriteDelay)
		}
	}

	m.logger.WithField("bytes", len(data)).Debug("Sent message to peripheral")
	return nil
}

func (m *Manager) run(ctx context.Context) {
	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Debug("Transport event channel closed")
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev Event) {
	m.logger.WithField("event", ev.Kind.String()).Trace("Transport event")

	switch ev.Kind {
	case EventLinkUp:
		m.onLinkUp()
	case EventLinkDown:
		m.onLinkDown(ev.Err)
	case EventServicesDiscovered:
		m.onServicesDiscovered(ev.Services, ev.Err)
	case EventNotification:
		m.onNotification(ev.Characteristic, ev.Data)
	}
}

func (m *Manager) onLinkUp() {
	m.mu.Lock()
	if m.state.Value() != Connecting {
		m.mu.Unlock()
		m.logger.Debug("Ignoring link up outside of a connection attempt")
		return
	}
	m.state.Set(Connected)
	address := m.address
	m.mu.Unlock()

	m.logger.WithField("address", address).Info("Peripheral connected, discovering services...")
	if err := m.transport.DiscoverServices(); err != nil {
		m.logger.WithField("error", err).Error("Failed to request service discovery")
	}
}

func (m *Manager) onLinkDown(reason error) {
	m.mu.Lock()
	prev := m.state.Value()
	m.resetLocked()
	m.state.Set(Disconnected)
	address := m.address
	m.mu.Unlock()

	if prev == Disconnected {
		return
	}
	entry := m.logger.WithField("address", address)
	if reason != nil {
		entry.WithField("error", reason).Warn("Peripheral link lost")
	} else {
		entry.Info("Peripheral disconnected")
		reason = device.ErrNotConnected
	}
	m.fail(reason)
}

// fail reports the end of the current attempt to Failures subscribers.
func (m *Manager) fail(reason error) {
	if !m.failures.TryEmit(reason) {
		m.logger.WithField("error", reason).Warn("Failure subscriber is full, dropping notice")
	}
}

func (m *Manager) onServicesDiscovered(services []device.Service, discoveryErr error) {
	m.mu.Lock()
	if m.state.Value() != Connected {
		m.mu.Unlock()
		return
	}
	m.services = services
	m.mu.Unlock()

	if discoveryErr != nil {
		m.logger.WithField("error", discoveryErr).Error("Service discovery failed, rescan to retry")
		m.fail(fmt.Errorf("service discovery failed: %w", discoveryErr))
		return
	}

	tx, err := device.FindCharacteristic(services, ServiceUUID, TXCharUUID)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"services": len(services),
			"error":    err,
		}).Error("UART service not available on peripheral")
		m.fail(fmt.Errorf("%w: %w", device.ErrServiceNotFound, err))
		return
	}
	if !tx.Properties.CanSubscribe() {
		m.logger.WithField("char_uuid", tx.UUID).Warn("TX characteristic does not advertise notify, subscribing anyway")
	}

	_, rxErr := device.FindCharacteristic(services, ServiceUUID, RXCharUUID)
	if rxErr != nil {
		m.logger.WithField("error", rxErr).Warn("RX characteristic not found, sending is disabled")
	}

	if err := m.transport.EnableNotifications(ServiceUUID, TXCharUUID); err != nil {
		m.logger.WithField("error", err).Error("Failed to enable notifications on TX characteristic")
		m.fail(fmt.Errorf("failed to enable notifications: %w", err))
		return
	}

	m.mu.Lock()
	if m.state.Value() == Connected {
		m.subscribed = true
		m.rxKnown = rxErr == nil
	}
	m.mu.Unlock()

	m.logger.WithField("char_uuid", device.ShortenUUID(tx.UUID)).Info("Subscribed to UART notifications")
}

func (m *Manager) onNotification(characteristic string, data []byte) {
	if device.NormalizeUUID(characteristic) != device.NormalizeUUID(TXCharUUID) {
		m.logger.WithField("char_uuid", characteristic).Debug("Ignoring notification from unexpected characteristic")
		return
	}
	m.notifications.Add(1)

	line := string(data)
	if overwrites, err := m.raw.EnqueueM(line); err != nil {
		m.logger.WithField("error", err).Warn("Failed to record raw line")
	} else if overwrites > 0 {
		m.rawOverwritten.Add(int64(overwrites))
	}

	entry, ok := m.parser.Parse(line)
	if !ok {
		m.dropped.Add(1)
		return
	}

	m.mu.Lock()
	if !m.subscribed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, entry)
	if len(m.pending) < m.opts.BatchSize {
		m.mu.Unlock()
		return
	}
	out := m.pending
	m.pending = nil
	m.mu.Unlock()

	if !m.batches.TryEmit(out) {
		m.emitFailures.Add(1)
		m.logger.WithField("entries", len(out)).Warn("Batch subscriber is full, dropping batch")
	}
}

// resetLocked clears per-connection state. Callers hold m.mu.
func (m *Manager) resetLocked() {
	m.subscribed = false
	m.rxKnown = false
	m.pending = nil
}
