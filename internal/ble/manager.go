package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/chaz8081/sipwell/internal/ble/protocol"
)

var (
	// ErrBusy is returned when a connection attempt is already in progress
	// or established to another device.
	ErrBusy = errors.New("ble: connection busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ble: manager closed")
)

// Options configures the Manager.
type Options struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string

	ScanTimeout    time.Duration // auto-stop for a forgotten scan (default 10s)
	SettleDelay    time.Duration // wait after discovery before the first pull (default 1s)
	ReconnectDelay time.Duration // delay before reconnecting after a drop (default 5s)
	ConnectTimeout time.Duration // platform connect timeout (default 15s)

	AutoReconnect bool
	LastKnown     Identity // remembered from a previous session
	WriteQueue    int      // pending acknowledged writes (default 32)
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:    ServiceUUID,
		WriteCharUUID:  WriteCharUUID,
		NotifyCharUUID: NotifyCharUUID,
		ScanTimeout:    10 * time.Second,
		SettleDelay:    1 * time.Second,
		ReconnectDelay: 5 * time.Second,
		ConnectTimeout: 15 * time.Second,
		WriteQueue:     32,
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.WriteCharUUID == "" {
		o.WriteCharUUID = d.WriteCharUUID
	}
	if o.NotifyCharUUID == "" {
		o.NotifyCharUUID = d.NotifyCharUUID
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = d.SettleDelay
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = d.WriteQueue
	}
}

// Snapshot is a read-only copy of the Manager's published state.
type Snapshot struct {
	State         State               `json:"state"`
	Ready         bool                `json:"ready"` // connected with characteristics bound; sends are delivered
	Devices       []Device            `json:"devices"`
	Telemetry     *protocol.Telemetry `json:"telemetry,omitempty"`
	Battery       *int                `json:"battery,omitempty"`
	LastKnown     Identity            `json:"last_known,omitempty"`
	AutoReconnect bool                `json:"auto_reconnect"`
}

type writeReq struct {
	char Characteristic
	data []byte
	name string
}

// Manager owns the link to the tumbler. Every state change happens on a
// single event-loop goroutine; public methods and adapter callbacks post
// work to it. Platform calls run on their own goroutines and report back
// tagged with a connection generation, so late results are discarded.
type Manager struct {
	adapter Adapter
	opts    Options

	ops       chan func()
	writes    chan writeReq
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	events *broker

	snapMu sync.RWMutex
	snap   Snapshot

	// Loop-owned state below.
	state     State
	devices   []Device
	seen      mapset.Set
	telemetry *protocol.Telemetry
	battery   *int

	lastKnown      Identity
	autoConnect    Identity // identity to connect to when a scan finds it
	userDisconnect bool

	gen                 uint64
	conn                Connection
	write               Characteristic
	notify              Characteristic
	disconnectRequested bool

	scanGen     uint64
	scanCancel  context.CancelFunc
	scanTimer   *time.Timer
	settleTimer *time.Timer
	reconnect   reconnectPolicy
}

// NewManager enables the adapter and starts the event loop. The Manager
// begins Disconnected.
func NewManager(adapter Adapter, opts Options) (*Manager, error) {
	opts.fillDefaults()
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	m := &Manager{
		adapter:   adapter,
		opts:      opts,
		ops:       make(chan func(), 64),
		writes:    make(chan writeReq, opts.WriteQueue),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		events:    newBroker(),
		state:     disconnected(),
		seen:      mapset.NewThreadUnsafeSet(),
		lastKnown: opts.LastKnown,
		reconnect: reconnectPolicy{
			enabled: opts.AutoReconnect,
			delay:   opts.ReconnectDelay,
		},
	}
	m.updateSnapshot()

	go m.run()
	go m.writer()

	adapter.OnStateChange(func(st AdapterState) {
		m.post(func() { m.onAdapterState(st) })
	})
	return m, nil
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events are dropped for subscribers that fall behind.
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	return m.events.subscribe(buf)
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.Devices = append([]Device(nil), m.snap.Devices...)
	return s
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.State
}

// StartScan clears the discovered devices and scans for tumblers. If the
// radio is not powered on the Manager moves to Failed instead. Scanning
// stops on its own after the scan timeout.
func (m *Manager) StartScan() error {
	var err error
	if e := m.do(func() { err = m.startScan(true) }); e != nil {
		return e
	}
	return err
}

// StopScan stops an active scan. It is a no-op when not scanning.
func (m *Manager) StopScan() error {
	return m.do(m.stopScan)
}

// Connect remembers id as the last known device and connects to it.
func (m *Manager) Connect(id Identity) error {
	var err error
	if e := m.do(func() { err = m.connect(id, true) }); e != nil {
		return e
	}
	return err
}

// Disconnect requests teardown of the link. The transition to
// Disconnected happens when the platform reports the drop. A disconnect
// requested here never triggers an automatic reconnect.
func (m *Manager) Disconnect() error {
	return m.do(m.disconnect)
}

// Send encodes cmd and writes it to the tumbler. When not connected the
// command is logged and dropped; only encoding errors are returned.
func (m *Manager) Send(cmd protocol.Command) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	return m.do(func() { m.send(cmd.Name(), data) })
}

// ReconnectToLastKnown connects to the remembered device, scanning for it
// when the platform cannot resolve it directly.
func (m *Manager) ReconnectToLastKnown() error {
	return m.do(func() {
		m.userDisconnect = false
		m.reconnectToLastKnown()
	})
}

// SetAutoReconnect toggles the reconnection policy.
func (m *Manager) SetAutoReconnect(enabled bool) error {
	return m.do(func() {
		m.reconnect.enabled = enabled
		if !enabled {
			m.reconnect.cancel()
		}
		slog.Info("[BLE] auto-reconnect", "enabled", enabled)
		m.updateSnapshot()
	})
}

// Close stops timers, drops the link and ends all subscriptions.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.loopDone
	})
	return nil
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.done:
			m.shutdown()
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the Manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the event loop and waits for it to finish.
func (m *Manager) do(fn func()) error {
	ran := make(chan struct{})
	if !m.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.loopDone:
		return ErrClosed
	}
}

// writer performs acknowledged writes one at a time so commands reach the
// tumbler in the order they were sent.
func (m *Manager) writer() {
	for {
		select {
		case req := <-m.writes:
			if err := req.char.Write(req.data); err != nil {
				slog.Warn("[BLE] write failed", "command", req.name, "error", err)
				continue
			}
			slog.Debug("[BLE] wrote command", "command", req.name, "bytes", len(req.data))
		case <-m.done:
			return
		}
	}
}

func (m *Manager) shutdown() {
	m.endScan()
	m.reconnect.cancel()
	m.stopSettle()
	if m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on close failed", "error", err)
		}
		m.conn = nil
	}
	m.events.close()
}

func (m *Manager) startScan(user bool) error {
	if m.state.Kind == StateConnecting || m.state.Kind == StateConnected {
		return ErrBusy
	}
	if user {
		m.userDisconnect = false
		m.autoConnect = ""
		m.reconnect.cancel()
	}
	m.endScan()

	if st := m.adapter.State(); st != AdapterPoweredOn {
		slog.Warn("[BLE] scan requested but adapter not ready", "adapter", st)
		m.setState(failed("adapter not ready"))
		return nil
	}

	m.devices = nil
	m.seen.Clear()
	m.publishDevices()
	m.setState(scanning())

	ctx, cancel := context.WithCancel(context.Background())
	m.scanGen++
	gen := m.scanGen
	m.scanCancel = cancel
	svc := m.opts.ServiceUUID

	go func() {
		err := m.adapter.Scan(ctx, svc, func(d Device) {
			m.post(func() { m.onDiscovered(gen, d) })
		})
		if err != nil && ctx.Err() == nil {
			m.post(func() { m.onScanError(gen, err) })
		}
	}()
	m.scanTimer = time.AfterFunc(m.opts.ScanTimeout, func() {
		m.post(func() { m.onScanTimeout(gen) })
	})
	slog.Info("[BLE] scanning", "service", svc, "timeout", m.opts.ScanTimeout)
	return nil
}

// endScan cancels any running scan without changing state.
func (m *Manager) endScan() {
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	m.scanGen++
}

func (m *Manager) stopScan() {
	m.endScan()
	m.autoConnect = ""
	if m.state.Kind == StateScanning {
		slog.Info("[BLE] scan stopped", "found", len(m.devices))
		m.setState(disconnected())
	}
}

func (m *Manager) onScanTimeout(gen uint64) {
	if gen != m.scanGen || m.state.Kind != StateScanning {
		return
	}
	pending := m.autoConnect != ""
	slog.Info("[BLE] scan timed out", "found", len(m.devices), "awaiting", m.autoConnect)
	m.stopScan()
	if pending {
		m.armReconnect()
	}
}

func (m *Manager) onScanError(gen uint64, err error) {
	if gen != m.scanGen {
		return
	}
	slog.Error("[BLE] scan failed", "error", err)
	m.endScan()
	m.autoConnect = ""
	m.setState(failed("scan failed"))
}

func (m *Manager) onDiscovered(gen uint64, d Device) {
	if gen != m.scanGen || m.state.Kind != StateScanning {
		return
	}
	if m.autoConnect != "" && d.ID == m.autoConnect {
		target := m.autoConnect
		slog.Info("[BLE] found last known device", "id", target)
		m.autoConnect = ""
		m.endScan()
		if err := m.connect(target, false); err != nil {
			slog.Warn("[BLE] auto-connect rejected", "error", err)
		}
		return
	}

	d.Name = strings.TrimSpace(d.Name)
	if d.ID == "" || d.Name == "" {
		return
	}
	if !m.seen.Add(d.ID) {
		return
	}
	m.devices = append(m.devices, d)
	slog.Debug("[BLE] discovered", "id", d.ID, "name", d.Name, "rssi", d.RSSI)
	m.publishDevices()
}

func (m *Manager) connect(id Identity, user bool) error {
	if id == "" {
		return errors.New("ble: empty device identity")
	}
	switch m.state.Kind {
	case StateConnecting:
		if m.state.Target == id {
			return nil
		}
		return ErrBusy
	case StateConnected:
		if m.state.Device != nil && m.state.Device.ID == id {
			return nil
		}
		return ErrBusy
	}

	if user {
		m.userDisconnect = false
	}
	m.autoConnect = ""
	m.reconnect.cancel()
	m.endScan()
	m.lastKnown = id

	if st := m.adapter.State(); st != AdapterPoweredOn {
		slog.Warn("[BLE] connect requested but adapter not ready", "adapter", st)
		m.setState(failed("adapter not ready"))
		return nil
	}

	m.gen++
	gen := m.gen
	m.setState(connecting(id))
	slog.Info("[BLE] connecting", "id", id)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	go func() {
		defer cancel()
		conn, err := m.adapter.Connect(ctx, id)
		if !m.post(func() { m.onConnectResult(gen, id, conn, err) }) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
	return nil
}

func (m *Manager) onConnectResult(gen uint64, id Identity, conn Connection, err error) {
	if gen != m.gen {
		if conn != nil {
			slog.Debug("[BLE] discarding stale connection", "id", id)
			go conn.Disconnect()
		}
		return
	}
	if err != nil {
		slog.Warn("[BLE] connect failed", "id", id, "error", err)
		reason := "connection failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "connection timed out"
		}
		m.setState(failed(reason))
		m.cleanup()
		return
	}

	m.conn = conn
	m.disconnectRequested = false
	conn.OnDisconnect(func() {
		m.post(func() { m.onDisconnected(gen) })
	})
	m.setState(connected(m.deviceFor(id)))
	slog.Info("[BLE] connected", "id", id)

	svc, wUUID, nUUID := m.opts.ServiceUUID, m.opts.WriteCharUUID, m.opts.NotifyCharUUID
	go func() {
		w, werr := conn.DiscoverCharacteristic(svc, wUUID)
		n, nerr := conn.DiscoverCharacteristic(svc, nUUID)
		m.post(func() { m.onCharacteristics(gen, w, n, errors.Join(werr, nerr)) })
	}()
}

func (m *Manager) onCharacteristics(gen uint64, w, n Characteristic, err error) {
	if gen != m.gen || m.conn == nil {
		return
	}
	if err != nil || w == nil || n == nil {
		slog.Error("[BLE] characteristic discovery failed", "error", err)
		m.failConnection("device services not found")
		return
	}
	if err := n.Subscribe(func(data []byte) {
		m.post(func() { m.onNotify(gen, data) })
	}); err != nil {
		slog.Error("[BLE] subscribe failed", "error", err)
		m.failConnection("could not subscribe to device")
		return
	}
	m.write, m.notify = w, n
	m.updateSnapshot()
	slog.Debug("[BLE] characteristics bound")

	m.settleTimer = time.AfterFunc(m.opts.SettleDelay, func() {
		m.post(func() { m.onSettled(gen) })
	})
}

// onSettled issues the initial telemetry pull once the tumbler has had
// time to stabilize after discovery.
func (m *Manager) onSettled(gen uint64) {
	m.settleTimer = nil
	if gen != m.gen || m.write == nil {
		return
	}
	for _, cmd := range []protocol.Command{protocol.GetInfo{}, protocol.GetBattery{}, protocol.GetReadings{}} {
		data, err := protocol.Encode(cmd)
		if err != nil {
			slog.Error("[BLE] encode initial pull", "command", cmd.Name(), "error", err)
			continue
		}
		m.send(cmd.Name(), data)
	}
	m.events.publish(Event{Kind: EventReady, State: m.state})
}

// failConnection drops a connection that came up but is unusable.
func (m *Manager) failConnection(reason string) {
	conn := m.conn
	m.conn = nil
	m.gen++
	if conn != nil {
		go conn.Disconnect()
	}
	m.setState(failed(reason))
	m.cleanup()
}

func (m *Manager) disconnect() {
	m.userDisconnect = true
	m.autoConnect = ""
	m.reconnect.cancel()
	m.endScan()

	switch {
	case m.conn != nil:
		if m.disconnectRequested {
			return
		}
		m.disconnectRequested = true
		conn, gen := m.conn, m.gen
		slog.Info("[BLE] disconnect requested")
		go func() {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("[BLE] disconnect failed, dropping link", "error", err)
				m.post(func() { m.onDisconnected(gen) })
			}
		}()
	case m.state.Kind == StateConnecting:
		m.gen++
		m.setState(disconnected())
		m.cleanup()
	case m.state.Kind != StateDisconnected:
		m.setState(disconnected())
	}
}

func (m *Manager) onDisconnected(gen uint64) {
	if gen != m.gen || m.conn == nil {
		return
	}
	m.gen++
	m.conn = nil
	if m.userDisconnect {
		slog.Info("[BLE] disconnected")
	} else {
		slog.Warn("[BLE] connection lost")
	}
	m.setState(disconnected())
	m.cleanup()
}

// cleanup clears the characteristic bindings and arms the reconnection
// policy unless the user asked for the disconnect.
func (m *Manager) cleanup() {
	m.write, m.notify = nil, nil
	m.disconnectRequested = false
	m.stopSettle()
	if m.userDisconnect {
		return
	}
	m.armReconnect()
}

func (m *Manager) stopSettle() {
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
}

func (m *Manager) armReconnect() {
	if m.lastKnown == "" {
		return
	}
	armed := m.reconnect.arm(func(tok uint64) {
		m.post(func() { m.onReconnectTimer(tok) })
	})
	if armed {
		slog.Info("[BLE] reconnect scheduled", "id", m.lastKnown, "delay", m.reconnect.delay)
	}
}

func (m *Manager) onReconnectTimer(tok uint64) {
	if !m.reconnect.take(tok) {
		return
	}
	m.reconnectToLastKnown()
}

func (m *Manager) reconnectToLastKnown() {
	if m.lastKnown == "" {
		slog.Debug("[BLE] no last known device")
		return
	}
	if m.state.Kind == StateConnecting || m.state.Kind == StateConnected {
		return
	}
	id := m.lastKnown
	if m.adapter.Known(id) {
		slog.Info("[BLE] reconnecting", "id", id)
		if err := m.connect(id, false); err != nil {
			slog.Warn("[BLE] reconnect rejected", "error", err)
		}
		return
	}

	slog.Info("[BLE] last known device not cached, scanning", "id", id)
	if err := m.startScan(false); err != nil {
		slog.Warn("[BLE] reconnect scan rejected", "error", err)
		return
	}
	if m.state.Kind == StateScanning {
		m.autoConnect = id
	}
}

func (m *Manager) onAdapterState(st AdapterState) {
	slog.Info("[BLE] adapter state changed", "state", st)
	switch st {
	case AdapterPoweredOn:
		if (m.state.Kind == StateDisconnected || m.state.Kind == StateFailed) && !m.userDisconnect {
			m.armReconnect()
		}
		return
	case AdapterUnknown:
		return
	}

	if m.state.Kind == StateDisconnected {
		return
	}
	m.endScan()
	m.autoConnect = ""
	m.reconnect.cancel()
	m.stopSettle()
	if m.conn != nil {
		go m.conn.Disconnect()
		m.conn = nil
	}
	m.gen++
	m.write, m.notify = nil, nil
	m.disconnectRequested = false
	m.setState(failed(st.failureReason()))
}

func (m *Manager) send(name string, data []byte) {
	if m.state.Kind != StateConnected || m.write == nil {
		slog.Warn("[BLE] not connected, dropping command", "command", name)
		return
	}
	select {
	case m.writes <- writeReq{char: m.write, data: data, name: name}:
	default:
		slog.Warn("[BLE] write queue full, dropping command", "command", name)
	}
}

func (m *Manager) onNotify(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	for _, line := range protocol.SplitLines(data) {
		m.handleFrame(line)
	}
}

// handleFrame decodes one telemetry frame. Malformed frames are dropped
// and the last good telemetry is kept.
func (m *Manager) handleFrame(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Warn("[BLE] dropping malformed frame", "error", err, "bytes", len(raw))
		return
	}
	switch msg.Kind {
	case protocol.KindEmpty:
		return
	case protocol.KindReadings:
		t := msg.Telemetry
		m.telemetry = &t
		m.updateSnapshot()
		m.events.publish(Event{Kind: EventTelemetry, Telemetry: t})
	case protocol.KindBattery:
		b := msg.Battery
		m.battery = &b
		m.updateSnapshot()
		m.events.publish(Event{Kind: EventBattery, Battery: b})
	default:
		slog.Debug("[BLE] device message", "kind", msg.Kind, "text", msg.Text)
		m.events.publish(Event{Kind: EventMessage, Message: msg})
	}
}

func (m *Manager) deviceFor(id Identity) Device {
	for _, d := range m.devices {
		if d.ID == id {
			return d
		}
	}
	return Device{ID: id}
}

func (m *Manager) setState(s State) {
	prev := m.state
	m.state = s
	slog.Debug("[BLE] state", "from", prev, "to", s)
	m.updateSnapshot()
	m.events.publish(Event{Kind: EventState, State: s})
}

func (m *Manager) publishDevices() {
	m.updateSnapshot()
	m.events.publish(Event{Kind: EventDevices, Devices: append([]Device(nil), m.devices...)})
}

func (m *Manager) updateSnapshot() {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.snap = Snapshot{
		State:         m.state,
		Ready:         m.state.Kind == StateConnected && m.write != nil,
		Devices:       append([]Device(nil), m.devices...),
		Telemetry:     m.telemetry,
		Battery:       m.battery,
		LastKnown:     m.lastKnown,
		AutoReconnect: m.reconnect.enabled,
	}
}
