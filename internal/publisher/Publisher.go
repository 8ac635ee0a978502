// Package publisher implements the server side of a GEP/STTP session: it accepts subscriber
// connections, answers metadata and subscribe requests, and fans out measurement samples to
// every subscribed connection using the same wire formats and concurrency idioms as the
// sttp/transport package's DataSubscriber.
package publisher

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewayexchange/gep/internal/connstring"
	"github.com/gatewayexchange/gep/internal/metrics"
	"github.com/gatewayexchange/gep/sttp/guid"
	"github.com/gatewayexchange/gep/sttp/thread"
	"github.com/gatewayexchange/gep/sttp/transport"
	"github.com/tevino/abool/v2"
)

// PublishedPoint describes a single measurement point made available for subscription.
// Since filter-expression evaluation against metadata is out of scope, a Publisher sends
// every registered point to every subscribed connection; hosts that need per-subscriber
// scoping should register only the points a given deployment wants exposed.
type PublishedPoint struct {
	SignalID guid.Guid
	Source   string
	ID       uint64
}

// Config carries the server-side settings that govern how a Publisher accepts and services
// subscriber connections.
type Config struct {
	// Port is the TCP command channel port to listen on.
	Port uint16
	// IPv6 selects a tcp6 listener instead of tcp4.
	IPv6 bool
	// NodeID identifies this publisher instance to its subscribers.
	NodeID guid.Guid
	// SecurityMode selects whether the command channel runs over plain TCP or TLS. Initialize
	// does not read this field: it always opens a plain TCP listener, i.e., SecurityMode.None.
	SecurityMode transport.SecurityModeEnum
	// MaxAllowedConnections caps the number of simultaneous subscriber connections; -1 means
	// unlimited.
	MaxAllowedConnections int32
	// MetadataRefreshAllowed determines whether MetadataRefresh requests are honored.
	MetadataRefreshAllowed bool
	// NaNValueFilterAllowed determines whether a subscriber may request NaN value filtering.
	NaNValueFilterAllowed bool
	// NaNValueFilterForced determines whether NaN value filtering is applied regardless of
	// what a subscriber requests.
	NaNValueFilterForced bool
	// CipherKeyRotationPeriod determines how often active cipher keys are rotated for every
	// subscribed connection. Zero disables automatic rotation.
	CipherKeyRotationPeriod time.Duration
}

// Publisher is the server side of a GEP/STTP session.
type Publisher struct {
	Config

	StatusMessageCallback      func(message string)
	ErrorMessageCallback       func(message string)
	ClientConnectedCallback    func(connection *transport.SubscriberConnection)
	ClientDisconnectedCallback func(connection *transport.SubscriberConnection)

	// TemporalSubscriptionRequestedCallback is invoked when a Subscribe request carries a
	// StartTime/StopTime constraint. The host is responsible for driving the actual
	// historical replay, e.g., by reading from its own archive and calling
	// the connection's PublishMeasurements, and must call ProcessingComplete once done.
	TemporalSubscriptionRequestedCallback func(connection *transport.SubscriberConnection, parameters connstring.Parameters)
	// TemporalSubscriptionCanceledCallback is invoked when a temporal subscriber unsubscribes.
	TemporalSubscriptionCanceledCallback func(connection *transport.SubscriberConnection)

	listener     net.Listener
	initialized  abool.AtomicBool
	disposing    abool.AtomicBool
	acceptThread *thread.Thread

	pointsMutex sync.RWMutex
	points      map[guid.Guid]PublishedPoint
	pointOrder  []guid.Guid

	metadataMutex      sync.RWMutex
	metadata           []byte
	metadataCompressed bool

	connectionsMutex sync.RWMutex
	connections      map[string]*transport.SubscriberConnection

	cipherRotationStop chan struct{}

	totalMeasurementsSent uint64
}

// NewPublisher creates a Publisher using the given configuration. Call Initialize to begin
// listening for subscriber connections.
func NewPublisher(config Config) *Publisher {
	return &Publisher{
		Config:      config,
		points:      make(map[guid.Guid]PublishedPoint),
		connections: make(map[string]*transport.SubscriberConnection),
	}
}

// IsInitialized reports whether Initialize has been called successfully.
func (p *Publisher) IsInitialized() bool {
	return p.initialized.IsSet()
}

// Addr returns the command channel listener's address. Useful when Config.Port is zero and
// the operating system assigns an ephemeral port, e.g., in tests.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}

	return p.listener.Addr()
}

// Initialize opens the command channel listener and begins accepting subscriber connections.
func (p *Publisher) Initialize() error {
	network := "tcp4"

	if p.IPv6 {
		network = "tcp6"
	}

	listener, err := net.Listen(network, fmt.Sprintf(":%d", p.Port))

	if err != nil {
		return err
	}

	p.listener = listener
	p.initialized.Set()

	p.acceptThread = thread.NewThread(p.runAcceptLoop)
	p.acceptThread.Start()

	if p.CipherKeyRotationPeriod > 0 {
		p.cipherRotationStop = make(chan struct{})
		go p.runCipherRotationLoop()
	}

	p.dispatchStatusMessage(fmt.Sprintf("Publisher listening on %s", listener.Addr().String()))

	return nil
}

// Dispose stops accepting new connections and closes every active subscriber connection.
func (p *Publisher) Dispose() {
	if p.disposing.IsSet() {
		return
	}

	p.disposing.Set()

	if p.listener != nil {
		p.listener.Close()
	}

	if p.cipherRotationStop != nil {
		close(p.cipherRotationStop)
	}

	if p.acceptThread != nil {
		p.acceptThread.Join()
	}

	p.connectionsMutex.Lock()
	connections := make([]*transport.SubscriberConnection, 0, len(p.connections))

	for _, connection := range p.connections {
		connections = append(connections, connection)
	}

	p.connections = make(map[string]*transport.SubscriberConnection)
	p.connectionsMutex.Unlock()

	for _, connection := range connections {
		connection.Dispose()
	}
}

func (p *Publisher) dispatchStatusMessage(message string) {
	if p.StatusMessageCallback != nil {
		p.StatusMessageCallback(message)
	}
}

func (p *Publisher) dispatchErrorMessage(message string) {
	if p.ErrorMessageCallback != nil {
		p.ErrorMessageCallback(message)
	}
}

func (p *Publisher) runAcceptLoop() {
	for {
		conn, err := p.listener.Accept()

		if err != nil {
			if p.disposing.IsNotSet() {
				p.dispatchErrorMessage("Error accepting subscriber connection: " + err.Error())
			}

			return
		}

		if p.MaxAllowedConnections >= 0 && int32(p.activeConnectionCount()) >= p.MaxAllowedConnections {
			conn.Close()
			continue
		}

		go p.acceptConnection(conn)
	}
}

func (p *Publisher) activeConnectionCount() int {
	p.connectionsMutex.RLock()
	defer p.connectionsMutex.RUnlock()
	return len(p.connections)
}

func (p *Publisher) acceptConnection(conn net.Conn) {
	connection := transport.NewSubscriberConnection(conn)
	connection.SubscriberID = guid.New()
	connection.NaNValueFilterAllowed = p.NaNValueFilterAllowed
	connection.NaNValueFilterForced = p.NaNValueFilterForced

	connection.StatusMessageCallback = p.StatusMessageCallback
	connection.ErrorMessageCallback = p.ErrorMessageCallback
	connection.MetadataRequestCallback = p.handleMetadataRequest
	connection.SubscribeCallback = p.handleSubscribe
	connection.UnsubscribeCallback = p.handleUnsubscribe
	connection.ConnectionTerminatedCallback = p.handleConnectionTerminated

	p.connectionsMutex.Lock()
	p.connections[connection.ConnectionID] = connection
	p.connectionsMutex.Unlock()

	connection.Start()

	if p.ClientConnectedCallback != nil {
		p.ClientConnectedCallback(connection)
	}
}

func (p *Publisher) handleConnectionTerminated(connection *transport.SubscriberConnection) {
	p.connectionsMutex.Lock()
	delete(p.connections, connection.ConnectionID)
	p.connectionsMutex.Unlock()

	connection.Dispose()

	if p.ClientDisconnectedCallback != nil {
		p.ClientDisconnectedCallback(connection)
	}
}

func (p *Publisher) handleMetadataRequest(connection *transport.SubscriberConnection) {
	if !p.MetadataRefreshAllowed {
		connection.SendResponseWithMessage(transport.ServerResponse.Failed, transport.ServerCommand.MetadataRefresh, "Metadata refresh is not allowed by this publisher")
		return
	}

	p.metadataMutex.RLock()
	data := p.metadata
	compressed := p.metadataCompressed
	p.metadataMutex.RUnlock()

	if connection.CompressMetadata != compressed {
		converted, err := convertMetadataCompression(data, compressed, connection.CompressMetadata)

		if err != nil {
			connection.SendResponseWithMessage(transport.ServerResponse.Failed, transport.ServerCommand.MetadataRefresh, "Failed to prepare metadata: "+err.Error())
			return
		}

		data = converted
	}

	connection.SendResponse(transport.ServerResponse.Succeeded, transport.ServerCommand.MetadataRefresh, data)
}

func (p *Publisher) handleSubscribe(connection *transport.SubscriberConnection, parameters connstring.Parameters) {
	cache := p.buildSignalIndexCache(connection)

	if err := connection.SetSignalIndexCache(cache); err != nil {
		p.dispatchErrorMessage("Failed to send signal index cache: " + err.Error())
		return
	}

	if len(parameters.StartTime) > 0 && len(parameters.StopTime) > 0 && p.TemporalSubscriptionRequestedCallback != nil {
		p.TemporalSubscriptionRequestedCallback(connection, parameters)
	}
}

func (p *Publisher) handleUnsubscribe(connection *transport.SubscriberConnection) {
	if len(connection.StartTimeConstraint) > 0 && p.TemporalSubscriptionCanceledCallback != nil {
		p.TemporalSubscriptionCanceledCallback(connection)
	}
}

// buildSignalIndexCache assigns a signal index to every registered point, in registration
// order, for the given connection. Since filter expressions are treated as opaque text, the
// cache is identical for every connection rather than scoped to FilterExpression.
func (p *Publisher) buildSignalIndexCache(connection *transport.SubscriberConnection) *transport.SignalIndexCache {
	p.pointsMutex.RLock()
	defer p.pointsMutex.RUnlock()

	cache := transport.NewSignalIndexCache()

	for index, signalID := range p.pointOrder {
		point := p.points[signalID]
		cache.AddRecord(int32(index), point.SignalID, point.Source, point.ID)
	}

	return cache
}

// AddMeasurement registers a point as available for subscription. Points may be added at any
// time; connections that subscribe afterward will see the updated set, but already-subscribed
// connections keep the signal index cache they were sent at subscribe time.
func (p *Publisher) AddMeasurement(signalID guid.Guid, source string, id uint64) {
	p.pointsMutex.Lock()
	defer p.pointsMutex.Unlock()

	if _, exists := p.points[signalID]; !exists {
		p.pointOrder = append(p.pointOrder, signalID)
	}

	p.points[signalID] = PublishedPoint{SignalID: signalID, Source: source, ID: id}
}

// SetMetadata stores the opaque metadata blob returned for MetadataRefresh requests, along
// with whether it is already GZip-compressed.
func (p *Publisher) SetMetadata(data []byte, compressed bool) {
	p.metadataMutex.Lock()
	defer p.metadataMutex.Unlock()

	p.metadata = data
	p.metadataCompressed = compressed
}

// PublishMeasurements applies NaN value filtering per connection and per-publisher policy,
// then fans the resulting measurements out to every currently subscribed connection. This is
// the sample dispatch loop's core step; callers typically invoke it on a timer or as new
// samples arrive from an upstream source.
func (p *Publisher) PublishMeasurements(measurements []transport.Measurement) {
	p.connectionsMutex.RLock()
	connections := make([]*transport.SubscriberConnection, 0, len(p.connections))

	for _, connection := range p.connections {
		if connection.IsSubscribed() {
			connections = append(connections, connection)
		}
	}

	p.connectionsMutex.RUnlock()

	for _, connection := range connections {
		filtered := measurements

		if p.NaNValueFilterForced || (p.NaNValueFilterAllowed && connection.NaNValueFilterAllowed) {
			filtered = filterNaNValues(measurements)
		}

		if len(filtered) == 0 {
			continue
		}

		if err := connection.PublishMeasurements(filtered); err != nil {
			p.dispatchErrorMessage(fmt.Sprintf("Failed to publish measurements to %s: %s", connection.ConnectionID, err.Error()))
			continue
		}

		metrics.MeasurementsPublished.Add(float64(len(filtered)))
		atomic.AddUint64(&p.totalMeasurementsSent, uint64(len(filtered)))
	}
}

// TotalMeasurementsSent returns the running count of measurements this publisher has sent
// across all connections.
func (p *Publisher) TotalMeasurementsSent() uint64 {
	return atomic.LoadUint64(&p.totalMeasurementsSent)
}

// IsConnected reports whether at least one subscriber is currently connected.
func (p *Publisher) IsConnected() bool {
	return p.activeConnectionCount() > 0
}

// ProcessingComplete notifies a connection, typically one servicing a temporal subscription,
// that playback has finished.
func (p *Publisher) ProcessingComplete(connection *transport.SubscriberConnection, message string) {
	connection.SendResponseWithMessage(transport.ServerResponse.ProcessingComplete, transport.ServerCommand.Subscribe, message)
}

func (p *Publisher) runCipherRotationLoop() {
	ticker := time.NewTicker(p.CipherKeyRotationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.cipherRotationStop:
			return
		case <-ticker.C:
			p.connectionsMutex.RLock()
			connections := make([]*transport.SubscriberConnection, 0, len(p.connections))

			for _, connection := range p.connections {
				if connection.IsSubscribed() {
					connections = append(connections, connection)
				}
			}

			p.connectionsMutex.RUnlock()

			for _, connection := range connections {
				if err := connection.RotateCipherKeys(); err != nil {
					p.dispatchErrorMessage("Failed to rotate cipher keys for " + connection.ConnectionID + ": " + err.Error())
				}
			}
		}
	}
}

// convertMetadataCompression reconciles a stored metadata blob's compression state with what
// a requesting connection negotiated, decompressing or recompressing as needed.
func convertMetadataCompression(data []byte, storedCompressed, wantCompressed bool) ([]byte, error) {
	if storedCompressed == wantCompressed {
		return data, nil
	}

	if storedCompressed {
		return transport.DecompressGZip(data)
	}

	return transport.CompressGZip(data), nil
}

func filterNaNValues(measurements []transport.Measurement) []transport.Measurement {
	filtered := make([]transport.Measurement, 0, len(measurements))

	for _, m := range measurements {
		if m.Value == m.Value { // false only for NaN
			filtered = append(filtered, m)
		}
	}

	return filtered
}
