//******************************************************************************************************
//  DataSubscriber.go - Gbtc
//
//  Copyright © 2021, Grid Protection Alliance.  All Rights Reserved.
//
//  Licensed to the Grid Protection Alliance (GPA) under one or more contributor license agreements. See
//  the NOTICE file distributed with this work for additional information regarding copyright ownership.
//  The GPA licenses this file to you under the MIT License (MIT), the "License"; you may not use this
//  file except in compliance with the License. You may obtain a copy of the License at:
//
//      http://opensource.org/licenses/MIT
//
//  Unless agreed to in writing, the subject software distributed under the License is distributed on an
//  "AS-IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. Refer to the
//  License for the specific language governing permissions and limitations.
//
//  Code Modification History:
//  ----------------------------------------------------------------------------------------------------
//  09/09/2021 - J. Ritchie Carroll
//       Generated original version of source code.
//  07/31/2026 - J. Ritchie Carroll
//       Built out command and data channel engine, response dispatch, and TSSC/Compact decoding.
//
//******************************************************************************************************

package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewayexchange/gep/internal/connstring"
	"github.com/gatewayexchange/gep/internal/metrics"
	"github.com/gatewayexchange/gep/sttp/guid"
	"github.com/gatewayexchange/gep/sttp/thread"
	"github.com/gatewayexchange/gep/sttp/ticks"
	"github.com/gatewayexchange/gep/sttp/transport/tssc"
	"github.com/tevino/abool/v2"
)

// DataSubscriber represents a client subscription for an STTP connection. It owns the TCP
// command channel, an optional UDP data channel, and the signal index cache, base-time offsets,
// and TSSC decoder state needed to turn inbound data packets into Measurement values.
type DataSubscriber struct {
	// StatusMessageCallback is called with textual status messages.
	StatusMessageCallback func(message string)
	// ErrorMessageCallback is called with textual error messages.
	ErrorMessageCallback func(message string)
	// ConnectionTerminatedCallback is called when the command channel connection is lost or closed.
	ConnectionTerminatedCallback func()
	// AutoReconnectCallback is assigned by a SubscriberConnector when AutoReconnect is enabled.
	AutoReconnectCallback func()
	// MetadataReceivedCallback is called with the raw metadata payload from a MetadataRefresh response.
	MetadataReceivedCallback func(metadata []byte)
	// SubscriptionUpdatedCallback is called when a new SignalIndexCache has been received.
	SubscriptionUpdatedCallback func(signalIndexCache *SignalIndexCache)
	// DataStartTimeCallback is called with the timestamp of the first measurement received.
	DataStartTimeCallback func(startTime ticks.Ticks)
	// ConfigurationChangedCallback is called when the publisher reports its source configuration changed.
	ConfigurationChangedCallback func()
	// ProcessingCompleteCallback is called when a temporal (historical) subscription reaches its end.
	ProcessingCompleteCallback func(message string)
	// NewMeasurementsCallback is called with each batch of measurements decoded from a data packet.
	NewMeasurementsCallback func(measurements []Measurement)
	// NewBufferBlocksCallback is called with each batch of buffer blocks received from the publisher.
	NewBufferBlocksCallback func(bufferBlocks []BufferBlock)
	// NotificationReceivedCallback is called with the text of a Notify response from the publisher.
	NotificationReceivedCallback func(notification string)

	// CompressPayloadData determines whether payload data is compressed (TSSC only).
	CompressPayloadData bool
	// CompressMetadata determines whether metadata exchange is compressed (GZip only).
	CompressMetadata bool
	// CompressSignalIndexCache determines whether signal index cache exchange is compressed (GZip only).
	CompressSignalIndexCache bool
	// Version defines the target STTP protocol version to negotiate with the publisher.
	Version byte
	// SwapGuidEndianness determines whether Guid values on the wire use the Microsoft GUID byte
	// layout (true) rather than RFC 4122 byte order (false).
	SwapGuidEndianness bool

	// UserData defines an open field for caller-defined context.
	UserData interface{}

	subscriptionInfo SubscriptionInfo
	encoding         OperationalEncodingEnum

	connector *SubscriberConnector

	subscriberID guid.Guid

	disposing  abool.AtomicBool
	connected  abool.AtomicBool
	subscribed abool.AtomicBool

	totalCommandChannelBytesReceived uint64
	totalDataChannelBytesReceived    uint64
	totalMeasurementsReceived        uint64

	commandChannelSocket net.Conn
	dataChannelSocket    *net.UDPConn
	hostAddress          net.IP
	writeMutex           sync.Mutex

	signalIndexCacheMutex sync.RWMutex
	signalIndexCache      *SignalIndexCache

	timeStateMutex  sync.RWMutex
	timeIndex       int32
	baseTimeOffsets [2]int64

	tsscDecoder        *tssc.Decoder
	tsscResetRequested abool.AtomicBool
	tsscSequenceNumber uint16

	cipherMutex sync.Mutex
	cipherKeys  [2][]byte
	cipherIVs   [2][]byte

	metadataRegistryMutex sync.Mutex
	metadataRegistry      map[guid.Guid]*MeasurementMetadata

	callbackQueue        chan func()
	callbackThread       *thread.Thread
	commandChannelThread *thread.Thread
	dataChannelThread    *thread.Thread

	assigningHandlerMutex sync.RWMutex
}

// NewDataSubscriber creates a new DataSubscriber, ready to be handed to a SubscriberConnector.
func NewDataSubscriber() *DataSubscriber {
	ds := &DataSubscriber{
		CompressPayloadData:      true,
		CompressMetadata:         true,
		CompressSignalIndexCache: true,
		Version:                  2,
		subscriberID:             guid.Empty,
		encoding:                 OperationalEncoding.UTF8,
		signalIndexCache:         NewSignalIndexCache(),
		tsscDecoder:              tssc.NewDecoder(0),
		metadataRegistry:         make(map[guid.Guid]*MeasurementMetadata),
	}

	ds.connector = &SubscriberConnector{
		MaxRetries:       -1,
		RetryInterval:    1000,
		MaxRetryInterval: 30000,
		AutoReconnect:    true,
	}

	return ds
}

// Connector gets the SubscriberConnector associated with this DataSubscriber.
func (ds *DataSubscriber) Connector() *SubscriberConnector {
	return ds.connector
}

// Subscription gets the SubscriptionInfo used to define the most recent subscription. Modify
// the returned value in place, then call Subscribe to apply it.
func (ds *DataSubscriber) Subscription() *SubscriptionInfo {
	return &ds.subscriptionInfo
}

// SetSubscriptionInfo assigns the desired SubscriptionInfo for a DataSubscriber.
func (ds *DataSubscriber) SetSubscriptionInfo(info SubscriptionInfo) {
	ds.subscriptionInfo = info
}

// BeginCallbackAssignment informs DataSubscriber that a callback change has been initiated.
func (ds *DataSubscriber) BeginCallbackAssignment() {
	ds.assigningHandlerMutex.Lock()
}

// EndCallbackAssignment informs DataSubscriber that a callback change has been completed.
func (ds *DataSubscriber) EndCallbackAssignment() {
	ds.assigningHandlerMutex.Unlock()
}

// beginCallbackSync begins a callback synchronization operation.
func (ds *DataSubscriber) beginCallbackSync() {
	ds.assigningHandlerMutex.RLock()
}

// endCallbackSync ends a callback synchronization operation.
func (ds *DataSubscriber) endCallbackSync() {
	ds.assigningHandlerMutex.RUnlock()
}

// SubscriberID gets the subscriber ID as assigned by the data publisher upon receipt of the SignalIndexCache.
func (ds *DataSubscriber) SubscriberID() guid.Guid {
	return ds.subscriberID
}

// TotalCommandChannelBytesReceived gets the total number of bytes received via the command channel
// since the last connection.
func (ds *DataSubscriber) TotalCommandChannelBytesReceived() uint64 {
	return atomic.LoadUint64(&ds.totalCommandChannelBytesReceived)
}

// TotalDataChannelBytesReceived gets the total number of bytes received via the data channel since
// the last connection. When no UDP data channel is in use, data arrives on the command channel, so
// the command channel total is returned instead.
func (ds *DataSubscriber) TotalDataChannelBytesReceived() uint64 {
	if ds.subscriptionInfo.UdpDataChannel {
		return atomic.LoadUint64(&ds.totalDataChannelBytesReceived)
	}

	return atomic.LoadUint64(&ds.totalCommandChannelBytesReceived)
}

// TotalMeasurementsReceived gets the total number of measurements received since the last subscription.
func (ds *DataSubscriber) TotalMeasurementsReceived() uint64 {
	return atomic.LoadUint64(&ds.totalMeasurementsReceived)
}

// ActiveSignalIndexCache gets the active signal index cache.
func (ds *DataSubscriber) ActiveSignalIndexCache() *SignalIndexCache {
	ds.signalIndexCacheMutex.RLock()
	defer ds.signalIndexCacheMutex.RUnlock()

	return ds.signalIndexCache
}

// LookupMetadata gets the MeasurementMetadata for the specified signalID from the local registry.
// If the metadata does not exist, a new record is created and returned with a unity Multiplier.
func (ds *DataSubscriber) LookupMetadata(signalID guid.Guid) *MeasurementMetadata {
	ds.metadataRegistryMutex.Lock()
	defer ds.metadataRegistryMutex.Unlock()

	if metadata, ok := ds.metadataRegistry[signalID]; ok {
		return metadata
	}

	metadata := &MeasurementMetadata{SignalID: signalID, Multiplier: 1.0}
	ds.metadataRegistry[signalID] = metadata

	return metadata
}

// Metadata gets the measurement-level metadata associated with a measurement from the local registry.
func (ds *DataSubscriber) Metadata(measurement *Measurement) *MeasurementMetadata {
	return ds.LookupMetadata(measurement.SignalID)
}

// AdjustedValue gets the Value of a Measurement with any linear adjustments applied from the
// measurement's Adder and Multiplier metadata, if found.
func (ds *DataSubscriber) AdjustedValue(measurement *Measurement) float64 {
	metadata := ds.LookupMetadata(measurement.SignalID)
	return measurement.Value*metadata.Multiplier + metadata.Adder
}

// IsConnected determines if DataSubscriber is currently connected to a data publisher.
func (ds *DataSubscriber) IsConnected() bool {
	return ds.connected.IsSet()
}

// IsSubscribed determines if DataSubscriber is currently subscribed to a data stream.
func (ds *DataSubscriber) IsSubscribed() bool {
	return ds.subscribed.IsSet()
}

// Dispose permanently shuts down a DataSubscriber, canceling any pending reconnect sequence.
// Once disposed, a DataSubscriber cannot be reconnected.
func (ds *DataSubscriber) Dispose() {
	ds.disposing.Set()

	if ds.connector != nil {
		ds.connector.Cancel()
	}

	ds.disconnect(false)
}

// connect synchronously establishes the command channel to a publisher and starts the callback and
// command channel response threads. autoReconnecting is true when called from the reconnect path.
func (ds *DataSubscriber) connect(hostname string, port uint16, autoReconnecting bool) error {
	if ds.connected.IsSet() {
		return errors.New("subscriber is already connected; disconnect first")
	}

	atomic.StoreUint64(&ds.totalCommandChannelBytesReceived, 0)
	atomic.StoreUint64(&ds.totalDataChannelBytesReceived, 0)
	atomic.StoreUint64(&ds.totalMeasurementsReceived, 0)

	address := net.JoinHostPort(hostname, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)

	if err != nil {
		return err
	}

	ds.commandChannelSocket = conn

	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ds.hostAddress = tcpAddr.IP
	}

	ds.disposing.UnSet()
	ds.callbackQueue = make(chan func(), 256)
	ds.callbackThread = thread.NewThread(ds.runCallbackThread)
	ds.callbackThread.Start()

	ds.commandChannelThread = thread.NewThread(ds.runCommandChannelResponseThread)
	ds.commandChannelThread.Start()

	ds.sendOperationalModes()
	ds.connected.Set()

	return nil
}

// Disconnect disconnects from the publisher. This will not trigger an automatic reconnect.
func (ds *DataSubscriber) Disconnect() {
	ds.disconnect(false)
}

func (ds *DataSubscriber) disconnect(autoReconnect bool) {
	ds.connected.UnSet()
	ds.subscribed.UnSet()

	if ds.dataChannelSocket != nil {
		ds.dataChannelSocket.Close()
	}

	if ds.commandChannelSocket != nil {
		ds.commandChannelSocket.Close()
	}

	if ds.commandChannelThread != nil {
		ds.commandChannelThread.Join()
		ds.commandChannelThread = nil
	}

	if ds.dataChannelThread != nil {
		ds.dataChannelThread.Join()
		ds.dataChannelThread = nil
	}

	if ds.callbackQueue != nil {
		close(ds.callbackQueue)
	}

	if ds.callbackThread != nil {
		ds.callbackThread.Join()
		ds.callbackThread = nil
	}

	ds.callbackQueue = nil
	ds.commandChannelSocket = nil
	ds.dataChannelSocket = nil

	ds.beginCallbackSync()
	connectionTerminatedCallback := ds.ConnectionTerminatedCallback
	ds.endCallbackSync()

	if connectionTerminatedCallback != nil {
		connectionTerminatedCallback()
	}

	if autoReconnect {
		ds.beginCallbackSync()
		autoReconnectCallback := ds.AutoReconnectCallback
		ds.endCallbackSync()

		if autoReconnectCallback != nil {
			autoReconnectCallback()
		}
	} else if ds.connector != nil {
		ds.connector.Cancel()
	}
}

// connectionTerminatedDispatcher runs on its own goroutine so that disconnect can safely join the
// command or data channel thread that detected the termination without deadlocking against itself.
func (ds *DataSubscriber) connectionTerminatedDispatcher() {
	ds.disconnect(true)
}

// Subscribe sets up a request indicating that the caller would like to start receiving streaming
// data from the data publisher, using the currently assigned SubscriptionInfo (see Subscription).
func (ds *DataSubscriber) Subscribe() {
	if ds.subscribed.IsSet() {
		ds.Unsubscribe()
	}

	atomic.StoreUint64(&ds.totalMeasurementsReceived, 0)

	info := ds.subscriptionInfo

	params := connstring.Parameters{
		Throttled:                       info.Throttled,
		PublishInterval:                 info.PublishInterval,
		IncludeTime:                     info.IncludeTime,
		LagTime:                         info.LagTime,
		LeadTime:                        info.LeadTime,
		UseLocalClockAsRealTime:         info.UseLocalClockAsRealTime,
		ProcessingInterval:              info.ProcessingInterval,
		UseMillisecondResolution:        info.UseMillisecondResolution,
		RequestNaNValueFilter:           info.RequestNaNValueFilter,
		FilterExpression:                info.FilterExpression,
		UdpDataChannelLocalPort:         info.DataChannelLocalPort,
		UseUdpDataChannel:               info.UdpDataChannel,
		StartTime:                       info.StartTime,
		StopTime:                        info.StopTime,
		ConstraintParameters:            info.ConstraintParameters,
		ExtraConnectionStringParameters: info.ExtraConnectionStringParameters,
	}

	connectionString, err := connstring.Build(params, connstring.AssemblyInfo{
		Source:    Source,
		Version:   Version,
		BuildDate: UpdatedOn,
	})

	if err != nil {
		ds.dispatchErrorMessage("Failed to build subscription connection string: " + err.Error())
		return
	}

	if info.UdpDataChannel {
		if err := ds.openDataChannel(info.DataChannelLocalPort); err != nil {
			ds.dispatchErrorMessage("Failed to bind to local port: " + err.Error())
			return
		}
	}

	encoded := ds.EncodeString(connectionString)
	buffer := make([]byte, 5+len(encoded))
	buffer[0] = byte(DataPacketFlags.Compact)
	binary.BigEndian.PutUint32(buffer[1:5], uint32(len(encoded)))
	copy(buffer[5:], encoded)

	ds.SendServerCommandWithPayload(ServerCommand.Subscribe, buffer)

	// Reset TSSC decompressor on successful (re)subscription
	ds.tsscResetRequested.Set()
}

// Unsubscribe sends a request to the data publisher indicating that the caller would like to stop
// receiving streaming data, and tears down any UDP data channel that was in use.
func (ds *DataSubscriber) Unsubscribe() {
	if ds.dataChannelSocket != nil {
		ds.dataChannelSocket.Close()
	}

	if ds.dataChannelThread != nil {
		ds.dataChannelThread.Join()
		ds.dataChannelThread = nil
	}

	ds.dataChannelSocket = nil

	ds.SendServerCommand(ServerCommand.Unsubscribe)
}

func (ds *DataSubscriber) openDataChannel(localPort uint16) error {
	network := "udp4"

	if ds.hostAddress != nil && ds.hostAddress.To4() == nil {
		network = "udp6"
	}

	ip := net.IPv4zero

	if network == "udp6" {
		ip = net.IPv6zero
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: int(localPort)})

	if err != nil {
		return err
	}

	ds.dataChannelSocket = conn
	ds.dataChannelThread = thread.NewThread(ds.runDataChannelResponseThread)
	ds.dataChannelThread.Start()

	return nil
}

// runCallbackThread drains dispatched callbacks, in order, until the callback queue is closed
// by disconnect. Callbacks for server responses, other than NewMeasurementsCallback, are queued
// here so they do not run on the command or data channel read loop; dispatch runs a callback
// inline only when the queue is full. ConnectionTerminatedCallback and AutoReconnectCallback
// are invoked directly by disconnect.
func (ds *DataSubscriber) runCallbackThread() {
	for dispatch := range ds.callbackQueue {
		dispatch()
	}
}

// dispatch enqueues a function for execution on the callback thread. If the queue is momentarily
// full, the function runs synchronously rather than blocking or dropping it; if the queue has
// already been closed by a concurrent disconnect, the function is dropped.
func (ds *DataSubscriber) dispatch(fn func()) {
	defer func() {
		recover()
	}()

	select {
	case ds.callbackQueue <- fn:
	default:
		fn()
	}
}

func (ds *DataSubscriber) dispatchStatusMessage(message string) {
	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.StatusMessageCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(message)
		}
	})
}

func (ds *DataSubscriber) dispatchErrorMessage(message string) {
	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.ErrorMessageCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(message)
		}
	})
}

// runCommandChannelResponseThread reads payload-header-framed response packets from the command
// channel until the connection is closed or an error occurs, dispatching each to processServerResponse.
func (ds *DataSubscriber) runCommandChannelResponseThread() {
	reader := bufio.NewReaderSize(ds.commandChannelSocket, int(maxPacketSize))
	header := make([]byte, payloadHeaderSize)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			ds.handleCommandChannelError(err)
			return
		}

		atomic.AddUint64(&ds.totalCommandChannelBytesReceived, uint64(payloadHeaderSize))

		packetSize := binary.LittleEndian.Uint32(header)
		packet := make([]byte, packetSize)

		if _, err := io.ReadFull(reader, packet); err != nil {
			ds.handleCommandChannelError(err)
			return
		}

		atomic.AddUint64(&ds.totalCommandChannelBytesReceived, uint64(packetSize))
		metrics.PacketsReceived.Inc()

		ds.processServerResponse(packet)
	}
}

func (ds *DataSubscriber) handleCommandChannelError(err error) {
	if ds.disposing.IsSet() {
		return
	}

	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		ds.dispatchErrorMessage("Error reading data from command channel: " + err.Error())
	}

	go ds.connectionTerminatedDispatcher()
}

// runDataChannelResponseThread reads UDP data packets when a separate data channel was requested
// for the active subscription. Errors here are logged but do not tear down the command channel.
func (ds *DataSubscriber) runDataChannelResponseThread() {
	buffer := make([]byte, maxPacketSize)

	for {
		n, _, err := ds.dataChannelSocket.ReadFromUDP(buffer)

		if ds.disposing.IsSet() {
			return
		}

		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				ds.dispatchErrorMessage("Error reading data from data channel: " + err.Error())
			}

			return
		}

		atomic.AddUint64(&ds.totalDataChannelBytesReceived, uint64(n))
		metrics.PacketsReceived.Inc()

		packet := make([]byte, n)
		copy(packet, buffer[:n])

		ds.processServerResponse(packet)
	}
}

// processServerResponse decodes the response header (response code, command code, and reserved
// bytes) common to every server response and dispatches the remaining body to the matching handler.
func (ds *DataSubscriber) processServerResponse(buffer []byte) {
	if uint32(len(buffer)) < responseHeaderSize {
		ds.dispatchErrorMessage("Received malformed server response: too short for response header")
		return
	}

	responseCode := ServerResponseEnum(buffer[0])
	commandCode := ServerCommandEnum(buffer[1])
	body := buffer[responseHeaderSize:]

	switch responseCode {
	case ServerResponse.Succeeded:
		ds.handleSucceeded(commandCode, body)
	case ServerResponse.Failed:
		ds.handleFailed(commandCode, body)
	case ServerResponse.DataPacket:
		ds.handleDataPacket(body)
	case ServerResponse.UpdateSignalIndexCache:
		ds.handleUpdateSignalIndexCache(body)
	case ServerResponse.UpdateBaseTimes:
		ds.handleUpdateBaseTimes(body)
	case ServerResponse.UpdateCipherKeys:
		ds.handleUpdateCipherKeys(body)
	case ServerResponse.DataStartTime:
		ds.handleDataStartTime(body)
	case ServerResponse.ProcessingComplete:
		ds.handleProcessingComplete(body)
	case ServerResponse.BufferBlock:
		ds.handleBufferBlock(body)
	case ServerResponse.Notify:
		ds.handleNotification(body)
	case ServerResponse.ConfigurationChanged:
		ds.handleConfigurationChanged()
	case ServerResponse.NoOP:
		// keep-alive; nothing to do
	default:
		ds.dispatchErrorMessage(fmt.Sprintf("Encountered unexpected server response code: 0x%02X", byte(responseCode)))
	}
}

func (ds *DataSubscriber) handleSucceeded(commandCode ServerCommandEnum, data []byte) {
	switch commandCode {
	case ServerCommand.MetadataRefresh:
		// Metadata refresh success is not sent with a message, but rather the metadata itself.
		ds.handleMetadataRefresh(data)
	case ServerCommand.Subscribe:
		ds.subscribed.Set()
		ds.dispatchCommandSuccessMessage(commandCode, data)
	case ServerCommand.Unsubscribe:
		ds.subscribed.UnSet()
		ds.dispatchCommandSuccessMessage(commandCode, data)
	case ServerCommand.RotateCipherKeys:
		ds.dispatchCommandSuccessMessage(commandCode, data)
	default:
		ds.dispatchErrorMessage(fmt.Sprintf("Received success code in response to unknown server command 0x%02X", byte(commandCode)))
	}
}

func (ds *DataSubscriber) dispatchCommandSuccessMessage(commandCode ServerCommandEnum, data []byte) {
	if len(data) == 0 {
		return
	}

	message := ds.DecodeString(data)
	ds.dispatchStatusMessage(fmt.Sprintf("Received success code in response to server command 0x%02X: %s", byte(commandCode), message))
}

func (ds *DataSubscriber) handleFailed(commandCode ServerCommandEnum, data []byte) {
	if len(data) == 0 {
		return
	}

	message := ds.DecodeString(data)
	ds.dispatchErrorMessage(fmt.Sprintf("Received failure code from server command 0x%02X: %s", byte(commandCode), message))
}

func (ds *DataSubscriber) handleMetadataRefresh(data []byte) {
	payload := data

	if ds.CompressMetadata {
		decompressed, err := decompressGZip(data)

		if err != nil {
			ds.dispatchErrorMessage("Failed to decompress metadata: " + err.Error())
			return
		}

		payload = decompressed
	}

	metadata := make([]byte, len(payload))
	copy(metadata, payload)

	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.MetadataReceivedCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(metadata)
		}
	})
}

func (ds *DataSubscriber) handleDataStartTime(data []byte) {
	if len(data) < 8 {
		return
	}

	startTime := ticks.Ticks(binary.BigEndian.Uint64(data))

	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.DataStartTimeCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(startTime)
		}
	})
}

func (ds *DataSubscriber) handleProcessingComplete(data []byte) {
	message := ds.DecodeString(data)

	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.ProcessingCompleteCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(message)
		}
	})
}

func (ds *DataSubscriber) handleConfigurationChanged() {
	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.ConfigurationChangedCallback
		ds.endCallbackSync()

		if callback != nil {
			callback()
		}
	})
}

// handleBufferBlock decodes a raw buffer block measurement: a 4-byte sequence number, used to
// acknowledge receipt, followed by the 2-byte signal index identifying its owning measurement and
// the remaining bytes of the block itself.
func (ds *DataSubscriber) handleBufferBlock(data []byte) {
	if len(data) < 6 {
		ds.dispatchErrorMessage("Received malformed buffer block: too short for header")
		return
	}

	sequenceNumber := append([]byte(nil), data[0:4]...)
	signalIndex := int32(binary.BigEndian.Uint16(data[4:6]))

	buffer := make([]byte, len(data)-6)
	copy(buffer, data[6:])

	signalID := ds.ActiveSignalIndexCache().SignalID(signalIndex)
	block := BufferBlock{SignalID: signalID, Buffer: buffer}

	ds.SendServerCommandWithPayload(ServerCommand.ConfirmBufferBlock, sequenceNumber)

	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.NewBufferBlocksCallback
		ds.endCallbackSync()

		if callback != nil {
			callback([]BufferBlock{block})
		}
	})
}

func (ds *DataSubscriber) handleNotification(data []byte) {
	message := ds.DecodeString(data)

	ds.SendServerCommand(ServerCommand.ConfirmNotification)

	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.NotificationReceivedCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(message)
		}
	})
}

// handleUpdateSignalIndexCache parses and swaps in a freshly received SignalIndexCache, then
// rebuilds the TSSC decoder so its point-metadata table is sized for the new maximum signal index.
func (ds *DataSubscriber) handleUpdateSignalIndexCache(data []byte) {
	if len(data) == 0 {
		return
	}

	payload := data

	if ds.CompressSignalIndexCache {
		decompressed, err := decompressGZip(data)

		if err != nil {
			ds.dispatchErrorMessage("Failed to decompress signal index cache: " + err.Error())
			return
		}

		payload = decompressed
	}

	signalIndexCache := NewSignalIndexCache()
	var subscriberID guid.Guid

	if err := signalIndexCache.decode(ds, payload, &subscriberID); err != nil {
		ds.dispatchErrorMessage("Failed to parse signal index cache: " + err.Error())
		return
	}

	ds.subscriberID = subscriberID

	ds.signalIndexCacheMutex.Lock()
	ds.signalIndexCache = signalIndexCache
	ds.tsscDecoder = tssc.NewDecoder(signalIndexCache.MaxSignalIndex())
	ds.tsscSequenceNumber = 0
	ds.signalIndexCacheMutex.Unlock()

	ds.tsscResetRequested.Set()

	ds.dispatch(func() {
		ds.beginCallbackSync()
		callback := ds.SubscriptionUpdatedCallback
		ds.endCallbackSync()

		if callback != nil {
			callback(signalIndexCache)
		}
	})
}

func (ds *DataSubscriber) handleUpdateBaseTimes(data []byte) {
	if len(data) < 20 {
		return
	}

	timeIndex := int32(binary.BigEndian.Uint32(data[0:4]))
	offset0 := int64(binary.BigEndian.Uint64(data[4:12]))
	offset1 := int64(binary.BigEndian.Uint64(data[12:20]))

	ds.timeStateMutex.Lock()
	ds.timeIndex = timeIndex
	ds.baseTimeOffsets[0] = offset0
	ds.baseTimeOffsets[1] = offset1
	previous := ds.baseTimeOffsets[timeIndex^1]
	ds.timeStateMutex.Unlock()

	ds.dispatchStatusMessage("Received new base time offset from publisher: " + ticks.Ticks(previous).ToTime().String())
}

// handleUpdateCipherKeys stores the rotating AES-CBC key/iv pair used to decrypt UDP data channel
// packets. Wire format: 1-byte cipher index, 4-byte big-endian IV length and IV, then 4-byte
// big-endian key length and key.
func (ds *DataSubscriber) handleUpdateCipherKeys(data []byte) {
	if len(data) < 5 {
		ds.dispatchErrorMessage("Received malformed cipher key update: too short for header")
		return
	}

	cipherIndex := data[0]
	offset := 1

	ivLength := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if len(data) < offset+int(ivLength)+4 {
		ds.dispatchErrorMessage("Received malformed cipher key update: truncated IV")
		return
	}

	iv := data[offset : offset+int(ivLength)]
	offset += int(ivLength)

	keyLength := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	if len(data) < offset+int(keyLength) {
		ds.dispatchErrorMessage("Received malformed cipher key update: truncated key")
		return
	}

	key := data[offset : offset+int(keyLength)]

	index := 0

	if cipherIndex != 0 {
		index = 1
	}

	ds.cipherMutex.Lock()
	ds.cipherKeys[index] = append([]byte(nil), key...)
	ds.cipherIVs[index] = append([]byte(nil), iv...)
	ds.cipherMutex.Unlock()

	metrics.CipherRotations.Inc()
	ds.dispatchStatusMessage("Received new cipher keys from publisher.")
}

// handleDataPacket decodes a DataPacket response into Measurement values and, unlike every other
// response, invokes NewMeasurementsCallback directly on the calling read-loop goroutine rather than
// through the callback queue, so measurement delivery incurs no extra dispatch latency.
func (ds *DataSubscriber) handleDataPacket(data []byte) {
	if len(data) < 1 {
		return
	}

	flags := DataPacketFlagsEnum(data[0])
	offset := 1
	includeTime := ds.subscriptionInfo.IncludeTime
	frameLevelTimestamp := int64(-1)

	if flags&DataPacketFlags.Synchronized != 0 {
		if len(data) < offset+8 {
			ds.dispatchErrorMessage("Received malformed data packet: too short for frame-level timestamp")
			return
		}

		frameLevelTimestamp = int64(binary.BigEndian.Uint64(data[offset:]))
		offset += 8
		includeTime = false
	}

	if len(data) < offset+4 {
		ds.dispatchErrorMessage("Received malformed data packet: too short for measurement count")
		return
	}

	count := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	atomic.AddUint64(&ds.totalMeasurementsReceived, uint64(count))

	body := data[offset:]

	cipherIndex := 0

	if flags&DataPacketFlags.CipherIndex != 0 {
		cipherIndex = 1
	}

	ds.cipherMutex.Lock()
	key, iv := ds.cipherKeys[cipherIndex], ds.cipherIVs[cipherIndex]
	ds.cipherMutex.Unlock()

	if key != nil {
		decrypted, err := decipherAES(key, iv, body)

		if err != nil {
			ds.dispatchErrorMessage("Failed to decrypt data packet: " + err.Error())
			return
		}

		body = decrypted
	}

	metrics.DataPacketSizes.Observe(float64(len(body)))

	var measurements []Measurement
	var err error

	if flags&DataPacketFlags.Compressed != 0 {
		measurements, err = ds.parseTSSCMeasurements(body)
	} else {
		measurements, err = ds.parseCompactMeasurements(body, includeTime, ds.subscriptionInfo.UseMillisecondResolution, frameLevelTimestamp)
	}

	if err != nil {
		metrics.DecodeErrors.Inc()
		ds.dispatchErrorMessage("Decompression failure: " + err.Error())
	}

	if len(measurements) == 0 {
		return
	}

	metrics.MeasurementsReceived.Add(float64(len(measurements)))

	ds.beginCallbackSync()
	callback := ds.NewMeasurementsCallback
	ds.endCallbackSync()

	if callback != nil {
		callback(measurements)
	}
}

// parseTSSCMeasurements strips the TSSC packet framing (a fixed version byte followed by a 2-byte
// sequence number) and decodes the remaining bit-stream, resetting the stateful decoder whenever
// the publisher signals a fresh stream with sequence number zero.
func (ds *DataSubscriber) parseTSSCMeasurements(data []byte) ([]Measurement, error) {
	const tsscVersion = 85

	if len(data) < 3 {
		return nil, errors.New("not enough buffer provided to parse TSSC packet")
	}

	if data[0] != tsscVersion {
		return nil, fmt.Errorf("TSSC version not recognized: 0x%02X", data[0])
	}

	sequenceNumber := binary.BigEndian.Uint16(data[1:3])

	if sequenceNumber == 0 && ds.tsscSequenceNumber > 0 {
		if ds.tsscResetRequested.IsNotSet() {
			ds.dispatchStatusMessage(fmt.Sprintf("TSSC algorithm reset before sequence number: %d", ds.tsscSequenceNumber))
		}

		ds.tsscDecoder.Reset()
		ds.tsscSequenceNumber = 0
		ds.tsscResetRequested.UnSet()
	}

	if ds.tsscSequenceNumber != sequenceNumber {
		if ds.tsscResetRequested.IsNotSet() {
			ds.dispatchErrorMessage(fmt.Sprintf("TSSC is out of sequence. Expecting: %d, Received: %d", ds.tsscSequenceNumber, sequenceNumber))
		}

		// Ignore packets until the reset has occurred
		return nil, nil
	}

	ds.tsscDecoder.SetBuffer(data[3:])

	signalIndexCache := ds.ActiveSignalIndexCache()
	measurements := make([]Measurement, 0, 8)

	var id int32
	var timestamp int64
	var stateFlags uint32
	var value float32

	for {
		ok, err := ds.tsscDecoder.TryGetMeasurement(&id, &timestamp, &stateFlags, &value)

		if err != nil {
			ds.tsscSequenceNumber++
			return measurements, err
		}

		if !ok {
			break
		}

		signalID, _, _, found := signalIndexCache.Record(id)

		if !found {
			continue
		}

		measurements = append(measurements, Measurement{
			SignalID:  signalID,
			Timestamp: ticks.Ticks(timestamp),
			Value:     float64(value),
			Flags:     StateFlagsEnum(stateFlags),
		})
	}

	ds.tsscSequenceNumber++

	// Do not increment to 0 on roll-over
	if ds.tsscSequenceNumber == 0 {
		ds.tsscSequenceNumber = 1
	}

	return measurements, nil
}

func (ds *DataSubscriber) parseCompactMeasurements(data []byte, includeTime, useMillisecondResolution bool, frameLevelTimestamp int64) ([]Measurement, error) {
	signalIndexCache := ds.ActiveSignalIndexCache()

	if signalIndexCache == nil {
		return nil, nil
	}

	ds.timeStateMutex.RLock()
	baseTimeOffsets := ds.baseTimeOffsets
	ds.timeStateMutex.RUnlock()

	measurements := make([]Measurement, 0, 8)
	offset := 0

	for offset < len(data) {
		compactMeasurement, n, err := NewCompactMeasurement(includeTime, useMillisecondResolution, &baseTimeOffsets, data[offset:])

		if err != nil {
			return measurements, err
		}

		offset += n

		// Measurements with an unknown signal index are silently discarded
		if !signalIndexCache.Contains(int32(compactMeasurement.SignalIndex)) {
			continue
		}

		measurement := compactMeasurement.Expand(signalIndexCache)

		if frameLevelTimestamp > -1 {
			measurement.Timestamp = ticks.Ticks(frameLevelTimestamp)
		}

		measurements = append(measurements, measurement)
	}

	return measurements, nil
}

// SendServerCommand sends a bare command to the publisher, with no associated payload.
func (ds *DataSubscriber) SendServerCommand(commandCode ServerCommandEnum) {
	ds.sendServerCommand(commandCode, nil)
}

// SendServerCommandWithMessage sends a command to the publisher along with a size-prefixed,
// encoded text message.
func (ds *DataSubscriber) SendServerCommandWithMessage(commandCode ServerCommandEnum, message string) {
	encoded := ds.EncodeString(message)
	buffer := make([]byte, 4+len(encoded))
	binary.BigEndian.PutUint32(buffer, uint32(len(encoded)))
	copy(buffer[4:], encoded)

	ds.sendServerCommand(commandCode, buffer)
}

// SendServerCommandWithPayload sends a command to the publisher along with the given raw payload.
func (ds *DataSubscriber) SendServerCommandWithPayload(commandCode ServerCommandEnum, data []byte) {
	ds.sendServerCommand(commandCode, data)
}

func (ds *DataSubscriber) sendServerCommand(commandCode ServerCommandEnum, data []byte) {
	ds.writeMutex.Lock()
	defer ds.writeMutex.Unlock()

	if ds.commandChannelSocket == nil {
		ds.dispatchErrorMessage("Cannot send server command, subscriber is not connected")
		return
	}

	packetSize := uint32(len(data)) + 1
	buffer := make([]byte, packetSize+8)

	// Insert payload marker
	buffer[0], buffer[1], buffer[2], buffer[3] = 0xAA, 0xBB, 0xCC, 0xDD

	// Insert packet size
	binary.LittleEndian.PutUint32(buffer[4:8], packetSize)

	// Insert command code
	buffer[8] = byte(commandCode)

	copy(buffer[9:], data)

	if _, err := ds.commandChannelSocket.Write(buffer); err != nil {
		ds.dispatchErrorMessage("Error writing data to command channel: " + err.Error())
		return
	}

	metrics.PacketsSent.Inc()
}

// sendOperationalModes sends the currently defined and/or supported operational modes to the
// server. This must be sent immediately following a successful connection, before any other command.
func (ds *DataSubscriber) sendOperationalModes() {
	operationalModes := OperationalModesEnum(ds.Version) & OperationalModes.ServerResponseEnumVersionMask
	operationalModes |= OperationalModesEnum(CompressionModes.GZip)
	operationalModes |= OperationalModesEnum(OperationalEncoding.UTF8)
	operationalModes |= OperationalModes.ServerResponseEnumUseCommonSerializationFormat

	// TSSC compression only works with stateful connections
	if ds.CompressPayloadData && !ds.subscriptionInfo.UdpDataChannel {
		operationalModes |= OperationalModes.ServerResponseEnumCompressPayloadData | OperationalModesEnum(CompressionModes.TSSC)
	}

	if ds.CompressMetadata {
		operationalModes |= OperationalModes.ServerResponseEnumCompressMetadata
	}

	if ds.CompressSignalIndexCache {
		operationalModes |= OperationalModes.ServerResponseEnumCompressSignalIndexCache
	}

	buffer := make([]byte, 4)
	binary.BigEndian.PutUint32(buffer, uint32(operationalModes))

	ds.SendServerCommandWithPayload(ServerCommand.DefineOperationalModes, buffer)
}

// EncodeString encodes an STTP string according to the defined operational modes.
func (ds *DataSubscriber) EncodeString(value string) []byte {
	// Latest version of STTP only encodes to UTF8, the default for Go
	if ds.encoding != OperationalEncoding.UTF8 {
		panic("Go implementation of STTP only supports UTF8 string encoding")
	}

	return []byte(value)
}

// DecodeString decodes an STTP string according to the defined operational modes.
func (ds *DataSubscriber) DecodeString(data []byte) string {
	// Latest version of STTP only encodes to UTF8, the default for Go
	if ds.encoding != OperationalEncoding.UTF8 {
		panic("Go implementation of STTP only supports UTF8 string encoding")
	}

	return string(data)
}
