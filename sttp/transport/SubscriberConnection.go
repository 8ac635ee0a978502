//******************************************************************************************************
//  SubscriberConnection.go - Gbtc
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
//
//******************************************************************************************************

package transport

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gatewayexchange/gep/internal/connstring"
	"github.com/gatewayexchange/gep/internal/metrics"
	"github.com/gatewayexchange/gep/sttp/guid"
	"github.com/gatewayexchange/gep/sttp/thread"
	"github.com/gatewayexchange/gep/sttp/transport/tssc"
	"github.com/tevino/abool/v2"
)

func itoa(port uint16) string {
	return strconv.Itoa(int(port))
}

func atomicAddUint64(addr *uint64, delta uint64) {
	atomic.AddUint64(addr, delta)
}

// SubscriberConnection represents a single subscriber's connection to a publisher. It tracks
// the connection's negotiated operational modes, its own signal index cache, and its own
// rotating cipher keys, mirroring the per-subscriber state a DataSubscriber keeps for its
// publisher on the other end of the wire.
type SubscriberConnection struct {
	ConnectionID string
	SubscriberID guid.Guid

	// StatusMessageCallback and ErrorMessageCallback report informational and error text
	// for this specific connection.
	StatusMessageCallback func(message string)
	ErrorMessageCallback func(message string)

	// SubscribeCallback is invoked once a Subscribe command has been parsed into connection
	// string Parameters; the publisher decides how to honor the filter expression and
	// temporal constraints that follow.
	SubscribeCallback func(connection *SubscriberConnection, parameters connstring.Parameters)
	// UnsubscribeCallback is invoked when the subscriber requests that publication stop.
	UnsubscribeCallback func(connection *SubscriberConnection)
	// MetadataRequestCallback is invoked when the subscriber requests a metadata refresh.
	MetadataRequestCallback func(connection *SubscriberConnection)
	// ProcessingIntervalChangeRequestedCallback is invoked when the subscriber asks to
	// change its temporal playback speed mid-subscription.
	ProcessingIntervalChangeRequestedCallback func(connection *SubscriberConnection, processingInterval int32)
	// ConnectionTerminatedCallback is invoked once the command channel is no longer usable.
	ConnectionTerminatedCallback func(connection *SubscriberConnection)

	encoding         OperationalEncodingEnum
	operationalModes OperationalModesEnum

	CompressPayloadData      bool
	CompressMetadata         bool
	CompressSignalIndexCache bool
	useTSSC                  bool

	IncludeTime               bool
	UseMillisecondResolution  bool
	NaNValueFilterAllowed     bool
	NaNValueFilterForced      bool

	FilterExpression     string
	StartTimeConstraint  string
	StopTimeConstraint   string
	ConstraintParameters string
	ProcessingInterval   int32

	subscribed abool.AtomicBool
	disposing  abool.AtomicBool

	conn        net.Conn
	dataChannel *net.UDPConn

	writeMutex sync.Mutex

	signalIndexCacheMutex sync.RWMutex
	signalIndexCache      *SignalIndexCache

	cipherMutex sync.Mutex
	cipherKeys  [2][]byte
	cipherIVs   [2][]byte
	cipherIndex byte

	tsscEncoder        *tssc.Encoder
	tsscSequenceNumber uint16

	totalCommandChannelBytesSent uint64
	totalDataChannelBytesSent    uint64
	totalMeasurementsSent        uint64

	commandChannelThread *thread.Thread
}

// NewSubscriberConnection creates a SubscriberConnection wrapping an accepted command
// channel socket. The connection is inert until Start is called.
func NewSubscriberConnection(conn net.Conn) *SubscriberConnection {
	return &SubscriberConnection{
		ConnectionID:     conn.RemoteAddr().String(),
		SubscriberID:     guid.Empty,
		conn:             conn,
		encoding:         OperationalEncoding.UTF8,
		signalIndexCache: NewSignalIndexCache(),
		tsscEncoder:      tssc.NewEncoder(),
	}
}

// Start begins reading request-framed commands from the command channel until the
// connection is closed or an unrecoverable error occurs.
func (sc *SubscriberConnection) Start() {
	sc.commandChannelThread = thread.NewThread(sc.runCommandChannelRequestThread)
	sc.commandChannelThread.Start()
}

// IsSubscribed reports whether this connection currently has an active subscription.
func (sc *SubscriberConnection) IsSubscribed() bool {
	return sc.subscribed.IsSet()
}

// RemoteAddr returns the remote address of the underlying command channel socket.
func (sc *SubscriberConnection) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// SignalIndexCache returns this connection's active signal index cache.
func (sc *SubscriberConnection) SignalIndexCache() *SignalIndexCache {
	sc.signalIndexCacheMutex.RLock()
	defer sc.signalIndexCacheMutex.RUnlock()
	return sc.signalIndexCache
}

// SetSignalIndexCache replaces this connection's signal index cache and pushes the
// UpdateSignalIndexCache response to the subscriber.
func (sc *SubscriberConnection) SetSignalIndexCache(cache *SignalIndexCache) error {
	sc.signalIndexCacheMutex.Lock()
	sc.signalIndexCache = cache
	sc.tsscEncoder.Reset()
	sc.tsscSequenceNumber = 0
	sc.signalIndexCacheMutex.Unlock()

	buffer := cache.Encode(sc, sc.SubscriberID)

	if sc.CompressSignalIndexCache {
		buffer = compressGZip(buffer)
	}

	return sc.SendResponse(ServerResponse.UpdateSignalIndexCache, ServerCommand.Subscribe, buffer)
}

// Dispose closes the underlying sockets and stops any running read threads.
func (sc *SubscriberConnection) Dispose() {
	if sc.disposing.IsSet() {
		return
	}

	sc.disposing.Set()
	sc.subscribed.UnSet()

	if sc.conn != nil {
		sc.conn.Close()
	}

	if sc.dataChannel != nil {
		sc.dataChannel.Close()
	}

	if sc.commandChannelThread != nil {
		sc.commandChannelThread.Join()
	}
}

func (sc *SubscriberConnection) dispatchStatusMessage(message string) {
	if sc.StatusMessageCallback != nil {
		sc.StatusMessageCallback(message)
	}
}

func (sc *SubscriberConnection) dispatchErrorMessage(message string) {
	if sc.ErrorMessageCallback != nil {
		sc.ErrorMessageCallback(message)
	}
}

// EncodeString encodes a string per this connection's negotiated character encoding.
func (sc *SubscriberConnection) EncodeString(value string) []byte {
	if sc.encoding != OperationalEncoding.UTF8 {
		panic("Go implementation of STTP only supports UTF8 string encoding")
	}

	return []byte(value)
}

// DecodeString decodes a string per this connection's negotiated character encoding.
func (sc *SubscriberConnection) DecodeString(data []byte) string {
	if sc.encoding != OperationalEncoding.UTF8 {
		panic("Go implementation of STTP only supports UTF8 string encoding")
	}

	return string(data)
}

// runCommandChannelRequestThread reads marker-framed command requests, the mirror image
// of DataSubscriber.sendServerCommand's write-side framing.
func (sc *SubscriberConnection) runCommandChannelRequestThread() {
	reader := bufio.NewReaderSize(sc.conn, int(maxPacketSize))
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			sc.handleCommandChannelError(err)
			return
		}

		if header[0] != 0xAA || header[1] != 0xBB || header[2] != 0xCC || header[3] != 0xDD {
			sc.dispatchErrorMessage("Received malformed command request: missing payload marker")
			return
		}

		packetSize := binary.LittleEndian.Uint32(header[4:8])
		packet := make([]byte, packetSize)

		if _, err := io.ReadFull(reader, packet); err != nil {
			sc.handleCommandChannelError(err)
			return
		}

		metrics.PacketsReceived.Inc()
		sc.processClientRequest(ServerCommandEnum(packet[0]), packet[1:])
	}
}

func (sc *SubscriberConnection) handleCommandChannelError(err error) {
	if sc.disposing.IsSet() {
		return
	}

	if err != io.EOF {
		sc.dispatchErrorMessage("Error reading command channel: " + err.Error())
	}

	if sc.ConnectionTerminatedCallback != nil {
		sc.ConnectionTerminatedCallback(sc)
	}
}

//gocyclo:ignore
func (sc *SubscriberConnection) processClientRequest(commandCode ServerCommandEnum, data []byte) {
	switch commandCode {
	case ServerCommand.DefineOperationalModes:
		sc.handleDefineOperationalModes(data)
	case ServerCommand.MetadataRefresh:
		if sc.MetadataRequestCallback != nil {
			sc.MetadataRequestCallback(sc)
		}
	case ServerCommand.Subscribe:
		sc.handleSubscribe(data)
	case ServerCommand.Unsubscribe:
		sc.subscribed.UnSet()

		if sc.UnsubscribeCallback != nil {
			sc.UnsubscribeCallback(sc)
		}

		sc.SendResponseWithMessage(ServerResponse.Succeeded, ServerCommand.Unsubscribe, "Unsubscribed")
	case ServerCommand.RotateCipherKeys:
		if err := sc.RotateCipherKeys(); err != nil {
			sc.SendResponseWithMessage(ServerResponse.Failed, commandCode, err.Error())
		} else {
			sc.SendResponseWithMessage(ServerResponse.Succeeded, commandCode, "Cipher keys rotated")
		}
	case ServerCommand.UpdateProcessingInterval:
		if len(data) >= 4 && sc.ProcessingIntervalChangeRequestedCallback != nil {
			sc.ProcessingInterval = int32(binary.BigEndian.Uint32(data))
			sc.ProcessingIntervalChangeRequestedCallback(sc, sc.ProcessingInterval)
		}

		sc.SendResponseWithMessage(ServerResponse.Succeeded, commandCode, "Processing interval updated")
	case ServerCommand.ConfirmNotification, ServerCommand.ConfirmBufferBlock, ServerCommand.ConfirmSignalIndexCache:
		// Acknowledgments for unsolicited responses; no action required.
	default:
		sc.dispatchErrorMessage("Received request for unsupported server command")
	}
}

func (sc *SubscriberConnection) handleDefineOperationalModes(data []byte) {
	if len(data) < 4 {
		return
	}

	sc.operationalModes = OperationalModesEnum(binary.BigEndian.Uint32(data))
	sc.encoding = OperationalEncodingEnum(sc.operationalModes & OperationalModes.ServerResponseEnumEncodingMask)
	sc.CompressMetadata = (sc.operationalModes & OperationalModes.ServerResponseEnumCompressMetadata) != 0
	sc.CompressSignalIndexCache = (sc.operationalModes & OperationalModes.ServerResponseEnumCompressSignalIndexCache) != 0

	compressPayload := (sc.operationalModes & OperationalModes.ServerResponseEnumCompressPayloadData) != 0
	compressionMode := CompressionModesEnum(sc.operationalModes & OperationalModes.ServerResponseEnumCompressionModeMask)

	sc.CompressPayloadData = compressPayload
	sc.useTSSC = compressPayload && (compressionMode&CompressionModes.TSSC) != 0
}

func (sc *SubscriberConnection) handleSubscribe(data []byte) {
	if len(data) < 5 {
		sc.SendResponseWithMessage(ServerResponse.Failed, ServerCommand.Subscribe, "Malformed subscribe request")
		return
	}

	size := binary.BigEndian.Uint32(data[1:5])

	if uint32(len(data)) < 5+size {
		sc.SendResponseWithMessage(ServerResponse.Failed, ServerCommand.Subscribe, "Malformed subscribe request")
		return
	}

	connectionString := sc.DecodeString(data[5 : 5+size])
	parameters := connstring.Parse(connectionString)

	sc.FilterExpression = parameters.FilterExpression
	sc.IncludeTime = parameters.IncludeTime
	sc.UseMillisecondResolution = parameters.UseMillisecondResolution
	sc.NaNValueFilterAllowed = parameters.RequestNaNValueFilter
	sc.StartTimeConstraint = parameters.StartTime
	sc.StopTimeConstraint = parameters.StopTime
	sc.ConstraintParameters = parameters.ConstraintParameters
	sc.ProcessingInterval = parameters.ProcessingInterval

	if parameters.UseUdpDataChannel {
		if err := sc.openDataChannel(parameters.UdpDataChannelLocalPort); err != nil {
			sc.SendResponseWithMessage(ServerResponse.Failed, ServerCommand.Subscribe, "Failed to open data channel: "+err.Error())
			return
		}
	}

	sc.subscribed.Set()

	if sc.SubscribeCallback != nil {
		sc.SubscribeCallback(sc, parameters)
	}

	sc.SendResponseWithMessage(ServerResponse.Succeeded, ServerCommand.Subscribe, "Subscribed")
}

func (sc *SubscriberConnection) openDataChannel(localPort uint16) error {
	host, _, err := net.SplitHostPort(sc.conn.RemoteAddr().String())

	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, itoa(localPort)))

	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp", nil, addr)

	if err != nil {
		return err
	}

	sc.dataChannel = conn

	return nil
}

// RotateCipherKeys generates a new AES-128 key/IV pair for the inactive cipher index and
// notifies the subscriber, then promotes it to active. This is a minimal, best-effort
// implementation of GEP's key-rotation handshake: real deployments drive this from a timer
// keyed off a configured rotation period rather than only in response to an explicit request.
func (sc *SubscriberConnection) RotateCipherKeys() error {
	key := make([]byte, 16)
	iv := make([]byte, 16)

	if _, err := rand.Read(key); err != nil {
		return err
	}

	if _, err := rand.Read(iv); err != nil {
		return err
	}

	sc.cipherMutex.Lock()
	nextIndex := 1 - sc.cipherIndex
	sc.cipherKeys[nextIndex] = key
	sc.cipherIVs[nextIndex] = iv
	sc.cipherMutex.Unlock()

	buffer := make([]byte, 0, 1+4+16+4+16)
	buffer = append(buffer, nextIndex)
	buffer = appendLengthPrefixed(buffer, iv)
	buffer = appendLengthPrefixed(buffer, key)

	if err := sc.SendResponse(ServerResponse.UpdateCipherKeys, ServerCommand.RotateCipherKeys, buffer); err != nil {
		return err
	}

	sc.cipherMutex.Lock()
	sc.cipherIndex = nextIndex
	sc.cipherMutex.Unlock()

	metrics.CipherRotations.Inc()
	sc.dispatchStatusMessage("Cipher keys rotated for " + sc.ConnectionID)

	return nil
}

func appendLengthPrefixed(buffer, value []byte) []byte {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(value)))
	buffer = append(buffer, length...)
	return append(buffer, value...)
}

// PublishMeasurements encodes and sends a batch of measurements to this subscriber, honoring
// the connection's negotiated compression and cipher settings. NaN filtering, if requested
// or forced, is expected to have already been applied by the caller's sample dispatch loop.
func (sc *SubscriberConnection) PublishMeasurements(measurements []Measurement) error {
	if !sc.subscribed.IsSet() {
		return errors.New("connection is not subscribed")
	}

	var payload []byte
	var flags DataPacketFlagsEnum = DataPacketFlags.Compact

	if sc.useTSSC {
		flags |= DataPacketFlags.Compressed
		payload = sc.encodeTSSC(measurements)
	} else {
		payload = sc.encodeCompact(measurements)
	}

	if keys, iv, index, ok := sc.activeCipher(); ok {
		encrypted, err := encipherAES(keys, iv, payload)

		if err != nil {
			return err
		}

		payload = encrypted

		if index == 1 {
			flags |= DataPacketFlags.CipherIndex
		}
	}

	frame := make([]byte, 5, 5+len(payload))
	frame[0] = byte(flags)
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(measurements)))
	frame = append(frame, payload...)

	metrics.DataPacketSizes.Observe(float64(len(frame)))
	atomicAddUint64(&sc.totalMeasurementsSent, uint64(len(measurements)))

	if sc.dataChannel != nil {
		return sc.sendDataChannelFrame(frame)
	}

	return sc.SendResponse(ServerResponse.DataPacket, ServerCommand.Subscribe, frame)
}

func (sc *SubscriberConnection) encodeCompact(measurements []Measurement) []byte {
	cache := sc.SignalIndexCache()
	buffer := make([]byte, 0, len(measurements)*15)

	for _, m := range measurements {
		cm := CompactMeasurement{
			Value:       float32(m.Value),
			Timestamp:   m.Timestamp,
			SignalIndex: uint16(cache.SignalIndex(m.SignalID)),
			Flags:       m.Flags.mapToCompactFlags(),
		}

		record := make([]byte, 15)
		cm.Marshal(record)

		if sc.IncludeTime {
			buffer = append(buffer, record...)
		} else {
			buffer = append(buffer, record[:7]...)
		}
	}

	return buffer
}

func (sc *SubscriberConnection) encodeTSSC(measurements []Measurement) []byte {
	cache := sc.SignalIndexCache()
	buffer := make([]byte, maxPacketSize)

	sc.tsscEncoder.SetBuffer(buffer[2:])

	for _, m := range measurements {
		signalIndex := cache.SignalIndex(m.SignalID)
		sc.tsscEncoder.TryAddMeasurement(signalIndex, int64(m.Timestamp), uint32(m.Flags), float32(m.Value))
	}

	length := sc.tsscEncoder.FinishBlock()

	out := make([]byte, 3+length)
	out[0] = 85
	binary.BigEndian.PutUint16(out[1:3], sc.tsscSequenceNumber)
	copy(out[3:], buffer[2:2+length])

	sc.tsscSequenceNumber++

	// Sequence number zero marks a fresh TSSC stream, so it is skipped on roll-over
	if sc.tsscSequenceNumber == 0 {
		sc.tsscSequenceNumber = 1
	}

	return out
}

func (sc *SubscriberConnection) activeCipher() (key, iv []byte, index byte, ok bool) {
	sc.cipherMutex.Lock()
	defer sc.cipherMutex.Unlock()

	if sc.cipherKeys[sc.cipherIndex] == nil {
		return nil, nil, 0, false
	}

	return sc.cipherKeys[sc.cipherIndex], sc.cipherIVs[sc.cipherIndex], sc.cipherIndex, true
}

func (sc *SubscriberConnection) sendDataChannelFrame(frame []byte) error {
	header := make([]byte, responseHeaderSize)
	header[0] = byte(ServerResponse.DataPacket)
	header[1] = byte(ServerCommand.Subscribe)

	packet := append(header, frame...)

	n, err := sc.dataChannel.Write(packet)

	if err != nil {
		return err
	}

	atomicAddUint64(&sc.totalDataChannelBytesSent, uint64(n))
	metrics.PacketsSent.Inc()

	return nil
}

// SendResponseWithMessage sends a response to the subscriber whose body is the encoded text
// message, the form DataSubscriber decodes for Succeeded, Failed and ProcessingComplete responses.
func (sc *SubscriberConnection) SendResponseWithMessage(responseCode ServerResponseEnum, commandCode ServerCommandEnum, message string) {
	sc.SendResponse(responseCode, commandCode, sc.EncodeString(message))
}

// SendResponse writes a response-framed message to the command channel: a 4-byte little
// endian packet size followed by the 6-byte response header and body, the mirror image of
// DataSubscriber.runCommandChannelResponseThread's read-side framing.
func (sc *SubscriberConnection) SendResponse(responseCode ServerResponseEnum, commandCode ServerCommandEnum, data []byte) error {
	sc.writeMutex.Lock()
	defer sc.writeMutex.Unlock()

	packetSize := responseHeaderSize + uint32(len(data))
	buffer := make([]byte, 4+packetSize)

	binary.LittleEndian.PutUint32(buffer, packetSize)
	buffer[4] = byte(responseCode)
	buffer[5] = byte(commandCode)
	copy(buffer[10:], data)

	if _, err := sc.conn.Write(buffer); err != nil {
		sc.dispatchErrorMessage("Error writing data to command channel: " + err.Error())
		return err
	}

	atomicAddUint64(&sc.totalCommandChannelBytesSent, uint64(len(buffer)))
	metrics.PacketsSent.Inc()

	return nil
}
