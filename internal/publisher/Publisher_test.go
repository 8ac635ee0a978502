package publisher

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gatewayexchange/gep/internal/connstring"
	"github.com/gatewayexchange/gep/sttp/guid"
	"github.com/gatewayexchange/gep/sttp/transport"
)

// sendRequest frames a command request the way DataSubscriber.sendServerCommand does:
// a 4-byte marker, a little-endian size, a command byte, and the payload.
func sendRequest(conn net.Conn, commandCode byte, payload []byte) error {
	header := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(header[4:8], uint32(1+len(payload)))

	if _, err := conn.Write(header); err != nil {
		return err
	}

	if _, err := conn.Write(append([]byte{commandCode}, payload...)); err != nil {
		return err
	}

	return nil
}

// readResponse parses a response frame the way DataSubscriber.runCommandChannelResponseThread
// does: a little-endian size, a 6-byte response header, and the body.
func readResponse(conn net.Conn) (responseCode, commandCode byte, body []byte, err error) {
	sizeBuffer := make([]byte, 4)

	if _, err = io.ReadFull(conn, sizeBuffer); err != nil {
		return
	}

	packetSize := binary.LittleEndian.Uint32(sizeBuffer)
	packet := make([]byte, packetSize)

	if _, err = io.ReadFull(conn, packet); err != nil {
		return
	}

	return packet[0], packet[1], packet[6:], nil
}

func buildSubscribeRequest(t *testing.T) []byte {
	connectionString, err := connstring.Build(connstring.Parameters{
		IncludeTime: true,
	}, connstring.AssemblyInfo{Source: "test", Version: "1.0", BuildDate: "2026-01-01"})

	if err != nil {
		t.Fatalf("failed to build connection string: %s", err.Error())
	}

	encoded := []byte(connectionString)
	payload := make([]byte, 5+len(encoded))
	binary.BigEndian.PutUint32(payload[1:5], uint32(len(encoded)))
	copy(payload[5:], encoded)

	return payload
}

func TestPublisherAcceptSubscribeAndPublish(t *testing.T) {
	pub := NewPublisher(Config{
		Port:                   0,
		MaxAllowedConnections:  -1,
		MetadataRefreshAllowed: true,
		NaNValueFilterAllowed:  true,
	})

	signalID := guid.New()
	pub.AddMeasurement(signalID, "synthetic", 1)

	connected := make(chan *transport.SubscriberConnection, 1)
	pub.ClientConnectedCallback = func(connection *transport.SubscriberConnection) {
		connected <- connection
	}

	if err := pub.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %s", err.Error())
	}

	defer pub.Dispose()

	conn, err := net.Dial("tcp", pub.Addr().String())

	if err != nil {
		t.Fatalf("Dial failed: %s", err.Error())
	}

	defer conn.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ClientConnectedCallback")
	}

	if err := sendRequest(conn, byte(transport.ServerCommand.Subscribe), buildSubscribeRequest(t)); err != nil {
		t.Fatalf("failed to send subscribe request: %s", err.Error())
	}

	responseCode, commandCode, _, err := readResponse(conn)

	if err != nil {
		t.Fatalf("failed to read signal index cache response: %s", err.Error())
	}

	if responseCode != byte(transport.ServerResponse.UpdateSignalIndexCache) {
		t.Fatalf("expected UpdateSignalIndexCache response, got response code %d", responseCode)
	}

	if commandCode != byte(transport.ServerCommand.Subscribe) {
		t.Fatalf("expected Subscribe command code on signal index cache response, got %d", commandCode)
	}

	responseCode, _, _, err = readResponse(conn)

	if err != nil {
		t.Fatalf("failed to read subscribe ack response: %s", err.Error())
	}

	if responseCode != byte(transport.ServerResponse.Succeeded) {
		t.Fatalf("expected Succeeded response to Subscribe, got response code %d", responseCode)
	}

	pub.PublishMeasurements([]transport.Measurement{
		{SignalID: signalID, Value: 1.5, Flags: transport.StateFlags.Normal},
	})

	responseCode, commandCode, body, err := readResponse(conn)

	if err != nil {
		t.Fatalf("failed to read data packet response: %s", err.Error())
	}

	if responseCode != byte(transport.ServerResponse.DataPacket) {
		t.Fatalf("expected DataPacket response, got response code %d", responseCode)
	}

	if commandCode != byte(transport.ServerCommand.Subscribe) {
		t.Fatalf("expected Subscribe command code on data packet response, got %d", commandCode)
	}

	if len(body) < 5 {
		t.Fatalf("expected data packet body to carry at least a flags byte and count, got %d bytes", len(body))
	}

	count := binary.BigEndian.Uint32(body[1:5])

	if count != 1 {
		t.Fatalf("expected 1 measurement in data packet, got %d", count)
	}
}
