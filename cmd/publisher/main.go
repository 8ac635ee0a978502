// Command publisher is a minimal GEP/STTP data publisher: it registers a handful of
// synthetic measurement points, accepts subscriber connections, and publishes sine-wave
// samples for each point once per second.
package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/gatewayexchange/gep/internal/publisher"
	"github.com/gatewayexchange/gep/sttp/guid"
	"github.com/gatewayexchange/gep/sttp/ticks"
	"github.com/gatewayexchange/gep/sttp/transport"
)

type syntheticPoint struct {
	signalID  guid.Guid
	frequency float64
}

func main() {
	port := parseCmdLineArgs()

	pub := publisher.NewPublisher(publisher.Config{
		Port:                    port,
		MaxAllowedConnections:   -1,
		MetadataRefreshAllowed:  true,
		NaNValueFilterAllowed:   true,
		CipherKeyRotationPeriod: 0,
	})

	pub.StatusMessageCallback = func(message string) { fmt.Println(message) }
	pub.ErrorMessageCallback = func(message string) { fmt.Fprintln(os.Stderr, message) }

	pub.ClientConnectedCallback = func(connection *transport.SubscriberConnection) {
		fmt.Println("Client connected:", connection.RemoteAddr())
	}

	pub.ClientDisconnectedCallback = func(connection *transport.SubscriberConnection) {
		fmt.Println("Client disconnected:", connection.RemoteAddr())
	}

	points := []syntheticPoint{
		{guid.New(), 60.0},
		{guid.New(), 59.98},
		{guid.New(), 60.02},
	}

	for i, point := range points {
		pub.AddMeasurement(point.signalID, "synthetic", uint64(i+1))
	}

	if err := pub.Initialize(); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to start publisher:", err.Error())
		os.Exit(1)
	}

	defer pub.Dispose()

	stop := make(chan struct{})
	go publishSamples(pub, points, stop)

	reader := bufio.NewReader(os.Stdin)
	reader.ReadRune()
	close(stop)
}

func publishSamples(pub *publisher.Publisher, points []syntheticPoint, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			measurements := make([]transport.Measurement, len(points))

			for i, point := range points {
				measurements[i] = transport.Measurement{
					SignalID:  point.signalID,
					Value:     math.Sin(2 * math.Pi * point.frequency * elapsed),
					Timestamp: ticks.FromTime(now),
					Flags:     transport.StateFlags.Normal,
				}
			}

			pub.PublishMeasurements(measurements)
		}
	}
}

func parseCmdLineArgs() uint16 {
	args := os.Args

	if len(args) < 2 {
		fmt.Println("Usage:")
		fmt.Println("    publisher PORT")
		os.Exit(1)
	}

	port, err := strconv.Atoi(args[1])

	if err != nil || port < 1 || port > math.MaxUint16 {
		fmt.Printf("Invalid port number %q\n", args[1])
		os.Exit(2)
	}

	return uint16(port)
}
