// Command subscriber is a minimal GEP/STTP data subscriber: it connects to a publisher,
// requests metadata, subscribes to a filter expression, and prints incoming measurements.
// It is adapted from the reference SimpleSubscribe example to the Subscriber facade's
// callback-setter API.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatewayexchange/gep/sttp"
	"github.com/gatewayexchange/gep/sttp/transport"
)

var lastMessageDisplay time.Time
var totalReceived uint64

func main() {
	address, filterExpression := parseCmdLineArgs()

	subscriber := sttp.NewSubscriber()
	defer subscriber.Close()

	subscriber.SetNewMeasurementsReceiver(receivedNewMeasurements(subscriber))
	subscriber.SetSubscriptionUpdatedReceiver(subscriptionUpdated)
	subscriber.SetMetadataReceiver(receivedMetadata)

	config := sttp.NewConfig()

	if err := subscriber.Dial(address, config); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to connect:", err.Error())
		os.Exit(1)
	}

	subscriber.Subscribe(filterExpression, sttp.NewSettings())

	reader := bufio.NewReader(os.Stdin)
	reader.ReadRune()
}

func receivedMetadata(metadata []byte) {
	fmt.Printf("Received %d bytes of metadata\n", len(metadata))
}

func subscriptionUpdated(signalIndexCache *transport.SignalIndexCache) {
	fmt.Printf("Received signal index cache with %d mappings\n", signalIndexCache.Count())
}

func receivedNewMeasurements(subscriber *sttp.Subscriber) func(measurements []transport.Measurement) {
	return func(measurements []transport.Measurement) {
		totalReceived += uint64(len(measurements))

		if time.Since(lastMessageDisplay).Seconds() < 5.0 {
			return
		}

		defer func() { lastMessageDisplay = time.Now() }()

		if lastMessageDisplay.IsZero() {
			fmt.Println("Receiving measurements...")
			return
		}

		var message strings.Builder

		message.WriteString(strconv.FormatUint(totalReceived, 10))
		message.WriteString(" measurements received so far...\n")
		message.WriteString("\tID\tSignal ID\t\t\t\tValue\n")

		for i := 0; i < len(measurements) && i < 10; i++ {
			measurement := measurements[i]
			metadata := subscriber.Metadata(&measurement)

			message.WriteRune('\t')
			message.WriteString(strconv.FormatUint(metadata.ID, 10))
			message.WriteRune('\t')
			message.WriteString(measurement.SignalID.String())
			message.WriteRune('\t')
			message.WriteString(strconv.FormatFloat(measurement.Value, 'f', 6, 64))
			message.WriteRune('\n')
		}

		fmt.Println(message.String())
	}
}

func parseCmdLineArgs() (address, filterExpression string) {
	args := os.Args

	if len(args) < 3 {
		fmt.Println("Usage:")
		fmt.Println("    subscriber HOST:PORT FILTER_EXPRESSION")
		os.Exit(1)
	}

	return args[1], strings.Join(args[2:], " ")
}
