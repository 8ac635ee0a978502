// Package connstring builds the key/value connection string that a DataSubscriber
// sends to a publisher as the payload of a Subscribe command.
package connstring

import (
	"fmt"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

// Parameters carries the subset of subscription settings that feed into a Subscribe
// connection string. It is deliberately decoupled from transport.SubscriptionInfo so
// this package has no import-cycle dependency on the transport package.
type Parameters struct {
	Throttled                    bool
	PublishInterval              float64
	IncludeTime                  bool
	LagTime                      float64
	LeadTime                     float64
	UseLocalClockAsRealTime      bool
	ProcessingInterval           int32
	UseMillisecondResolution     bool
	RequestNaNValueFilter        bool
	FilterExpression             string
	UdpDataChannelLocalPort      uint16
	UseUdpDataChannel            bool
	StartTime                    string
	StopTime                     string
	ConstraintParameters         string
	ExtraConnectionStringParameters string
}

// AssemblyInfo identifies this library to the publisher, mirroring the C++ subscriber's
// "assemblyInfo={source=...; version=...; buildDate=...}" segment.
type AssemblyInfo struct {
	Source    string
	Version   string
	BuildDate string
}

// Build assembles the Subscribe connection string for the given parameters. StartTime
// and StopTime, when present, are validated with a free-form date parser (rather than
// requiring a fixed layout) but are embedded verbatim, since the publisher performs its
// own parsing of the exact string supplied.
func Build(p Parameters, assembly AssemblyInfo) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "trackLatestMeasurements=%t;", p.Throttled)
	fmt.Fprintf(&b, "publishInterval=%s;", decimalString(p.PublishInterval))
	fmt.Fprintf(&b, "includeTime=%t;", p.IncludeTime)
	fmt.Fprintf(&b, "lagTime=%s;", decimalString(p.LagTime))
	fmt.Fprintf(&b, "leadTime=%s;", decimalString(p.LeadTime))
	fmt.Fprintf(&b, "useLocalClockAsRealTime=%t;", p.UseLocalClockAsRealTime)
	fmt.Fprintf(&b, "processingInterval=%d;", p.ProcessingInterval)
	fmt.Fprintf(&b, "useMillisecondResolution=%t;", p.UseMillisecondResolution)
	fmt.Fprintf(&b, "requestNaNValueFilter=%t;", p.RequestNaNValueFilter)
	fmt.Fprintf(&b, "assemblyInfo={source=%s; version=%s; buildDate=%s};", assembly.Source, assembly.Version, assembly.BuildDate)

	if len(p.FilterExpression) > 0 {
		fmt.Fprintf(&b, "inputMeasurementKeys={%s};", p.FilterExpression)
	}

	if p.UseUdpDataChannel {
		fmt.Fprintf(&b, "dataChannel={localport=%d};", p.UdpDataChannelLocalPort)
	}

	if len(p.StartTime) > 0 {
		if _, err := dateparse.ParseAny(p.StartTime); err != nil {
			return "", fmt.Errorf("invalid StartTime constraint %q: %w", p.StartTime, err)
		}

		fmt.Fprintf(&b, "startTimeConstraint=%s;", p.StartTime)
	}

	if len(p.StopTime) > 0 {
		if _, err := dateparse.ParseAny(p.StopTime); err != nil {
			return "", fmt.Errorf("invalid StopTime constraint %q: %w", p.StopTime, err)
		}

		fmt.Fprintf(&b, "stopTimeConstraint=%s;", p.StopTime)
	}

	if len(p.ConstraintParameters) > 0 {
		fmt.Fprintf(&b, "timeConstraintParameters=%s;", p.ConstraintParameters)
	}

	if len(p.ExtraConnectionStringParameters) > 0 {
		fmt.Fprintf(&b, "%s;", p.ExtraConnectionStringParameters)
	}

	return b.String(), nil
}

// Parse decodes a Subscribe connection string back into Parameters. Braced segments
// (assemblyInfo={...}, inputMeasurementKeys={...}, dataChannel={...}) are kept intact as a
// single value; inputMeasurementKeys is carried through as the opaque filter expression,
// since evaluating it against metadata is out of scope for this package.
func Parse(s string) Parameters {
	p := Parameters{ProcessingInterval: -1}

	for _, pair := range splitSegments(s) {
		key, value, ok := splitAssignment(pair)

		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "tracklatestmeasurements", "throttled":
			p.Throttled = parseBool(value)
		case "publishinterval":
			p.PublishInterval = parseFloat(value)
		case "includetime":
			p.IncludeTime = parseBool(value)
		case "lagtime":
			p.LagTime = parseFloat(value)
		case "leadtime":
			p.LeadTime = parseFloat(value)
		case "uselocalclockasrealtime":
			p.UseLocalClockAsRealTime = parseBool(value)
		case "processinginterval":
			p.ProcessingInterval = int32(parseFloat(value))
		case "usemillisecondresolution":
			p.UseMillisecondResolution = parseBool(value)
		case "requestnanvaluefilter":
			p.RequestNaNValueFilter = parseBool(value)
		case "inputmeasurementkeys":
			p.FilterExpression = strings.Trim(value, "{}")
		case "datachannel":
			p.UseUdpDataChannel = true
			p.UdpDataChannelLocalPort = parseLocalPort(value)
		case "starttimeconstraint":
			p.StartTime = value
		case "stoptimeconstraint":
			p.StopTime = value
		case "timeconstraintparameters":
			p.ConstraintParameters = value
		}
	}

	return p
}

// splitSegments splits a connection string on top-level semicolons, leaving braced
// segments such as "assemblyInfo={source=...; version=...}" intact.
func splitSegments(s string) []string {
	var segments []string
	var depth int
	start := 0

	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ';':
			if depth == 0 {
				if segment := strings.TrimSpace(s[start:i]); len(segment) > 0 {
					segments = append(segments, segment)
				}

				start = i + 1
			}
		}
	}

	if segment := strings.TrimSpace(s[start:]); len(segment) > 0 {
		segments = append(segments, segment)
	}

	return segments
}

func splitAssignment(pair string) (key, value string, ok bool) {
	index := strings.Index(pair, "=")

	if index < 0 {
		return "", "", false
	}

	return strings.TrimSpace(pair[:index]), strings.TrimSpace(pair[index+1:]), true
}

func parseBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func parseFloat(value string) float64 {
	d, err := decimal.NewFromString(value)

	if err != nil {
		return 0
	}

	result, _ := d.Float64()
	return result
}

// parseLocalPort pulls the "localport" key out of a braced dataChannel value, e.g. "{localport=9600}".
func parseLocalPort(value string) uint16 {
	for _, segment := range strings.Split(strings.Trim(value, "{}"), ",") {
		key, val, ok := splitAssignment(segment)

		if ok && strings.EqualFold(key, "localport") {
			return uint16(parseFloat(val))
		}
	}

	return 0
}

// decimalString formats a float64 with exact decimal semantics, avoiding the scientific
// notation and binary round-trip drift that fmt's default float formatting can produce
// (e.g., a LagTime of 5.0 must always render as "5", never "5e+00" or "4.999999999999").
func decimalString(value float64) string {
	return decimal.NewFromFloat(value).String()
}
