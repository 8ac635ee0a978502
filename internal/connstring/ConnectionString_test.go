package connstring

import "testing"

func TestBuildParseRoundTrip(t *testing.T) {
	p := Parameters{
		Throttled:                true,
		PublishInterval:          2.5,
		IncludeTime:              true,
		LagTime:                  5,
		LeadTime:                 5,
		UseLocalClockAsRealTime:  false,
		ProcessingInterval:       100,
		UseMillisecondResolution: true,
		RequestNaNValueFilter:    true,
		FilterExpression:         "FILTER TOP 5 ActiveMeasurements WHERE True",
		UseUdpDataChannel:        true,
		UdpDataChannelLocalPort:  9600,
		StartTime:                "2026-01-01 00:00:00",
		StopTime:                 "2026-01-02 00:00:00",
		ConstraintParameters:     "interval=1",
	}

	s, err := Build(p, AssemblyInfo{Source: "test", Version: "1.0", BuildDate: "2026-01-01"})

	if err != nil {
		t.Fatalf("Build failed: %s", err.Error())
	}

	parsed := Parse(s)

	if parsed.Throttled != p.Throttled {
		t.Fatalf("Throttled mismatch: got %v, want %v", parsed.Throttled, p.Throttled)
	}

	if parsed.PublishInterval != p.PublishInterval {
		t.Fatalf("PublishInterval mismatch: got %v, want %v", parsed.PublishInterval, p.PublishInterval)
	}

	if parsed.IncludeTime != p.IncludeTime {
		t.Fatalf("IncludeTime mismatch: got %v, want %v", parsed.IncludeTime, p.IncludeTime)
	}

	if parsed.LagTime != p.LagTime {
		t.Fatalf("LagTime mismatch: got %v, want %v", parsed.LagTime, p.LagTime)
	}

	if parsed.LeadTime != p.LeadTime {
		t.Fatalf("LeadTime mismatch: got %v, want %v", parsed.LeadTime, p.LeadTime)
	}

	if parsed.ProcessingInterval != p.ProcessingInterval {
		t.Fatalf("ProcessingInterval mismatch: got %v, want %v", parsed.ProcessingInterval, p.ProcessingInterval)
	}

	if parsed.UseMillisecondResolution != p.UseMillisecondResolution {
		t.Fatalf("UseMillisecondResolution mismatch: got %v, want %v", parsed.UseMillisecondResolution, p.UseMillisecondResolution)
	}

	if parsed.RequestNaNValueFilter != p.RequestNaNValueFilter {
		t.Fatalf("RequestNaNValueFilter mismatch: got %v, want %v", parsed.RequestNaNValueFilter, p.RequestNaNValueFilter)
	}

	if parsed.FilterExpression != p.FilterExpression {
		t.Fatalf("FilterExpression mismatch: got %q, want %q", parsed.FilterExpression, p.FilterExpression)
	}

	if parsed.UseUdpDataChannel != p.UseUdpDataChannel {
		t.Fatalf("UseUdpDataChannel mismatch: got %v, want %v", parsed.UseUdpDataChannel, p.UseUdpDataChannel)
	}

	if parsed.UdpDataChannelLocalPort != p.UdpDataChannelLocalPort {
		t.Fatalf("UdpDataChannelLocalPort mismatch: got %v, want %v", parsed.UdpDataChannelLocalPort, p.UdpDataChannelLocalPort)
	}

	if parsed.StartTime != p.StartTime {
		t.Fatalf("StartTime mismatch: got %q, want %q", parsed.StartTime, p.StartTime)
	}

	if parsed.StopTime != p.StopTime {
		t.Fatalf("StopTime mismatch: got %q, want %q", parsed.StopTime, p.StopTime)
	}

	if parsed.ConstraintParameters != p.ConstraintParameters {
		t.Fatalf("ConstraintParameters mismatch: got %q, want %q", parsed.ConstraintParameters, p.ConstraintParameters)
	}
}

func TestParseThrottledKey(t *testing.T) {
	parsed := Parse("trackLatestMeasurements=true;")

	if !parsed.Throttled {
		t.Fatalf("expected trackLatestMeasurements=true to set Throttled")
	}
}

func TestSplitSegmentsRespectsBraces(t *testing.T) {
	segments := splitSegments("a=1;b={x=2; y=3};c=4;")

	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d: %v", len(segments), segments)
	}

	if segments[1] != "b={x=2; y=3}" {
		t.Fatalf("expected braced segment to stay intact, got %q", segments[1])
	}
}
