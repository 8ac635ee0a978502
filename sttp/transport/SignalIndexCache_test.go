//******************************************************************************************************
//  SignalIndexCache_test.go - Gbtc
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
//******************************************************************************************************

package transport

import (
	"net"
	"testing"

	"github.com/gatewayexchange/gep/sttp/guid"
)

// TestSignalIndexCacheEncodeDecodeRoundTrip verifies that a cache built with AddRecord and
// serialized with Encode can be parsed back by decode into an equivalent cache, confirming
// the two wire-format directions agree byte for byte.
func TestSignalIndexCacheEncodeDecodeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	connection := NewSubscriberConnection(server)

	published := NewSignalIndexCache()
	ids := []guid.Guid{guid.New(), guid.New(), guid.New()}

	published.AddRecord(0, ids[0], "synthetic", 1)
	published.AddRecord(1, ids[1], "synthetic", 2)
	published.AddRecord(2, ids[2], "synthetic", 3)

	subscriberID := guid.New()
	buffer := published.Encode(connection, subscriberID)

	ds := NewDataSubscriber()
	parsed := NewSignalIndexCache()
	var decodedSubscriberID guid.Guid

	if err := parsed.decode(ds, buffer, &decodedSubscriberID); err != nil {
		t.Fatalf("decode failed: %s", err.Error())
	}

	if !decodedSubscriberID.Equal(subscriberID) {
		t.Fatalf("decoded subscriber ID %s does not match encoded %s", decodedSubscriberID.String(), subscriberID.String())
	}

	if parsed.Count() != published.Count() {
		t.Fatalf("decoded record count %d does not match encoded count %d", parsed.Count(), published.Count())
	}

	for i, id := range ids {
		signalIndex := int32(i)

		if !parsed.Contains(signalIndex) {
			t.Fatalf("decoded cache missing signal index %d", signalIndex)
		}

		decodedID, source, recordID, found := parsed.Record(signalIndex)

		if !found {
			t.Fatalf("decoded cache missing record for signal index %d", signalIndex)
		}

		if !decodedID.Equal(id) {
			t.Fatalf("decoded signal ID %s does not match encoded %s for index %d", decodedID.String(), id.String(), signalIndex)
		}

		if source != "synthetic" {
			t.Fatalf("decoded source %q does not match encoded \"synthetic\" for index %d", source, signalIndex)
		}

		if recordID != uint64(i+1) {
			t.Fatalf("decoded ID %d does not match encoded %d for index %d", recordID, i+1, signalIndex)
		}
	}
}

// TestSignalIndexCacheClear verifies that Clear resets a cache back to empty.
func TestSignalIndexCacheClear(t *testing.T) {
	cache := NewSignalIndexCache()
	cache.AddRecord(0, guid.New(), "synthetic", 1)

	if cache.Count() == 0 {
		t.Fatalf("expected non-empty cache before Clear")
	}

	cache.Clear()

	if cache.Count() != 0 {
		t.Fatalf("expected empty cache after Clear, got count %d", cache.Count())
	}

	if cache.MaxSignalIndex() != 0 {
		t.Fatalf("expected zeroed MaxSignalIndex after Clear, got %d", cache.MaxSignalIndex())
	}
}
