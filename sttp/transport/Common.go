//******************************************************************************************************
//  Common.go - Gbtc
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
//  09/16/2021 - J. Ritchie Carroll
//       Generated original version of source code.
//
//******************************************************************************************************

package transport

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"net"
	"strings"
)

func decipherAES(key, iv, data []byte) ([]byte, error) {
	var block cipher.Block
	var err error

	if block, err = aes.NewCipher(key); err != nil {
		return nil, err
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	out := make([]byte, len(data))
	mode.CryptBlocks(out, data)

	return out, nil
}

func decompressGZip(data []byte) ([]byte, error) {
	var reader *gzip.Reader
	var err error

	if reader, err = gzip.NewReader(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	defer reader.Close()

	if data, err = io.ReadAll(reader); err != nil {
		return nil, err
	}

	return data, nil
}

// encipherAES encrypts data in place under AES-CBC, padding the final block with zeroes.
// Matches decipherAES's lack of PKCS7 unpadding: callers on both sides of the wire track
// the unpadded length out of band (the compact/TSSC payload already carries its own framing).
func encipherAES(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)

	if err != nil {
		return nil, err
	}

	padded := len(data)

	if remainder := padded % aes.BlockSize; remainder != 0 {
		padded += aes.BlockSize - remainder
	}

	in := make([]byte, padded)
	copy(in, data)

	out := make([]byte, padded)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, in)

	return out, nil
}

func compressGZip(data []byte) []byte {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	writer.Write(data)
	writer.Close()

	return buffer.Bytes()
}

// CompressGZip is the exported form of compressGZip, usable by the publisher package to
// prepare opaque metadata blobs for a connection that negotiated metadata compression.
func CompressGZip(data []byte) []byte {
	return compressGZip(data)
}

// DecompressGZip is the exported form of decompressGZip, usable by the publisher package to
// convert an opaque metadata blob for a connection that did not negotiate compression.
func DecompressGZip(data []byte) ([]byte, error) {
	return decompressGZip(data)
}

func resolveDNSName(addr string) string {
	if strings.Contains(addr, ":") {
		host, _, err := net.SplitHostPort(addr)

		if err == nil {
			addr = host
		}
	}

	hostNames, err := net.LookupAddr(addr)

	if err == nil && len(hostNames) > 0 {
		return hostNames[0] + " (" + addr + ")"
	}

	return addr
}
