// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipc

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Writer is the protocol-adapter side of the IPC transport: it dials a
// sensor-publish listen socket as a client and writes one delimited
// payload per call. Connection loss is transparent to the caller: the
// next Write redials.
type Writer struct {
	network   string
	addr      string
	delimiter string
	timeout   time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewWriter builds a Writer for the given network ("unix" in production,
// "tcp" in tests) and address. delimiter defaults to "\n" when empty.
func NewWriter(network, addr, delimiter string) *Writer {
	if delimiter == "" {
		delimiter = "\n"
	}
	return &Writer{network: network, addr: addr, delimiter: delimiter, timeout: 5 * time.Second}
}

// Write sends payload followed by the configured delimiter, dialing (or
// redialing) the socket first if necessary. Safe for concurrent use; calls
// are serialized.
func (w *Writer) Write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, err := net.DialTimeout(w.network, w.addr, w.timeout)
		if err != nil {
			return fmt.Errorf("ipc: dial %s: %w", w.addr, err)
		}
		w.conn = conn
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	if _, err := w.conn.Write(append(payload, []byte(w.delimiter)...)); err != nil {
		w.conn.Close()
		w.conn = nil
		return fmt.Errorf("ipc: write: %w", err)
	}
	return nil
}

// Close releases the underlying connection, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
