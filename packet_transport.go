/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swim

import (
	"fmt"
	"net"

	"github.com/it-chain/iLogger"
)

// PacketTransportConfig configures the UDP socket a PacketTransport
// owns.
type PacketTransportConfig struct {
	BindAddress string
	BindPort    int
}

// PacketTransport owns the UDP socket. Only the transport sends on it;
// MessageEndpoint is the only reader of its receive loop.
type PacketTransport struct {
	conn       *net.UDPConn
	localAddr  string
}

// NewPacketTransport binds a UDP socket at the configured address.
func NewPacketTransport(cfg *PacketTransportConfig) (*PacketTransport, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.BindAddress), Port: cfg.BindPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("swim: bind udp %s:%d: %w", cfg.BindAddress, cfg.BindPort, err)
	}
	return &PacketTransport{
		conn:      conn,
		localAddr: fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort),
	}, nil
}

// LocalAddr returns the "host:port" string the transport is bound to.
func (t *PacketTransport) LocalAddr() string {
	if t.localAddr != "" && t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.localAddr
}

// WriteTo sends a raw, already-framed datagram to addr. Send failures
// are not fatal: they are counted and treated as silent
// loss by the caller.
func (t *PacketTransport) WriteTo(b []byte, addr string) error {
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("swim: resolve %s: %w", addr, err)
	}
	if _, err := t.conn.WriteToUDP(b, dst); err != nil {
		return fmt.Errorf("swim: write to %s: %w", addr, err)
	}
	return nil
}

// ReadLoop reads datagrams until stop is closed, invoking handle for
// each one with its raw bytes and source address. It never returns an
// error to the caller; a read error is logged and reading continues,
// except once stop is closed, when a read error (such as "use of closed
// network connection" on shutdown) ends the loop without logging.
func (t *PacketTransport) ReadLoop(stop <-chan struct{}, handle func(b []byte, from string)) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			iLogger.Debug(nil, fmt.Sprintf("swim: udp read error: %s", err.Error()))
			continue
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		handle(cp, from.String())
	}
}

// Close closes the underlying UDP socket.
func (t *PacketTransport) Close() error {
	return t.conn.Close()
}
