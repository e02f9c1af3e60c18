package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	discoveryPacketLen = 74
	discoveryTimeout   = 10 * time.Second

	discoveryTypeRequest  = 0x1
	discoveryTypeResponse = 0x2
)

var ErrDiscoveryTimeout = errors.New("voice: ip discovery timed out")

// DiscoverIP performs the address discovery exchange on a connected UDP
// socket: it sends a probe carrying our SSRC and waits for the server to
// echo back the source address it observed. The connected socket already
// filters datagrams from other peers.
func DiscoverIP(ctx context.Context, conn *net.UDPConn, ssrc uint32) (string, uint16, error) {
	deadline := time.Now().Add(discoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", 0, err
	}
	defer conn.SetDeadline(time.Time{})

	probe := make([]byte, discoveryPacketLen)
	binary.BigEndian.PutUint16(probe[0:2], discoveryTypeRequest)
	binary.BigEndian.PutUint16(probe[2:4], 70)
	binary.BigEndian.PutUint32(probe[4:8], ssrc)
	if _, err := conn.Write(probe); err != nil {
		return "", 0, fmt.Errorf("voice: discovery probe: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", 0, ErrDiscoveryTimeout
			}
			return "", 0, fmt.Errorf("voice: discovery read: %w", err)
		}
		ip, port, ok := parseDiscovery(buf[:n], ssrc)
		if !ok {
			// Not a discovery reply for us; media can arrive early.
			continue
		}
		return ip, port, nil
	}
}

// parseDiscovery validates a discovery response and extracts the external
// address: the IP is NUL-terminated ASCII at bytes [8:72], the port is
// big-endian at [72:74].
func parseDiscovery(resp []byte, ssrc uint32) (string, uint16, bool) {
	if len(resp) < discoveryPacketLen {
		return "", 0, false
	}
	if binary.BigEndian.Uint16(resp[0:2]) != discoveryTypeResponse {
		return "", 0, false
	}
	if binary.BigEndian.Uint32(resp[4:8]) != ssrc {
		return "", 0, false
	}
	raw := resp[8:72]
	end := bytes.IndexByte(raw, 0)
	if end <= 0 {
		return "", 0, false
	}
	ip := string(raw[:end])
	if net.ParseIP(ip) == nil {
		return "", 0, false
	}
	port := binary.BigEndian.Uint16(resp[72:74])
	return ip, port, true
}
