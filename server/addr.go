// File: server/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wsforge/wsserver/socket"
)

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("server: invalid IPv4 address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return out, fmt.Errorf("server: invalid IPv4 octet %q in %q", p, s)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func formatIPv4(addr socket.Addr) string {
	return fmt.Sprintf("%d.%d.%d.%d", addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3])
}
