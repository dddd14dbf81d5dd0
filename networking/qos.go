package networking

import (
	"errors"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// SetDSCP marks outgoing packets of a TCP connection with the given DSCP codepoint.
// NOTE: On Windows by default it will not apply the value.
func SetDSCP(conn net.Conn, dscp int) error {
	if dscp < 0 || dscp > 63 {
		return errors.New("dscp must be between 0 and 63")
	}
	// DSCP occupies the upper six bits of the TOS / traffic class byte.
	tos := dscp << 2

	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if ok && addr.IP.To4() == nil {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewConn(conn).SetTOS(tos)
}
