package node

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// rcvBufSize is the requested SO_RCVBUF size: large enough to absorb a
// burst of SEARCH responses and session datagrams without kernel-level
// drops under load.
const rcvBufSize = 1 << 20

// Listen opens and tunes the UDP socket a Node owns. SO_REUSEADDR lets a
// restarting node rebind its port immediately instead of waiting out
// TIME_WAIT-style kernel bookkeeping; SO_RCVBUF is raised past the OS
// default because a busy node's SEARCH/PING traffic arrives in bursts.
func Listen(addr string, port uint16) (*net.UDPConn, error) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(addr), Port: int(port)}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen on %s:%d: %w", addr, port, err)
	}
	if err := tuneSocket(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("node: tune socket: %w", err)
	}
	return conn, nil
}

func tuneSocket(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}
	var controlErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			controlErr = fmt.Errorf("SO_REUSEADDR: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufSize); e != nil {
			controlErr = fmt.Errorf("SO_RCVBUF: %w", e)
			return
		}
	})
	if err != nil {
		return err
	}
	return controlErr
}
