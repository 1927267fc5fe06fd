package gaio

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ListenConfig is the named-record configuration for Listen, mirroring
// facil.io's listen{} macro (spec §9).
type ListenConfig struct {
	Address  string
	Port     string
	OnOpen   func(id UUID, udata any)
	OnStart  func(udata any)
	OnFinish func(udata any)
	Udata    any
}

// parseAddress implements spec §6's address syntax: a unix-domain socket
// when port is empty and address starts with "/" or "./"; TCP otherwise.
// An empty address binds any interface; "localhost"/"127.0.0.1" restrict
// to loopback.
func parseAddress(address, port string) (unix.Sockaddr, int, error) {
	if port == "" && (strings.HasPrefix(address, "/") || strings.HasPrefix(address, "./")) {
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	}

	ip := [4]byte{0, 0, 0, 0}
	if address == "localhost" || address == "127.0.0.1" {
		ip = [4]byte{127, 0, 0, 1}
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, 0, err
	}
	return &unix.SockaddrInet4{Port: p, Addr: ip}, unix.AF_INET, nil
}

// sockaddrString renders sa for the cached peer_address field (spec §3).
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrUnix:
		return a.Name
	default:
		return ""
	}
}

// listenerProtocol is the pseudo-protocol installed on a listening
// socket: its OnData means "accept until EAGAIN, calling OnOpen for each
// new uuid" (spec §4.8).
type listenerProtocol struct {
	BaseProtocol
	r            *Reactor
	cfg          ListenConfig
	connProtocol func(id UUID) Protocol
}

func (lp *listenerProtocol) OnData(id UUID) {
	slot, ok := lp.r.table.Resolve(id)
	if !ok {
		return
	}
	for {
		connFd, _, err := unix.Accept4(slot.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return // EAGAIN or any other error: stop accepting this round
		}
		childID, err := lp.r.Register(connFd, nil, RWHooks{}, 0)
		if err != nil {
			unix.Close(connFd)
			continue
		}
		if sa, err := unix.Getpeername(connFd); err == nil {
			lp.r.table.SetPeerAddress(childID, sockaddrString(sa))
		}
		if lp.connProtocol != nil {
			if s, ok := lp.r.table.Resolve(childID); ok {
				s.protocol = lp.connProtocol(childID)
			}
		}
		if lp.cfg.OnOpen != nil {
			lp.cfg.OnOpen(childID, lp.cfg.Udata)
		}
	}
}

// Listen creates a bound, listening, non-blocking socket on r and
// attaches the listener pseudo-protocol (spec §4.8). connProtocol builds
// the per-connection Protocol for each accepted client; it may be nil if
// OnOpen itself attaches one via Reactor internals exposed by the caller.
func Listen(r *Reactor, cfg ListenConfig, connProtocol func(id UUID) Protocol) (UUID, error) {
	sa, domain, err := parseAddress(cfg.Address, cfg.Port)
	if err != nil {
		return InvalidUUID, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return InvalidUUID, err
	}
	if domain == unix.AF_INET {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}

	lp := &listenerProtocol{r: r, cfg: cfg, connProtocol: connProtocol}
	id, err := r.Register(fd, lp, RWHooks{}, 0)
	if err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}
	if cfg.OnStart != nil {
		cfg.OnStart(cfg.Udata)
	}
	return id, nil
}
