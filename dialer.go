package gaio

import (
	"time"

	"golang.org/x/sys/unix"
)

// DialConfig is the named-record configuration for Dial (spec §4.8,
// facil.io's connect{} macro).
type DialConfig struct {
	Address   string
	Port      string
	OnConnect func(id UUID, udata any)
	OnFail    func(id UUID, udata any)
	Udata     any
	Timeout   time.Duration
}

// dialerProtocol watches the writable event that signals a non-blocking
// connect has resolved, then checks SO_ERROR to distinguish success from
// failure (spec §4.8).
type dialerProtocol struct {
	BaseProtocol
	r   *Reactor
	cfg DialConfig
}

func (dp *dialerProtocol) OnReady(id UUID) {
	slot, ok := dp.r.table.Resolve(id)
	if !ok {
		return
	}
	errno, err := unix.GetsockoptInt(slot.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		if dp.cfg.OnFail != nil {
			dp.cfg.OnFail(id, dp.cfg.Udata)
		}
		dp.r.ForceClose(id)
		return
	}
	if sa, err := unix.Getpeername(slot.fd); err == nil {
		dp.r.table.SetPeerAddress(id, sockaddrString(sa))
	}
	if dp.cfg.OnConnect != nil {
		dp.cfg.OnConnect(id, dp.cfg.Udata)
	}
}

// Dial issues a non-blocking connect on r and attaches the dialer
// pseudo-protocol. On writable-ready with no socket error OnConnect
// fires; on error or Timeout, OnFail fires and the connection is closed
// (spec §4.8).
func Dial(r *Reactor, cfg DialConfig) (UUID, error) {
	sa, domain, err := parseAddress(cfg.Address, cfg.Port)
	if err != nil {
		return InvalidUUID, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return InvalidUUID, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return InvalidUUID, err
	}

	dp := &dialerProtocol{r: r, cfg: cfg}
	id, regErr := r.Register(fd, dp, RWHooks{}, 0)
	if regErr != nil {
		unix.Close(fd)
		return InvalidUUID, regErr
	}
	if err := r.poller.Watch(fd, false, true); err != nil {
		r.ForceClose(id)
		return InvalidUUID, err
	}

	if cfg.Timeout > 0 {
		time.AfterFunc(cfg.Timeout, func() {
			if slot, ok := r.table.Resolve(id); ok {
				if _, err := unix.Getpeername(slot.fd); err == nil {
					return // connected before the timeout
				}
				if cfg.OnFail != nil {
					cfg.OnFail(id, cfg.Udata)
				}
				r.ForceClose(id)
			}
		})
	}
	return id, nil
}
