package async

import (
	"context"
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// resolvedAddr carries the port/address pair a DNS lookup produced across
// the goroutine boundary in dial below.
type resolvedAddr struct {
	port  int
	addrs []net.IPAddr
}

// dial opens a non-blocking TCP connection to address, grounded on the
// teacher's EpollPoller.Dial/dialSingle/toSockAddr (poller_epoll.go). Go's
// own dialer has no way to hand back a connection mid-handshake, so the
// socket/connect sequence is done by hand and driven to completion through
// an [AsyncFile]'s write-readiness notification.
func (e *EventLoop) dial(ctx context.Context, network, address string) (*AsyncFile, error) {
	if network != "tcp" {
		return nil, errors.New("unsupported connection type")
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// net.DefaultResolver's lookups block the calling goroutine; since every
	// Task runs cooperatively on the EventLoop's single goroutine, doing
	// this inline would stall every other task on this loop for as long as
	// the lookup takes. Go hands it to its own goroutine and resumes this
	// task only once the result is posted back threadsafe.
	resolved, err := Go(ctx, func(ctx context.Context) (resolvedAddr, error) {
		portNum, err := net.DefaultResolver.LookupPort(ctx, network, port)
		if err != nil {
			return resolvedAddr{}, err
		}
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return resolvedAddr{}, err
		}
		return resolvedAddr{port: portNum, addrs: addrs}, nil
	}).Await(ctx)
	if err != nil {
		return nil, err
	}

	futs := make([]Coroutine2[*AsyncFile], len(resolved.addrs))
	for i, addr := range resolved.addrs {
		addr := addr
		futs[i] = func(ctx context.Context) (*AsyncFile, error) {
			return e.dialSingle(ctx, addr, resolved.port)
		}
	}
	return GetFirstResult(ctx, futs...)
}

func (e *EventLoop) dialSingle(ctx context.Context, addr net.IPAddr, port int) (*AsyncFile, error) {
	domain, sockAddr, err := toSockAddr(addr, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	f, err := NewAsyncFile(e, fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	for {
		err := unix.Connect(fd, sockAddr)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) {
			if err := f.WaitForReady(ctx); err != nil {
				_ = f.Close()
				return nil, err
			}
			continue
		}
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return f, nil
	}
}

func toSockAddr(addr net.IPAddr, port int) (domain int, sockAddr unix.Sockaddr, err error) {
	if ipv4 := addr.IP.To4(); len(ipv4) == net.IPv4len {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port, Addr: [net.IPv4len]byte(ipv4)}, nil
	} else if ipv6 := addr.IP.To16(); len(ipv6) == net.IPv6len {
		return unix.AF_INET6, &unix.SockaddrInet6{Port: port, Addr: [net.IPv6len]byte(ipv6)}, nil
	}
	return domain, nil, errors.New("could not parse IP address")
}
