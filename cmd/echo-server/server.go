package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/halvorsund/iomux/async"
)

// server owns the listening socket, grounded on
// original_source/examples/echo-server/src/tcp_server.{hpp,cpp}. Unlike
// the original there is no lock around the client set: run owns it,
// handleLoop adds to it and each connection's Task removes itself from it,
// and all of these run as Tasks on the same EventLoop goroutine.
type server struct {
	fd int
}

func newServer(port int) (*server, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &server{fd: fd}, nil
}

// run is the EventLoop's main coroutine. It spawns a dedicated worker that
// drains the accept backlog (see acceptLoop/handleLoop below) and blocks
// until ctx is cancelled by the signal handler in main, then closes every
// still-open client on the way out.
func (s *server) run(ctx context.Context) error {
	loop := async.RunningLoop(ctx)

	listener, err := async.NewAsyncFile(loop, s.fd)
	if err != nil {
		return err
	}
	defer listener.Close()

	backlog := &async.Queue[int]{}
	clients := make(map[*async.AsyncStream]struct{})
	defer func() {
		for c := range clients {
			_ = c.Close()
		}
	}()

	handler := async.SpawnTask(ctx, func(ctx context.Context) (any, error) {
		return nil, s.handleLoop(ctx, loop, backlog, clients)
	})

	err = s.acceptLoop(ctx, listener, backlog)
	handler.Cancel(nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// acceptLoop waits for the listening socket to report readability, drains
// every pending connection with Accept4, and hands each resulting fd to
// backlog for handleLoop to pick up. Queue is documented as loop-local, not
// goroutine-safe — acceptLoop and handleLoop are both Tasks on the same
// EventLoop, so that constraint holds here.
func (s *server) acceptLoop(ctx context.Context, listener *async.AsyncFile, backlog *async.Queue[int]) error {
	for {
		if err := listener.WaitForReady(ctx); err != nil {
			return err
		}

		for {
			cfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if err != nil {
				return err
			}
			backlog.Push(cfd)
		}
	}
}

// handleLoop pulls accepted descriptors off backlog one at a time and spawns
// a Task per connection, so a burst of accepts doesn't register more
// AsyncFiles with the Multiplexer than the handler loop can keep up with.
func (s *server) handleLoop(ctx context.Context, loop *async.EventLoop, backlog *async.Queue[int], clients map[*async.AsyncStream]struct{}) error {
	for {
		cfd, err := backlog.Get().Await(ctx)
		if err != nil {
			return err
		}

		client, err := async.NewAsyncFile(loop, cfd)
		if err != nil {
			slog.WarnContext(ctx, "could not register client socket", slog.Any("error", err))
			_ = unix.Close(cfd)
			continue
		}

		stream := async.NewAsyncStream(client)
		clients[stream] = struct{}{}
		async.SpawnTask(ctx, func(ctx context.Context) (any, error) {
			defer delete(clients, stream)
			defer stream.Close()
			if err := s.handleClient(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
				slog.WarnContext(ctx, "client connection ended with error", slog.Any("error", err))
			}
			return nil, nil
		})
	}
}

// handleClient mirrors main.cpp's greeting-then-echo callback: it writes a
// banner, then echoes every newline-terminated line it reads back prefixed
// with "Echo: ", until the client disconnects or the server is stopped.
func (s *server) handleClient(ctx context.Context, stream *async.AsyncStream) error {
	if _, err := stream.Write(ctx, []byte("Hello, World!\n")).Await(ctx); err != nil {
		return err
	}

	var readErr error
	for line := range stream.Lines(ctx).UntilErr(&readErr) {
		reply := append([]byte("Echo: "), line...)
		if _, err := stream.Write(ctx, reply).Await(ctx); err != nil {
			return err
		}
	}
	if errors.Is(readErr, io.EOF) {
		return nil
	}
	return readErr
}
