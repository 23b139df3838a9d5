package pubsub

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// DefaultMaxFrameSize bounds how many bytes are buffered while waiting for a
// frame to complete.
const DefaultMaxFrameSize = 16 << 20

var aLongTimeAgo = time.Unix(1, 0)

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// framedConn reads and writes whole frames. Any read or write error is
// sticky: the connection is unusable afterwards.
type framedConn struct {
	rwc      io.ReadWriteCloser
	codec    *Codec
	scanner  *bufio.Scanner
	observer Observer
	err      error
}

func newFramedConn(rwc io.ReadWriteCloser, codec *Codec, maxFrame int, observer Observer) *framedConn {
	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 0, min(maxFrame, 4096)), maxFrame)
	sc.Split(codec.Split)
	return &framedConn{
		rwc:      rwc,
		codec:    codec,
		scanner:  sc,
		observer: observer,
	}
}

// readFrame blocks until the next frame. It returns io.EOF once the
// transport is closed.
func (f *framedConn) readFrame(ctx context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}

	var stop func()
	if d, ok := f.rwc.(deadliner); ok {
		stop = watchContext(ctx, d.SetReadDeadline)
	}
	ok := f.scanner.Scan()
	if stop != nil {
		stop()
	}
	if ok {
		frame := bytes.Clone(f.scanner.Bytes())
		f.observer.FrameRead(len(frame))
		return frame, nil
	}

	f.err = f.mapErr(ctx, f.scanner.Err())
	return nil, f.err
}

func (f *framedConn) writeFrame(ctx context.Context, msg []byte) error {
	if f.err != nil {
		return f.err
	}

	var stop func()
	if d, ok := f.rwc.(deadliner); ok {
		stop = watchContext(ctx, d.SetWriteDeadline)
	}
	wire := f.codec.Encode(msg)
	_, err := f.rwc.Write(wire)
	if stop != nil {
		stop()
	}
	if err != nil {
		f.err = f.mapErr(ctx, err)
		return f.err
	}
	f.observer.FrameWritten(len(wire))
	return nil
}

func (f *framedConn) close() error {
	if f.err == nil {
		f.err = io.EOF
	}
	return f.rwc.Close()
}

func (f *framedConn) mapErr(ctx context.Context, err error) error {
	switch {
	case err == nil, errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return ErrFrameTooLarge
	case ctx.Err() != nil:
		return fmt.Errorf("pubsub: transport interrupted: %w", ctx.Err())
	case errors.Is(err, os.ErrDeadlineExceeded):
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("pubsub: transport interrupted: %w", context.DeadlineExceeded)
		}
		return err
	default:
		return err
	}
}

// watchContext applies ctx's deadline and cancellation to a connection
// deadline. The returned func clears the deadline again.
func watchContext(ctx context.Context, set func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}
