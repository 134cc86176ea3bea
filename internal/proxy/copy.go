package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RelayStats counts the bytes relayed in each direction.
type RelayStats struct {
	Upstream   int64 // client to destination
	Downstream int64 // destination to client
}

type closeWriter interface {
	CloseWrite() error
}

// Relay copies client to dst and dst to client concurrently and returns once
// both directions have stopped, with both sockets closed.
//
// When the client reaches EOF, dst's write side is shut down and the
// destination may keep answering. When the destination reaches EOF, the
// client's write side is shut down, reading from the client stops, and dst's
// write side is shut down too; client bytes not yet forwarded are dropped.
// A direction that fails, or ctx being cancelled, closes both sockets so the
// other direction stops promptly.
func Relay(ctx context.Context, client, dst net.Conn) (RelayStats, error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = dst.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	var (
		stats   RelayStats
		dstDone atomic.Bool
	)
	g.Go(func() error {
		n, err := copyHalf(dst, client)
		stats.Upstream = n
		if err != nil && dstDone.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
			// Interrupted below once the destination finished.
			closeWrite(dst)
			return nil
		}
		if err != nil {
			return fmt.Errorf("client to destination: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := copyHalf(client, dst)
		stats.Downstream = n
		if err != nil {
			return fmt.Errorf("destination to client: %w", err)
		}
		dstDone.Store(true)
		_ = client.SetReadDeadline(time.Now())
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stats, err
}

// copyHalf copies src to dst until EOF or error. On EOF the write side of dst
// is shut down so its peer sees the end of stream too.
func copyHalf(dst, src net.Conn) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	n, err := io.CopyBuffer(dst, src, *buf)
	if err != nil {
		return n, err
	}
	closeWrite(dst)
	return n, nil
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	// No half-close available; closing is the only way to signal EOF.
	_ = c.Close()
}
