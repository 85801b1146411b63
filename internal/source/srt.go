package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	srtLatency     = 120 * time.Millisecond
	srtDialTimeout = 10 * time.Second
)

// SRTDriver pulls a live transport stream over SRT in caller mode. The
// streamid query parameter is passed through to the handshake.
type SRTDriver struct {
	Log *slog.Logger
}

type srtDial struct {
	conn *srtgo.Conn
	err  error
}

// srtConn adapts srtgo.Conn to io.ReadCloser.
type srtConn struct{ *srtgo.Conn }

func (c srtConn) Close() error { return c.Conn.Close() }

func (d *SRTDriver) Open(ctx context.Context, loc *Locator) (Reader, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-source", "address", loc.Host)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency
	cfg.StreamID = loc.Query.Get("streamid")

	ch := make(chan srtDial, 1)
	go func() {
		conn, err := srtgo.Dial(loc.Host, cfg)
		ch <- srtDial{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		conn = res.conn
	case <-timer.C:
		go closeLateSRT(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go closeLateSRT(ch)
		return nil, ctx.Err()
	}

	log.Info("connected", "stream_id", cfg.StreamID)
	feed := newLiveFeed(log, srtConn{conn})
	r, err := newTSReader(ctx, log, readerConfig{src: feed, closer: feed, ahead: feed})
	if err != nil {
		feed.Close()
		return nil, err
	}
	return r, nil
}

// closeLateSRT closes a connection whose dial finished after the caller gave
// up on it.
func closeLateSRT(ch <-chan srtDial) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
