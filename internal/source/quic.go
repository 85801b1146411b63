package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICALPN is the ALPN protocol negotiated with QUIC transport stream
// servers.
const QUICALPN = "mpegts"

// QUICDriver reads a transport stream carried on the first unidirectional
// stream the server opens. insecure=1 disables certificate verification.
type QUICDriver struct {
	Log *slog.Logger
}

// quicFeed adapts a QUIC receive stream to io.ReadCloser; closing it tears
// down the whole connection.
type quicFeed struct {
	conn   quic.Connection
	stream quic.ReceiveStream
}

func (q *quicFeed) Read(p []byte) (int, error) { return q.stream.Read(p) }

func (q *quicFeed) Close() error {
	q.stream.CancelRead(0)
	return q.conn.CloseWithError(0, "closed")
}

func (d *QUICDriver) Open(ctx context.Context, loc *Locator) (Reader, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-source", "address", loc.Host)

	tlsConf := &tls.Config{
		NextProtos:         []string{QUICALPN},
		InsecureSkipVerify: loc.Query.Get("insecure") == "1",
	}
	conn, err := quic.DialAddr(ctx, loc.Host, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("accepting stream: %w", err)
	}

	log.Info("connected")
	feed := newLiveFeed(log, &quicFeed{conn: conn, stream: stream})
	r, err := newTSReader(ctx, log, readerConfig{src: feed, closer: feed, ahead: feed})
	if err != nil {
		feed.Close()
		return nil, err
	}
	return r, nil
}
