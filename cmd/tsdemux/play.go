package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsdemux/internal/certs"
	"github.com/zsiec/tsdemux/internal/control"
	"github.com/zsiec/tsdemux/internal/pipeline"
)

type playOptions struct {
	start       time.Duration
	highWater   int
	controlAddr string
	controlTLS  bool
	exitOnEOF   bool
	realtime    bool
	paused      bool
}

func newPlayCmd() *cobra.Command {
	var o playOptions
	hwm, _ := strconv.Atoi(envOr("HIGH_WATER", "50"))

	cmd := &cobra.Command{
		Use:   "play <locator>",
		Short: "Demultiplex a file, srt:// or quic:// source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					slog.Info("received signal, shutting down", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return runPlay(ctx, args[0], o)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&o.start, "start", 0, "start position relative to the beginning of the stream")
	f.IntVar(&o.highWater, "high-water", hwm, "sink queue depth at which reading pauses (env HIGH_WATER)")
	f.StringVar(&o.controlAddr, "control-addr", envOr("CONTROL_ADDR", ""), "serve the control API on this address (env CONTROL_ADDR)")
	f.BoolVar(&o.controlTLS, "control-tls", false, "serve the control API over HTTPS with a self-signed certificate")
	f.BoolVar(&o.exitOnEOF, "exit-on-eof", false, "exit once the source ends and the sinks drain")
	f.BoolVar(&o.realtime, "realtime", false, "consume packets at the rate of their timestamps")
	f.BoolVar(&o.paused, "paused", false, "open without starting; use POST /start")
	return cmd
}

func runPlay(ctx context.Context, locator string, o playOptions) error {
	p := pipeline.New(pipeline.Config{
		Log:           slog.Default(),
		HighWaterMark: o.highWater,
		StartAt:       o.start,
		Realtime:      o.realtime,
		ExitOnEOF:     o.exitOnEOF,
		OnCaption: func(f *ccx.CaptionFrame) {
			slog.Info("caption", "channel", f.Channel, "text", f.Text)
		},
	})
	defer p.Close()

	if err := p.Open(ctx, locator); err != nil {
		return fmt.Errorf("open %s: %w", locator, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	runCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()

	if o.controlAddr != "" {
		var tlsConf *tls.Config
		if o.controlTLS {
			cert, err := certs.Generate(14 * 24 * time.Hour)
			if err != nil {
				return fmt.Errorf("control API certificate: %w", err)
			}
			slog.Info("control API certificate generated",
				"fingerprint", cert.FingerprintHex(),
				"expires", cert.NotAfter.Format(time.RFC3339),
			)
			tlsConf = cert.ServerConfig()
		}
		srv := control.NewServer(o.controlAddr, control.NewRouter(p, p.Gatherer(), slog.Default()), tlsConf, slog.Default())
		g.Go(func() error { return srv.Run(runCtx) })
	}
	g.Go(func() error {
		defer stopAPI()
		return p.Run(ctx)
	})

	if !o.paused {
		p.Start()
	}
	err := g.Wait()

	snap := p.Snapshot()
	slog.Info("playback finished",
		"session", snap.SessionID,
		"video_packets", snap.Video.Packets,
		"keyframes", snap.Video.Keyframes,
		"audio_packets", snap.Audio.Packets,
		"captions", snap.Video.Captions,
		"uptime_ms", snap.UptimeMs,
	)
	return err
}
