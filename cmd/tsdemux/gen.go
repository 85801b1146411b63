package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsdemux/internal/tsgen"
)

func newGenCmd() *cobra.Command {
	cfg := tsgen.DefaultConfig()
	var noAudio, noVideo bool

	cmd := &cobra.Command{
		Use:   "gen <out.ts>",
		Short: "Write a synthetic H.264 + AAC transport stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if noAudio {
				cfg.AudioRate = 0
			}
			if noVideo {
				cfg.FrameRate = 0
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			video, audio, err := tsgen.Generate(f, cfg)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("generating %s: %w", args[0], err)
			}
			slog.Info("stream written", "path", args[0], "video_packets", video, "audio_packets", audio, "duration", cfg.Duration)
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&cfg.Duration, "duration", cfg.Duration, "stream duration")
	f.IntVar(&cfg.FrameRate, "fps", cfg.FrameRate, "video frame rate")
	f.IntVar(&cfg.AudioRate, "sample-rate", cfg.AudioRate, "AAC sample rate (48000, 44100 or 32000)")
	f.IntVar(&cfg.Width, "width", cfg.Width, "video width")
	f.IntVar(&cfg.Height, "height", cfg.Height, "video height")
	f.IntVar(&cfg.GOP, "gop", cfg.GOP, "frames per keyframe interval")
	f.BoolVar(&noAudio, "no-audio", false, "omit the audio stream")
	f.BoolVar(&noVideo, "no-video", false, "omit the video stream")
	return cmd
}
