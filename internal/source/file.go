package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FileDriver opens transport stream files. File readers are seekable.
type FileDriver struct {
	Log *slog.Logger
}

func (d *FileDriver) Open(ctx context.Context, loc *Locator) (Reader, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "file-source", "path", loc.Path)

	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", loc.Path, err)
	}
	fs := &fileStream{f: f, br: bufio.NewReaderSize(f, 64*1024)}
	r, err := newTSReader(ctx, log, readerConfig{src: fs, seeker: fs, closer: f})
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Info("opened", "streams", len(r.streams), "start", r.start)
	return r, nil
}

// fileStream buffers reads from f and drops the buffer whenever the file
// position moves.
type fileStream struct {
	f  *os.File
	br *bufio.Reader
}

func (s *fileStream) Read(p []byte) (int, error) { return s.br.Read(p) }

func (s *fileStream) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekCurrent {
		offset -= int64(s.br.Buffered())
	}
	pos, err := s.f.Seek(offset, whence)
	s.br.Reset(s.f)
	return pos, err
}
