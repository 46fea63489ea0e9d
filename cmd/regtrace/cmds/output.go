package cmds

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const zstdSuffix = ".zst"

// traceOutput is the destination of a trace. Files are buffered, files
// with a .zst suffix are also compressed. The tracer flushes it when the
// traced process exits.
type traceOutput struct {
	io.Writer
	buf *bufio.Writer
	enc *zstd.Encoder
	f   *os.File
}

// openOutput opens the trace destination. An empty path is standard
// error, unbuffered, so that lines interleave with the target's own
// diagnostics.
func openOutput(path string) (*traceOutput, error) {
	if path == "" {
		return &traceOutput{Writer: os.Stderr}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	o := &traceOutput{f: f}
	var w io.Writer = f
	if strings.HasSuffix(path, zstdSuffix) {
		o.enc, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		w = o.enc
	}
	o.buf = bufio.NewWriterSize(w, 1<<16)
	o.Writer = o.buf
	return o, nil
}

// Flush writes buffered lines through to the underlying file.
func (o *traceOutput) Flush() error {
	if o.buf == nil {
		return nil
	}
	if err := o.buf.Flush(); err != nil {
		return err
	}
	if o.enc != nil {
		return o.enc.Flush()
	}
	return nil
}

func (o *traceOutput) Close() error {
	if o.f == nil {
		return nil
	}
	err := o.buf.Flush()
	if o.enc != nil {
		if cerr := o.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := o.f.Close(); err == nil {
		err = cerr
	}
	o.f = nil
	return err
}

// openTrace opens a trace written by openOutput for reading.
func openTrace(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, zstdSuffix) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdTrace{Decoder: dec, f: f}, nil
}

type zstdTrace struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdTrace) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
