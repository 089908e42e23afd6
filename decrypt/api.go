package decrypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cencstrip/mp4"
	"cencstrip/utils"
)

// DecryptSegment decrypts one unit that the caller has already cut out of a
// stream: an init segment is rewritten, anything else is treated as media
// and decrypted with prot. seg is modified in place and returned.
func DecryptSegment(ctx context.Context, seg []byte, prot Protection, fn SampleDecrypter, opts ...Option) ([]byte, error) {
	if mp4.IsInitSegment(seg) {
		if _, err := mp4.RewriteInitSegment(seg); err != nil {
			return nil, err
		}
		return seg, nil
	}
	if err := DecryptMediaSegment(ctx, seg, prot, fn, opts...); err != nil {
		return nil, err
	}
	return seg, nil
}

// DecryptBytes decrypts a complete file held in memory. data is left
// untouched.
func DecryptBytes(ctx context.Context, data []byte, fn SampleDecrypter, opts ...Option) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, len(data)))
	t := NewTransformer(fn, opts...)
	emit := func(b []byte) error {
		_, err := out.Write(b)
		return err
	}
	if err := t.Push(ctx, data, emit); err != nil {
		return nil, err
	}
	if err := t.Flush(emit); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecryptStream copies r to w, decrypting every unit on the way. w is closed
// at the end when it is an io.Closer, unless WithPreventClose is given. The
// first error stops the copy; nothing is written for the unit that failed.
func DecryptStream(ctx context.Context, r io.Reader, w io.Writer, fn SampleDecrypter, opts ...Option) (err error) {
	t := NewTransformer(fn, opts...)
	if c, ok := w.(io.Closer); ok && !t.opts.preventClose {
		defer func() {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}()
	}
	return t.copy(ctx, r, w)
}

func (t *Transformer) copy(ctx context.Context, r io.Reader, w io.Writer) error {
	emit := func(b []byte) error {
		_, err := w.Write(b)
		return err
	}
	chunk := make([]byte, t.opts.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(chunk)
		if n > 0 {
			if err := t.Push(ctx, chunk[:n], emit); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return t.Flush(emit)
}

// DecryptFile decrypts the file at in into out. On failure the partial
// output is removed.
func DecryptFile(ctx context.Context, in, out string, fn SampleDecrypter, opts ...Option) (err error) {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
		}
	}()

	start := time.Now()
	t := NewTransformer(fn, opts...)
	if err := t.copy(ctx, src, dst); err != nil {
		return fmt.Errorf("decrypt %s: %w", in, err)
	}
	t.opts.logger.Info("file decrypted", "in", in, "out", out,
		"size", utils.FormatSize(t.emitted), "took", utils.FormatDuration(time.Since(start)))
	return nil
}

// ProbeFile reads the first mp4.ProbeSize bytes of path and reports its
// protection without decrypting anything.
func ProbeFile(path string) (mp4.ProbeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return mp4.ProbeResult{}, err
	}
	defer f.Close()
	head, err := io.ReadAll(io.LimitReader(f, mp4.ProbeSize))
	if err != nil {
		return mp4.ProbeResult{}, err
	}
	return mp4.Probe(head)
}
