package decrypt

import (
	"context"
	"fmt"
	"time"

	"cencstrip/mp4"
	"cencstrip/utils"
)

// Phase is the position of a Transformer in its stream.
type Phase int

const (
	AwaitingInit Phase = iota
	ProcessingMedia
)

func (p Phase) String() string {
	switch p {
	case AwaitingInit:
		return "awaiting-init"
	case ProcessingMedia:
		return "processing-media"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is everything a Transformer carries from one unit to the next.
type State struct {
	Phase      Phase
	Protection Protection
}

// Transformer decrypts a fragmented MP4 byte stream delivered in arbitrary
// chunks. Units are cut as soon as their end is buffered: the init segment
// up to the end of moov, then every moof up to the end of the mdat that
// follows it. Output order equals input order.
type Transformer struct {
	state   State
	buf     []byte
	fn      SampleDecrypter
	opts    *options
	emitted int64
}

func NewTransformer(fn SampleDecrypter, opts ...Option) *Transformer {
	return &Transformer{fn: fn, opts: newOptions(opts)}
}

// NewTransformerState starts a transformer from a known state, for example
// when media segments are fed after their init segment was handled
// elsewhere.
func NewTransformerState(state State, fn SampleDecrypter, opts ...Option) *Transformer {
	t := NewTransformer(fn, opts...)
	t.state = state
	return t
}

func (t *Transformer) State() State {
	return t.state
}

// Buffered is the number of input bytes not yet emitted.
func (t *Transformer) Buffered() int {
	return len(t.buf)
}

// Push appends chunk and emits every unit that is now complete. Emitted
// slices are only valid until emit returns.
func (t *Transformer) Push(ctx context.Context, chunk []byte, emit func([]byte) error) error {
	t.buf = append(t.buf, chunk...)
	for len(t.buf) >= 8 {
		n, progressed, err := t.step(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
		if n > 0 {
			if err := t.emit(t.buf[:n], emit); err != nil {
				return err
			}
			t.consume(n)
		}
	}
	return nil
}

// Flush emits whatever is still buffered verbatim.
func (t *Transformer) Flush(emit func([]byte) error) error {
	if len(t.buf) == 0 {
		return nil
	}
	if len(t.buf) >= 8 {
		t.opts.logger.Debug("flushing unprocessed bytes", "bytes", len(t.buf), "phase", t.state.Phase)
	}
	out := t.buf
	t.buf = nil
	return t.emit(out, emit)
}

func (t *Transformer) emit(out []byte, emit func([]byte) error) error {
	if err := emit(out); err != nil {
		return err
	}
	t.emitted += int64(len(out))
	if t.opts.onProgress != nil {
		t.opts.onProgress(t.emitted)
	}
	return nil
}

// consume drops n bytes from the front of the buffer. The rest is copied so
// emitted slices never share memory with later input.
func (t *Transformer) consume(n int) {
	if n == 0 {
		return
	}
	if n >= len(t.buf) {
		t.buf = nil
		return
	}
	t.buf = append([]byte(nil), t.buf[n:]...)
}

// step tries to cut one unit off the front of the buffer and rewrites it in
// place. It returns the unit length, or progressed false when more input is
// needed. A phase change progresses without producing a unit.
func (t *Transformer) step(ctx context.Context) (int, bool, error) {
	u, err := scanUnits(t.buf)
	if err != nil {
		return 0, false, err
	}

	// A moov ahead of the next moof starts a new init segment. Before the
	// first init this is the normal path; later it handles concatenated
	// streams.
	if u.moovEnd >= 0 {
		unit := t.buf[:u.moovEnd]
		if !mp4.IsInitSegment(unit) {
			return 0, false, fmt.Errorf("unit ending at %d is not an init segment", u.moovEnd)
		}
		info, err := mp4.RewriteInitSegment(unit)
		if err != nil {
			return 0, false, fmt.Errorf("rewrite init segment: %w", err)
		}
		t.state = State{Phase: ProcessingMedia, Protection: ProtectionFromInit(info)}
		t.opts.logger.Debug("init segment rewritten",
			"size", utils.FormatSize(int64(len(unit))), "scheme", t.state.Protection.Scheme,
			"tracks", len(info.Entries), "pssh", len(info.Pssh))
		return len(unit), true, nil
	}

	if u.moofStart < 0 {
		return 0, false, nil
	}
	if t.state.Phase == AwaitingInit {
		t.opts.logger.Warn("media segment before init segment, using default protection")
		t.state.Phase = ProcessingMedia
		return 0, true, nil
	}
	if u.mdatEnd < 0 {
		return 0, false, nil
	}

	// Bytes in front of moof (styp, sidx, emsg, ...) pass through as they are.
	start := time.Now()
	unit := t.buf[:u.mdatEnd]
	if err := DecryptMediaSegment(ctx, unit[u.moofStart:], t.state.Protection, t.fn, t.segmentOptions()...); err != nil {
		return 0, false, err
	}
	t.opts.logger.Debug("media segment processed",
		"size", utils.FormatSize(int64(len(unit))), "took", utils.FormatDuration(time.Since(start)))
	return len(unit), true, nil
}

func (t *Transformer) segmentOptions() []Option {
	return []Option{WithLogger(t.opts.logger), WithParallel(t.opts.parallel)}
}

// units holds the boundaries found by scanUnits; -1 means not found.
type units struct {
	moovEnd   int
	moofStart int
	mdatEnd   int
}

// scanUnits walks the complete top-level boxes of buf. It reports the end of
// a moov that comes before any moof, the start of the first moof and the end
// of the first mdat after it.
func scanUnits(buf []byte) (units, error) {
	u := units{moovEnd: -1, moofStart: -1, mdatEnd: -1}
	w := mp4.NewWalker()
	w.Box("moov", func(b *mp4.Box) error {
		if u.moofStart < 0 {
			u.moovEnd = b.End
			w.Stop()
		}
		return nil
	}).Box("moof", func(b *mp4.Box) error {
		if u.moofStart < 0 {
			u.moofStart = b.Start
		}
		return nil
	}).Box("mdat", func(b *mp4.Box) error {
		if u.moofStart >= 0 {
			u.mdatEnd = b.End
			w.Stop()
		}
		return nil
	})
	if err := w.Parse(buf, false, true); err != nil {
		return u, err
	}
	return u, nil
}
