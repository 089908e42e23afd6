package mp4

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidBoxName = errors.New("mp4: invalid box name")
	// ErrBoxTooLarge is returned in strict mode when a box claims more bytes
	// than the buffer holds.
	ErrBoxTooLarge  = errors.New("mp4: box extends beyond buffer")
	ErrBoxNotFound  = errors.New("mp4: box not found")
	ErrMalformedBox = errors.New("mp4: malformed box")
)

// BoxType is a 4-byte box type identifier.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// NewBoxType creates a BoxType from a 4-character string.
func NewBoxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// Known box types.
var (
	TypeFtyp = NewBoxType("ftyp")
	TypeStyp = NewBoxType("styp")
	TypeMoov = NewBoxType("moov")
	TypeTrak = NewBoxType("trak")
	TypeTkhd = NewBoxType("tkhd")
	TypeEdts = NewBoxType("edts")
	TypeMdia = NewBoxType("mdia")
	TypeMinf = NewBoxType("minf")
	TypeDinf = NewBoxType("dinf")
	TypeStbl = NewBoxType("stbl")
	TypeStsd = NewBoxType("stsd")
	TypeMvex = NewBoxType("mvex")
	TypeMoof = NewBoxType("moof")
	TypeTraf = NewBoxType("traf")
	TypeTfhd = NewBoxType("tfhd")
	TypeTfdt = NewBoxType("tfdt")
	TypeTrun = NewBoxType("trun")
	TypeSenc = NewBoxType("senc")
	TypeMdat = NewBoxType("mdat")
	TypeMfra = NewBoxType("mfra")
	TypeMeta = NewBoxType("meta")
	TypeSkip = NewBoxType("skip")
	TypeSinf = NewBoxType("sinf")
	TypeFrma = NewBoxType("frma")
	TypeSchm = NewBoxType("schm")
	TypeSchi = NewBoxType("schi")
	TypeTenc = NewBoxType("tenc")
	TypePssh = NewBoxType("pssh")
	TypeEncv = NewBoxType("encv")
	TypeEnca = NewBoxType("enca")
)

// HandlerKind is the closed set of things the walker can do with a box.
type HandlerKind int

const (
	// KindChildren walks the payload as a sequence of boxes.
	KindChildren HandlerKind = iota + 1
	// KindSampleDescription reads an entry count and walks that many boxes.
	KindSampleDescription
	// KindVisualSampleEntry skips the fixed visual sample entry fields and
	// walks the remaining child boxes.
	KindVisualSampleEntry
	// KindAudioSampleEntry does the same for audio sample entries.
	KindAudioSampleEntry
	// KindLeaf hands the box to a decode function.
	KindLeaf
)

// HandlerFunc decodes a box. It may call the descent helpers on the box.
type HandlerFunc func(b *Box) error

type rule struct {
	kind HandlerKind
	full bool
	fn   HandlerFunc
}

// Box is a box found during a walk. Offsets are absolute positions in the
// buffer passed to Walker.Parse.
type Box struct {
	Type         BoxType
	Start        int
	End          int    // clamped to the available data
	Size         uint64 // as declared in the header
	PayloadStart int
	Full         bool
	Version      uint8
	Flags        uint32
	Has64BitSize bool
	// Reader covers the payload after the header (and version/flags).
	Reader *Reader
	// Raw covers the whole box including its header.
	Raw []byte

	walker      *Walker
	partialOkay bool
}

// HeaderSize is 8 plus the extended size field and version/flags when present.
func (b *Box) HeaderSize() int {
	n := 8
	if b.Has64BitSize {
		n += 8
	}
	if b.Full {
		n += 4
	}
	return n
}

// DeclaredEnd is the absolute end the header claims, which may exceed End
// when the box was clamped.
func (b *Box) DeclaredEnd() int {
	if b.Size > uint64(math.MaxInt-b.Start) {
		return math.MaxInt
	}
	return b.Start + int(b.Size)
}

// Walker is a declarative box tree walker. Box types are registered with a
// handler kind; unregistered types are skipped without being entered.
type Walker struct {
	rules map[BoxType]rule
	done  bool
}

func NewWalker() *Walker {
	return &Walker{rules: make(map[BoxType]rule)}
}

func (w *Walker) register(t string, kind HandlerKind, full bool, fn HandlerFunc) *Walker {
	w.rules[NewBoxType(t)] = rule{kind: kind, full: full, fn: fn}
	return w
}

// Box registers a leaf handler for a basic box.
func (w *Walker) Box(t string, fn HandlerFunc) *Walker {
	return w.register(t, KindLeaf, false, fn)
}

// FullBox registers a leaf handler for a box carrying version and flags.
func (w *Walker) FullBox(t string, fn HandlerFunc) *Walker {
	return w.register(t, KindLeaf, true, fn)
}

// Container registers t as a box whose payload is a list of boxes.
func (w *Walker) Container(types ...string) *Walker {
	for _, t := range types {
		w.register(t, KindChildren, false, nil)
	}
	return w
}

// SampleDescription registers t (normally stsd) as a full box holding an
// entry count followed by that many boxes.
func (w *Walker) SampleDescription(t string) *Walker {
	return w.register(t, KindSampleDescription, true, nil)
}

func (w *Walker) VisualSampleEntry(t string) *Walker {
	return w.register(t, KindVisualSampleEntry, false, nil)
}

func (w *Walker) AudioSampleEntry(t string) *Walker {
	return w.register(t, KindAudioSampleEntry, false, nil)
}

// Stop ends the current walk after the running handler returns.
func (w *Walker) Stop() {
	w.done = true
}

// Parse walks the top-level boxes of data.
//
// With partialOkay a box whose end lies past the data is clamped to the
// data. With stopOnPartial a header that cannot be read completely, or a
// box that does not fit, ends the walk without an error.
func (w *Walker) Parse(data []byte, partialOkay, stopOnPartial bool) error {
	r := NewReader(data)
	w.done = false
	for r.HasMoreData() && !w.done {
		if err := w.parseNext(0, r, partialOkay, stopOnPartial); err != nil {
			return err
		}
	}
	return nil
}

func validName(t BoxType) bool {
	for _, c := range t {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func (w *Walker) parseNext(absStart int, r *Reader, partialOkay, stopOnPartial bool) error {
	start := r.Pos()
	if stopOnPartial && start+8 > r.Len() {
		w.done = true
		return nil
	}

	size32, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("box header at %d: %w", absStart+start, err)
	}
	name, err := r.ReadBytes(4)
	if err != nil {
		return fmt.Errorf("box header at %d: %w", absStart+start, err)
	}
	var t BoxType
	copy(t[:], name)
	if !validName(t) {
		return fmt.Errorf("%w %q at %d", ErrInvalidBoxName, name, absStart+start)
	}

	size := uint64(size32)
	has64 := false
	switch size {
	case 0:
		size = uint64(r.Len() - start)
	case 1:
		if stopOnPartial && r.Pos()+8 > r.Len() {
			w.done = true
			return nil
		}
		if size, err = r.Uint64(); err != nil {
			return fmt.Errorf("box %s at %d: %w", t, absStart+start, err)
		}
		has64 = true
	}
	if size < uint64(r.Pos()-start) {
		return fmt.Errorf("%w: box %s at %d declares size %d", ErrMalformedBox, t, absStart+start, size)
	}

	rl, ok := w.rules[t]
	if !ok {
		skip := r.Len() - r.Pos()
		if rest := size - uint64(r.Pos()-start); rest < uint64(skip) {
			skip = int(rest)
		} else if rest > uint64(skip) && !partialOkay {
			if stopOnPartial {
				w.done = true
				return nil
			}
			return fmt.Errorf("%w: box %s at %d needs %d bytes, have %d", ErrBoxTooLarge, t, absStart+start, size, r.Len()-start)
		}
		return r.Skip(skip)
	}

	var version uint8
	var flags uint32
	if rl.full {
		if stopOnPartial && r.Pos()+4 > r.Len() {
			w.done = true
			return nil
		}
		vf, err := r.Uint32()
		if err != nil {
			return fmt.Errorf("box %s at %d: %w", t, absStart+start, err)
		}
		version = uint8(vf >> 24)
		flags = vf & 0x00ffffff
	}

	end := r.Len()
	if size <= uint64(r.Len()-start) {
		end = start + int(size)
	} else if !partialOkay {
		if stopOnPartial {
			w.done = true
			return nil
		}
		return fmt.Errorf("%w: box %s at %d needs %d bytes, have %d", ErrBoxTooLarge, t, absStart+start, size, r.Len()-start)
	}
	if end < r.Pos() {
		return fmt.Errorf("%w: box %s at %d is shorter than its header", ErrMalformedBox, t, absStart+start)
	}

	payloadStart := r.Pos()
	payload, err := r.ReadBytes(end - payloadStart)
	if err != nil {
		return err
	}
	box := &Box{
		Type:         t,
		Start:        absStart + start,
		End:          absStart + end,
		Size:         size,
		PayloadStart: absStart + payloadStart,
		Full:         rl.full,
		Version:      version,
		Flags:        flags,
		Has64BitSize: has64,
		Reader:       NewReader(payload),
		Raw:          r.Bytes()[start:end:end],
		walker:       w,
		partialOkay:  partialOkay,
	}
	return w.dispatch(rl, box)
}

func (w *Walker) dispatch(rl rule, b *Box) error {
	switch rl.kind {
	case KindChildren:
		return b.Children()
	case KindSampleDescription:
		return b.SampleDescription()
	case KindVisualSampleEntry:
		return b.VisualSampleEntry()
	case KindAudioSampleEntry:
		return b.AudioSampleEntry()
	case KindLeaf:
		return rl.fn(b)
	}
	return nil
}

// Children walks the rest of the payload as nested boxes. Fewer than 8
// trailing bytes are treated as padding.
func (b *Box) Children() error {
	for b.Reader.Remaining() >= 8 && !b.walker.done {
		if err := b.walker.parseNext(b.PayloadStart, b.Reader, b.partialOkay, false); err != nil {
			return err
		}
	}
	return nil
}

// SampleDescription reads a 4-byte entry count and walks that many boxes.
func (b *Box) SampleDescription() error {
	count, err := b.Reader.Uint32()
	if err != nil {
		return fmt.Errorf("%s entry count: %w", b.Type, err)
	}
	for i := uint32(0); i < count && !b.walker.done; i++ {
		if !b.Reader.HasMoreData() && b.partialOkay {
			break
		}
		if err := b.walker.parseNext(b.PayloadStart, b.Reader, b.partialOkay, false); err != nil {
			return err
		}
	}
	return nil
}

// VisualSampleEntry skips the 78 bytes of fixed visual sample entry fields
// and walks the child boxes (avcC, sinf, ...).
func (b *Box) VisualSampleEntry() error {
	if err := b.Reader.Skip(78); err != nil {
		return fmt.Errorf("%s: %w", b.Type, err)
	}
	return b.Children()
}

// AudioSampleEntry skips the fixed audio sample entry fields, including the
// QuickTime version 1 and 2 extensions, and walks the child boxes.
func (b *Box) AudioSampleEntry() error {
	r := b.Reader
	if err := r.Skip(8); err != nil {
		return fmt.Errorf("%s: %w", b.Type, err)
	}
	version, err := r.Uint16()
	if err != nil {
		return fmt.Errorf("%s: %w", b.Type, err)
	}
	skip := 6 + 12
	switch version {
	case 1:
		skip += 16
	case 2:
		skip = 6 + 48
	}
	if err := r.Skip(skip); err != nil {
		return fmt.Errorf("%s: %w", b.Type, err)
	}
	return b.Children()
}

// Rename overwrites the type field of the box in place. The box length is
// unchanged, so no size field needs updating.
func Rename(buf []byte, start int, to BoxType) {
	copy(buf[start+4:start+8], to[:])
}
