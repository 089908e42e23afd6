package mp4

import (
	"bytes"
	"fmt"
)

// Scheme is a common encryption scheme type as stored in schm.
type Scheme string

const (
	SchemeCENC Scheme = "cenc"
	SchemeCBCS Scheme = "cbcs"
)

// ProtectedEntry is an encv or enca sample entry found in stsd.
type ProtectedEntry struct {
	TrackID uint32
	Start   int
	Type    BoxType
	// OriginalFormat is the frma data format, zero when frma is missing.
	OriginalFormat BoxType
	Scheme         Scheme
	Tenc           *TencInfo
	Raw            []byte
}

// Video reports whether the entry is a visual sample entry.
func (e ProtectedEntry) Video() bool {
	return e.Type == TypeEncv
}

// InitInfo is what a single walk over an initialization segment learns about
// its protection.
type InitInfo struct {
	Entries    []ProtectedEntry
	Pssh       []PsshInfo
	psshStarts []int
	sinfStarts []int
}

// Scheme returns the first signalled scheme, defaulting to cenc.
func (i *InitInfo) Scheme() Scheme {
	for _, e := range i.Entries {
		if e.Scheme != "" {
			return e.Scheme
		}
	}
	return SchemeCENC
}

// Tenc returns the track encryption box of trackID. When the track is not
// listed the first tenc found is returned.
func (i *InitInfo) Tenc(trackID uint32) (TencInfo, bool) {
	var first *TencInfo
	for _, e := range i.Entries {
		if e.Tenc == nil {
			continue
		}
		if e.TrackID == trackID {
			return *e.Tenc, true
		}
		if first == nil {
			first = e.Tenc
		}
	}
	if first == nil {
		return TencInfo{}, false
	}
	return *first, true
}

// Protected reports whether trackID has a protected sample entry. Without
// any track IDs in the init segment every track is assumed protected.
func (i *InitInfo) Protected(trackID uint32) bool {
	for _, e := range i.Entries {
		if e.TrackID == trackID || e.TrackID == 0 {
			return true
		}
	}
	return false
}

// ScanInit walks moov and collects protected sample entries and pssh boxes.
// Truncated trailing boxes are tolerated.
func ScanInit(data []byte) (*InitInfo, error) {
	return scanInit(data, true, true)
}

func scanInit(data []byte, partialOkay, stopOnPartial bool) (*InitInfo, error) {
	info := &InitInfo{}
	var trackID uint32
	var entry *ProtectedEntry

	sampleEntry := func(b *Box) error {
		info.Entries = append(info.Entries, ProtectedEntry{
			TrackID: trackID,
			Start:   b.Start,
			Type:    b.Type,
			Raw:     b.Raw,
		})
		entry = &info.Entries[len(info.Entries)-1]
		defer func() { entry = nil }()
		if b.Type == TypeEncv {
			return b.VisualSampleEntry()
		}
		return b.AudioSampleEntry()
	}

	w := NewWalker().
		Container("moov", "mdia", "minf", "stbl", "schi").
		Box("trak", func(b *Box) error {
			trackID = 0
			return b.Children()
		}).
		FullBox("tkhd", func(b *Box) error {
			id, err := DecodeTkhdTrackID(b)
			trackID = id
			return err
		}).
		SampleDescription("stsd").
		Box("encv", sampleEntry).
		Box("enca", sampleEntry).
		Box("sinf", func(b *Box) error {
			info.sinfStarts = append(info.sinfStarts, b.Start)
			return b.Children()
		}).
		Box("frma", func(b *Box) error {
			if entry == nil {
				return nil
			}
			t, err := DecodeFrma(b)
			if err == nil && validName(t) {
				entry.OriginalFormat = t
			}
			return nil
		}).
		FullBox("schm", func(b *Box) error {
			if entry == nil {
				return nil
			}
			s, err := DecodeSchm(b)
			if err != nil {
				return err
			}
			entry.Scheme = Scheme(s.SchemeType)
			return nil
		}).
		FullBox("tenc", func(b *Box) error {
			if entry == nil {
				return nil
			}
			t, err := DecodeTenc(b)
			if err != nil {
				return err
			}
			entry.Tenc = &t
			return nil
		}).
		FullBox("pssh", func(b *Box) error {
			p, err := DecodePssh(b)
			if err != nil {
				return err
			}
			info.Pssh = append(info.Pssh, p)
			info.psshStarts = append(info.psshStarts, b.Start)
			return nil
		})

	if err := w.Parse(data, partialOkay, stopOnPartial); err != nil {
		return nil, fmt.Errorf("scan init segment: %w", err)
	}
	return info, nil
}

// IsInitSegment reports whether data has a top-level moov and no top-level
// moof. Unparseable data is not an init segment.
func IsInitSegment(data []byte) bool {
	var hasMoov, hasMoof bool
	err := NewWalker().
		Box("moov", func(*Box) error {
			hasMoov = true
			return nil
		}).
		Box("moof", func(*Box) error {
			hasMoof = true
			return nil
		}).
		Parse(data, true, true)
	return err == nil && hasMoov && !hasMoof
}

// DetectOriginalCodec returns the codec to restore for the first protected
// sample entry, and false when data has none.
func DetectOriginalCodec(data []byte) (BoxType, bool) {
	info, err := ScanInit(data)
	if err != nil || len(info.Entries) == 0 {
		return BoxType{}, false
	}
	return info.Entries[0].Codec(), true
}

// DetectScheme returns the scheme signalled in schm, or cenc.
func DetectScheme(data []byte) Scheme {
	info, err := ScanInit(data)
	if err != nil {
		return SchemeCENC
	}
	return info.Scheme()
}

// TrackEncryption returns the tenc defaults of the first protected track.
func TrackEncryption(data []byte) (TencInfo, error) {
	info, err := ScanInit(data)
	if err != nil {
		return TencInfo{}, err
	}
	tenc, ok := info.Tenc(0)
	if !ok {
		return TencInfo{}, fmt.Errorf("%w: tenc", ErrBoxNotFound)
	}
	return tenc, nil
}

var (
	videoCodecs = []string{"avc1", "avc3", "hev1", "hvc1", "dvh1", "dvhe", "av01", "vp08", "vp09"}
	audioCodecs = []string{"mp4a", "ac-3", "ec-3", "ac-4", "Opus", "fLaC", "alac", "dtsc", "dtse", "dtsh", "dtsl"}

	// Decoder configuration boxes that imply the sample entry type.
	configCodecs = []struct{ box, codec string }{
		{"avcC", "avc1"},
		{"hvcC", "hvc1"},
		{"av1C", "av01"},
		{"vpcC", "vp09"},
		{"esds", "mp4a"},
		{"dac3", "ac-3"},
		{"dec3", "ec-3"},
		{"dac4", "ac-4"},
		{"dOps", "Opus"},
		{"dfLa", "fLaC"},
	}
)

// Codec returns the sample entry type to restore: the frma data format when
// present, otherwise a codec recognised in the entry bytes, otherwise avc1
// for video and mp4a for audio.
func (e ProtectedEntry) Codec() BoxType {
	if e.OriginalFormat != (BoxType{}) {
		return e.OriginalFormat
	}
	payload := e.Raw
	if len(payload) > 8 {
		payload = payload[8:]
	}
	known := audioCodecs
	if e.Video() {
		known = videoCodecs
	}
	for _, c := range known {
		if bytes.Contains(payload, []byte(c)) {
			return NewBoxType(c)
		}
	}
	for _, c := range configCodecs {
		if bytes.Contains(payload, []byte(c.box)) {
			return NewBoxType(c.codec)
		}
	}
	if e.Video() {
		return NewBoxType("avc1")
	}
	return NewBoxType("mp4a")
}

// RewriteInitSegment turns an encrypted init segment into a clear one in
// place: sinf and pssh boxes become skip and every encv or enca entry is
// renamed to its original codec. The length of data never changes.
func RewriteInitSegment(data []byte) (*InitInfo, error) {
	info, err := ScanInit(data)
	if err != nil {
		return nil, err
	}
	info.Rewrite(data)
	return info, nil
}

// Rewrite applies the renames found by the scan to data, which must be the
// buffer that was scanned.
func (i *InitInfo) Rewrite(data []byte) {
	codecs := make([]BoxType, len(i.Entries))
	for n, e := range i.Entries {
		codecs[n] = e.Codec()
	}
	for _, at := range i.sinfStarts {
		Rename(data, at, TypeSkip)
	}
	for _, at := range i.psshStarts {
		Rename(data, at, TypeSkip)
	}
	for n, e := range i.Entries {
		Rename(data, e.Start, codecs[n])
	}
}
