package mp4

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrUnsupportedPsshVersion = errors.New("mp4: unsupported pssh version")

// Well-known protection system IDs.
const (
	WidevineSystemID  = "edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	PlayReadySystemID = "9a04f079-9840-4286-ab92-e65be0885f95"
	FairPlaySystemID  = "94ce86fb-07ff-4f43-adb8-93d2fa968ca2"
)

// tfhd flags
const (
	TfhdBaseDataOffset         = 0x000001
	TfhdSampleDescriptionIndex = 0x000002
	TfhdDefaultSampleDuration  = 0x000008
	TfhdDefaultSampleSize      = 0x000010
	TfhdDefaultSampleFlags     = 0x000020
	TfhdDurationIsEmpty        = 0x010000
	TfhdDefaultBaseIsMoof      = 0x020000
)

// trun flags
const (
	TrunDataOffset                   = 0x000001
	TrunFirstSampleFlags             = 0x000004
	TrunSampleDuration               = 0x000100
	TrunSampleSize                   = 0x000200
	TrunSampleFlags                  = 0x000400
	TrunSampleCompositionTimeOffsets = 0x000800
)

// senc flags
const (
	SencOverrideTrackEncryption = 0x1
	SencUseSubsampleEncryption  = 0x2
)

// DefaultPerSampleIVSize is used when no tenc box says otherwise.
const DefaultPerSampleIVSize = 8

// TencInfo is the decoded track encryption box.
type TencInfo struct {
	Version          uint8
	DefaultCryptByte uint8 // version 1 only
	DefaultSkipByte  uint8 // version 1 only
	IsProtected      bool
	PerSampleIVSize  uint8
	DefaultKID       string // lowercase hex
	ConstantIV       []byte // only when protected with a zero per-sample IV size
}

// DecodeTenc decodes the payload of a tenc full box.
func DecodeTenc(b *Box) (TencInfo, error) {
	r := b.Reader
	info := TencInfo{Version: b.Version}
	if err := r.Skip(1); err != nil {
		return info, fmt.Errorf("tenc: %w", err)
	}
	pattern, err := r.Uint8()
	if err != nil {
		return info, fmt.Errorf("tenc: %w", err)
	}
	if b.Version > 0 {
		info.DefaultCryptByte = pattern >> 4
		info.DefaultSkipByte = pattern & 0x0f
	}
	protected, err := r.Uint8()
	if err != nil {
		return info, fmt.Errorf("tenc: %w", err)
	}
	info.IsProtected = protected != 0
	if info.PerSampleIVSize, err = r.Uint8(); err != nil {
		return info, fmt.Errorf("tenc: %w", err)
	}
	kid, err := r.ReadBytes(16)
	if err != nil {
		return info, fmt.Errorf("tenc: %w", err)
	}
	info.DefaultKID = hex.EncodeToString(kid)
	if info.IsProtected && info.PerSampleIVSize == 0 {
		n, err := r.Uint8()
		if err != nil {
			return info, fmt.Errorf("tenc constant IV size: %w", err)
		}
		iv, err := r.ReadBytes(int(n))
		if err != nil {
			return info, fmt.Errorf("tenc constant IV: %w", err)
		}
		info.ConstantIV = padIV(iv)
	}
	if r.HasMoreData() {
		return info, fmt.Errorf("%w: tenc has %d trailing bytes", ErrMalformedBox, r.Remaining())
	}
	return info, nil
}

// TfhdInfo is the decoded track fragment header. Optional fields are nil
// when the corresponding flag is not set.
type TfhdInfo struct {
	TrackID                uint32
	BaseDataOffset         *uint64
	SampleDescriptionIndex *uint32
	DefaultSampleDuration  *uint32
	DefaultSampleSize      *uint32
	DurationIsEmpty        bool
	DefaultBaseIsMoof      bool
}

func DecodeTfhd(b *Box) (TfhdInfo, error) {
	r := b.Reader
	var info TfhdInfo
	var err error
	if info.TrackID, err = r.Uint32(); err != nil {
		return info, fmt.Errorf("tfhd: %w", err)
	}
	if b.Flags&TfhdBaseDataOffset != 0 {
		v, err := r.Uint64()
		if err != nil {
			return info, fmt.Errorf("tfhd base data offset: %w", err)
		}
		info.BaseDataOffset = &v
	}
	if info.SampleDescriptionIndex, err = optionalUint32(r, b.Flags, TfhdSampleDescriptionIndex); err != nil {
		return info, fmt.Errorf("tfhd sample description index: %w", err)
	}
	if info.DefaultSampleDuration, err = optionalUint32(r, b.Flags, TfhdDefaultSampleDuration); err != nil {
		return info, fmt.Errorf("tfhd default sample duration: %w", err)
	}
	if info.DefaultSampleSize, err = optionalUint32(r, b.Flags, TfhdDefaultSampleSize); err != nil {
		return info, fmt.Errorf("tfhd default sample size: %w", err)
	}
	if b.Flags&TfhdDefaultSampleFlags != 0 {
		if err := r.Skip(4); err != nil {
			return info, fmt.Errorf("tfhd default sample flags: %w", err)
		}
	}
	info.DurationIsEmpty = b.Flags&TfhdDurationIsEmpty != 0
	info.DefaultBaseIsMoof = b.Flags&TfhdDefaultBaseIsMoof != 0
	if r.HasMoreData() {
		return info, fmt.Errorf("%w: tfhd has %d trailing bytes", ErrMalformedBox, r.Remaining())
	}
	return info, nil
}

func optionalUint32(r *Reader, flags, bit uint32) (*uint32, error) {
	if flags&bit == 0 {
		return nil, nil
	}
	v, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// TrunSample holds the per-sample fields of a track run. Nil means absent.
type TrunSample struct {
	Duration              *uint32
	Size                  *uint32
	CompositionTimeOffset *int64
}

type TrunInfo struct {
	Version    uint8
	DataOffset *int32
	Samples    []TrunSample
}

func DecodeTrun(b *Box) (TrunInfo, error) {
	r := b.Reader
	info := TrunInfo{Version: b.Version}
	count, err := r.Uint32()
	if err != nil {
		return info, fmt.Errorf("trun: %w", err)
	}
	if b.Flags&TrunDataOffset != 0 {
		v, err := r.Int32()
		if err != nil {
			return info, fmt.Errorf("trun data offset: %w", err)
		}
		info.DataOffset = &v
	}
	if b.Flags&TrunFirstSampleFlags != 0 {
		if err := r.Skip(4); err != nil {
			return info, fmt.Errorf("trun first sample flags: %w", err)
		}
	}

	// Reject counts the payload cannot hold before allocating.
	perSample := 0
	for _, bit := range []uint32{TrunSampleDuration, TrunSampleSize, TrunSampleFlags, TrunSampleCompositionTimeOffsets} {
		if b.Flags&bit != 0 {
			perSample += 4
		}
	}
	if perSample > 0 && uint64(count)*uint64(perSample) > uint64(r.Remaining()) {
		return info, fmt.Errorf("%w: trun declares %d samples in %d bytes", ErrMalformedBox, count, r.Remaining())
	}
	info.Samples = make([]TrunSample, 0, min(int(count), 1<<16))

	for i := uint32(0); i < count; i++ {
		var s TrunSample
		if s.Duration, err = optionalUint32(r, b.Flags, TrunSampleDuration); err != nil {
			return info, fmt.Errorf("trun sample %d duration: %w", i, err)
		}
		if s.Size, err = optionalUint32(r, b.Flags, TrunSampleSize); err != nil {
			return info, fmt.Errorf("trun sample %d size: %w", i, err)
		}
		if b.Flags&TrunSampleFlags != 0 {
			if err := r.Skip(4); err != nil {
				return info, fmt.Errorf("trun sample %d flags: %w", i, err)
			}
		}
		if b.Flags&TrunSampleCompositionTimeOffsets != 0 {
			v, err := r.Uint32()
			if err != nil {
				return info, fmt.Errorf("trun sample %d composition offset: %w", i, err)
			}
			cto := int64(v)
			if b.Version != 0 {
				cto = int64(int32(v))
			}
			s.CompositionTimeOffset = &cto
		}
		info.Samples = append(info.Samples, s)
	}
	if r.HasMoreData() {
		return info, fmt.Errorf("%w: trun has %d trailing bytes", ErrMalformedBox, r.Remaining())
	}
	return info, nil
}

// Subsample is one clear/encrypted run inside a sample.
type Subsample struct {
	BytesOfClearData     uint16
	BytesOfEncryptedData uint32
}

// SencSample carries the IV, zero-padded to 16 bytes, and the subsample
// layout of one sample.
type SencSample struct {
	IV         []byte
	Subsamples []Subsample
}

type SencInfo struct {
	AlgorithmID uint32 // only with SencOverrideTrackEncryption
	KID         string // only with SencOverrideTrackEncryption
	Samples     []SencSample
}

// DecodeSenc decodes a senc full box. ivSize is the per-sample IV size
// signalled by the track's tenc box, or -1 when no tenc is known. A size of
// 0 means every sample uses constantIV. The box may override the size
// itself. The payload must be consumed exactly, otherwise ErrMalformedBox is
// returned.
func DecodeSenc(b *Box, ivSize int, constantIV []byte) (SencInfo, error) {
	r := b.Reader
	var info SencInfo
	if b.Flags&SencOverrideTrackEncryption != 0 {
		hdr, err := r.ReadBytes(4)
		if err != nil {
			return info, fmt.Errorf("senc override: %w", err)
		}
		info.AlgorithmID = uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
		ivSize = int(hdr[3])
		kid, err := r.ReadBytes(16)
		if err != nil {
			return info, fmt.Errorf("senc override KID: %w", err)
		}
		info.KID = hex.EncodeToString(kid)
	}

	count, err := r.Uint32()
	if err != nil {
		return info, fmt.Errorf("senc: %w", err)
	}
	if ivSize < 0 {
		ivSize = inferIVSize(b.Flags, count, r.Remaining())
	}
	switch {
	case ivSize == 0 && len(constantIV) == 0:
		return info, fmt.Errorf("%w: senc without per-sample IVs and no constant IV", ErrMalformedBox)
	case ivSize != 0 && ivSize != 8 && ivSize != 16:
		return info, fmt.Errorf("%w: senc IV size %d", ErrMalformedBox, ivSize)
	}
	if uint64(count)*uint64(ivSize) > uint64(r.Remaining()) {
		return info, fmt.Errorf("%w: senc declares %d samples in %d bytes", ErrMalformedBox, count, r.Remaining())
	}

	info.Samples = make([]SencSample, 0, min(int(count), 1<<16))
	for i := uint32(0); i < count; i++ {
		var s SencSample
		if ivSize == 0 {
			s.IV = padIV(constantIV)
		} else {
			iv, err := r.ReadBytes(ivSize)
			if err != nil {
				return info, fmt.Errorf("senc sample %d IV: %w", i, err)
			}
			s.IV = padIV(iv)
		}
		if b.Flags&SencUseSubsampleEncryption != 0 {
			n, err := r.Uint16()
			if err != nil {
				return info, fmt.Errorf("senc sample %d subsample count: %w", i, err)
			}
			s.Subsamples = make([]Subsample, 0, n)
			for j := uint16(0); j < n; j++ {
				clear, err := r.Uint16()
				if err != nil {
					return info, fmt.Errorf("senc sample %d subsample %d: %w", i, j, err)
				}
				enc, err := r.Uint32()
				if err != nil {
					return info, fmt.Errorf("senc sample %d subsample %d: %w", i, j, err)
				}
				s.Subsamples = append(s.Subsamples, Subsample{BytesOfClearData: clear, BytesOfEncryptedData: enc})
			}
		}
		info.Samples = append(info.Samples, s)
	}
	if r.HasMoreData() {
		return info, fmt.Errorf("%w: senc has %d trailing bytes", ErrMalformedBox, r.Remaining())
	}
	return info, nil
}

// inferIVSize picks the per-sample IV size when no tenc is available. Without
// subsample data the IV size is fixed by the payload length; otherwise the
// common 8-byte size is assumed.
func inferIVSize(flags, count uint32, remaining int) int {
	if flags&SencUseSubsampleEncryption == 0 && count > 0 && remaining%int(count) == 0 {
		if n := remaining / int(count); n == 8 || n == 16 {
			return n
		}
	}
	return DefaultPerSampleIVSize
}

// padIV copies iv into a 16-byte buffer, zero-padding on the right.
func padIV(iv []byte) []byte {
	out := make([]byte, 16)
	copy(out, iv)
	return out
}

// PsshInfo is a decoded protection system specific header.
type PsshInfo struct {
	Version    uint8
	SystemID   string
	KeyIDs     []string
	SystemData []byte
	// Raw is a copy of the whole box, header included.
	Raw []byte
}

func DecodePssh(b *Box) (PsshInfo, error) {
	r := b.Reader
	info := PsshInfo{Version: b.Version}
	if b.Version > 1 {
		return info, fmt.Errorf("%w %d", ErrUnsupportedPsshVersion, b.Version)
	}
	info.Raw = append([]byte(nil), b.Raw...)
	sys, err := r.ReadBytes(16)
	if err != nil {
		return info, fmt.Errorf("pssh system ID: %w", err)
	}
	info.SystemID = FormatUUID(sys)
	if b.Version >= 1 {
		n, err := r.Uint32()
		if err != nil {
			return info, fmt.Errorf("pssh KID count: %w", err)
		}
		if uint64(n)*16 > uint64(r.Remaining()) {
			return info, fmt.Errorf("%w: pssh declares %d KIDs", ErrMalformedBox, n)
		}
		for i := uint32(0); i < n; i++ {
			kid, err := r.ReadBytes(16)
			if err != nil {
				return info, fmt.Errorf("pssh KID %d: %w", i, err)
			}
			info.KeyIDs = append(info.KeyIDs, hex.EncodeToString(kid))
		}
	}
	size, err := r.Uint32()
	if err != nil {
		return info, fmt.Errorf("pssh data size: %w", err)
	}
	data, err := r.ReadBytes(int(size))
	if err != nil {
		return info, fmt.Errorf("pssh data: %w", err)
	}
	info.SystemData = append([]byte(nil), data...)
	if r.HasMoreData() {
		return info, fmt.Errorf("%w: pssh has %d trailing bytes", ErrMalformedBox, r.Remaining())
	}
	return info, nil
}

// Base64 returns the raw box as standard base64, the form used in DASH
// manifests and license requests.
func (p PsshInfo) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Raw)
}

// WidevineKID returns the first 16-byte key_id field of a Widevine pssh
// payload as hex. Payloads that do not parse fall back to bytes 2..18, the
// position of the key ID in single-key payloads without an algorithm field.
func (p PsshInfo) WidevineKID() (string, bool) {
	if p.SystemID != WidevineSystemID || len(p.SystemData) < 18 {
		return "", false
	}
	if kid, ok := widevineKeyID(p.SystemData); ok {
		return hex.EncodeToString(kid), true
	}
	return hex.EncodeToString(p.SystemData[2:18]), true
}

// widevineKeyID walks the top-level protobuf fields of a Widevine pssh
// payload looking for field 2 (key_id).
func widevineKeyID(data []byte) ([]byte, bool) {
	for len(data) > 0 {
		tag, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, false
		}
		data = data[n:]
		switch tag & 7 {
		case 0:
			if _, n = binary.Uvarint(data); n <= 0 {
				return nil, false
			}
			data = data[n:]
		case 1, 5:
			size := 8
			if tag&7 == 5 {
				size = 4
			}
			if len(data) < size {
				return nil, false
			}
			data = data[size:]
		case 2:
			l, n := binary.Uvarint(data)
			if n <= 0 || uint64(len(data)-n) < l {
				return nil, false
			}
			field := data[n : n+int(l)]
			if tag>>3 == 2 && l == 16 {
				return field, true
			}
			data = data[n+int(l):]
		default:
			return nil, false
		}
	}
	return nil, false
}

// FormatUUID formats 16 bytes as 8-4-4-4-12 lowercase hex.
func FormatUUID(b []byte) string {
	h := hex.EncodeToString(b)
	if len(h) != 32 {
		return h
	}
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// SchmInfo is the decoded scheme type box.
type SchmInfo struct {
	SchemeType    string
	SchemeVersion uint32
}

func DecodeSchm(b *Box) (SchmInfo, error) {
	r := b.Reader
	var info SchmInfo
	t, err := r.ReadBytes(4)
	if err != nil {
		return info, fmt.Errorf("schm: %w", err)
	}
	info.SchemeType = string(t)
	if info.SchemeVersion, err = r.Uint32(); err != nil {
		return info, fmt.Errorf("schm: %w", err)
	}
	return info, nil
}

// DecodeFrma returns the original format stored in a frma box.
func DecodeFrma(b *Box) (BoxType, error) {
	var t BoxType
	v, err := b.Reader.ReadBytes(4)
	if err != nil {
		return t, fmt.Errorf("frma: %w", err)
	}
	copy(t[:], v)
	return t, nil
}

// DecodeTkhdTrackID returns the track ID of a tkhd full box.
func DecodeTkhdTrackID(b *Box) (uint32, error) {
	r := b.Reader
	skip := 8
	if b.Version == 1 {
		skip = 16
	}
	if err := r.Skip(skip); err != nil {
		return 0, fmt.Errorf("tkhd: %w", err)
	}
	id, err := r.Uint32()
	if err != nil {
		return 0, fmt.Errorf("tkhd: %w", err)
	}
	return id, nil
}

// DecodeTfdt returns the base media decode time of a tfdt full box.
func DecodeTfdt(b *Box) (uint64, error) {
	if b.Version == 1 {
		v, err := b.Reader.Uint64()
		if err != nil {
			return 0, fmt.Errorf("tfdt: %w", err)
		}
		return v, nil
	}
	v, err := b.Reader.Uint32()
	if err != nil {
		return 0, fmt.Errorf("tfdt: %w", err)
	}
	return uint64(v), nil
}
