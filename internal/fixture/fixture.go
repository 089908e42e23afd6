// Package fixture builds small protected fragmented MP4 files for tests.
// Every media segment is produced together with the bytes a correct
// decryptor must turn it into.
package fixture

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
)

func U8(v uint8) []byte { return []byte{v} }

func U16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func U32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func U64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func Zeros(n int) []byte { return make([]byte, n) }

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Box serialises a basic box.
func Box(typ string, payload ...[]byte) []byte {
	body := join(payload...)
	return join(U32(uint32(8+len(body))), []byte(typ), body)
}

// FullBox serialises a box with a version and flags prefix.
func FullBox(typ string, version uint8, flags uint32, payload ...[]byte) []byte {
	return Box(typ, join(U32(uint32(version)<<24|flags&0xffffff)), join(payload...))
}

// Box64 serialises a box using the 64-bit extended size field.
func Box64(typ string, payload ...[]byte) []byte {
	body := join(payload...)
	return join(U32(1), []byte(typ), U64(uint64(16+len(body))), body)
}

func Hex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var (
	WidevineSystemID  = Hex("edef8ba979d64acea3c827dcd51d21ed")
	PlayReadySystemID = Hex("9a04f07998404286ab92e65be0885f95")

	// Key and KID shared by the generated content.
	Key = Hex("100b6c20940f779a4589152b57d2dacb")
	KID = Hex("eb676abbcb345e96bbcf616630f1a3da")
)

// Pssh serialises a pssh box. Version 1 is used when kids is non-empty.
func Pssh(systemID []byte, kids [][]byte, data []byte) []byte {
	var version uint8
	var body []byte
	body = append(body, systemID...)
	if len(kids) > 0 {
		version = 1
		body = append(body, U32(uint32(len(kids)))...)
		for _, k := range kids {
			body = append(body, k...)
		}
	}
	body = append(body, U32(uint32(len(data)))...)
	body = append(body, data...)
	return FullBox("pssh", version, 0, body)
}

// WidevineData is a minimal Widevine pssh payload: a protobuf key_id field
// (tag 0x12, length 16) followed by the KID.
func WidevineData(kid []byte) []byte {
	return join([]byte{0x12, 0x10}, kid)
}

// Track describes one protected track of an init segment.
type Track struct {
	ID     uint32
	Video  bool
	Format string // original codec, "" to omit frma
	Scheme string // "" to omit schm
	// PerSampleIVSize of 0 requires ConstantIV.
	PerSampleIVSize uint8
	ConstantIV      []byte
	Crypt, Skip     uint8
	KID             []byte
}

// Init builds ftyp+moov with one trak per track and the given pssh boxes
// inside moov.
func Init(tracks []Track, pssh ...[]byte) []byte {
	var traks [][]byte
	for _, t := range tracks {
		traks = append(traks, trak(t))
	}
	moov := Box("moov", join(
		FullBox("mvhd", 0, 0, Zeros(96)),
		join(traks...),
		Box("mvex", FullBox("trex", 0, 0, U32(1), U32(1), U32(0), U32(0), U32(0))),
		join(pssh...),
	))
	return join(Box("ftyp", []byte("isom"), U32(0), []byte("isomiso6dash")), moov)
}

func trak(t Track) []byte {
	tkhd := FullBox("tkhd", 0, 7, U32(0), U32(0), U32(t.ID), Zeros(68))
	stbl := Box("stbl",
		FullBox("stsd", 0, 0, U32(1), SampleEntry(t)),
		FullBox("stts", 0, 0, U32(0)),
		FullBox("stsc", 0, 0, U32(0)),
		FullBox("stsz", 0, 0, U32(0), U32(0)),
		FullBox("stco", 0, 0, U32(0)),
	)
	handler := "soun"
	if t.Video {
		handler = "vide"
	}
	mdia := Box("mdia",
		FullBox("mdhd", 0, 0, Zeros(20)),
		FullBox("hdlr", 0, 0, U32(0), []byte(handler), Zeros(12), []byte("fixture\x00")),
		Box("minf", stbl),
	)
	return Box("trak", tkhd, mdia)
}

// SampleEntry builds an encv or enca entry with a decoder config box and a
// sinf describing t.
func SampleEntry(t Track) []byte {
	if t.Video {
		return Box("encv", Zeros(6), U16(1), Zeros(70), Box("avcC", U8(1), Zeros(6)), Sinf(t))
	}
	return Box("enca", Zeros(6), U16(1), U16(0), Zeros(6), Zeros(12), Box("esds", U32(0), Zeros(20)), Sinf(t))
}

// Sinf builds the protection scheme info box of t.
func Sinf(t Track) []byte {
	var parts [][]byte
	if t.Format != "" {
		parts = append(parts, Box("frma", []byte(t.Format)))
	}
	if t.Scheme != "" {
		parts = append(parts, FullBox("schm", 0, 0, []byte(t.Scheme), U32(0x10000)))
	}
	parts = append(parts, Box("schi", Tenc(t)))
	return Box("sinf", parts...)
}

func Tenc(t Track) []byte {
	kid := t.KID
	if kid == nil {
		kid = KID
	}
	var version uint8
	var pattern uint8
	if t.Crypt != 0 || t.Skip != 0 {
		version = 1
		pattern = t.Crypt<<4 | t.Skip&0x0f
	}
	body := join(U8(0), U8(pattern), U8(1), U8(t.PerSampleIVSize), kid)
	if t.PerSampleIVSize == 0 {
		body = join(body, U8(uint8(len(t.ConstantIV))), t.ConstantIV)
	}
	return FullBox("tenc", version, 0, body)
}

// Subsample is a clear/encrypted byte run pair.
type Subsample struct {
	Clear     uint16
	Encrypted uint32
}

// Sample is one clear sample and how it is to be protected.
type Sample struct {
	Data       []byte
	IV         []byte // 8 or 16 bytes; ignored with a constant IV
	Subsamples []Subsample
	Duration   uint32
}

// Segment describes a moof+mdat pair.
type Segment struct {
	Sequence uint32
	TrackID  uint32
	Scheme   string // "cenc" or "cbcs"
	Key      []byte
	Samples  []Sample
	// UseSubsamples sets senc flag 0x2 and writes each sample's subsamples.
	UseSubsamples bool
	Crypt, Skip   int
	ConstantIV    []byte
	DecodeTime    uint64
	// DefaultSize moves the sample size into tfhd; all samples must have the
	// same size.
	DefaultSize bool
	// DefaultDuration moves the duration of the first sample into tfhd.
	DefaultDuration bool
	Styp            bool
	// BreakSencCount writes one sample fewer into senc than into trun.
	BreakSencCount bool
}

// Build returns the encrypted segment and the expected decrypted output, in
// which only the sample bytes and the senc box type differ.
func (s Segment) Build() (enc, clear []byte) {
	mdatClear := join(sampleData(s.Samples)...)
	mdatEnc := join(s.encryptSamples()...)

	moof := s.moof(0)
	moof = s.moof(int32(len(moof) + 8))
	var prefix []byte
	if s.Styp {
		prefix = Box("styp", []byte("msdh"), U32(0), []byte("msdhmsix"))
	}
	enc = join(prefix, moof, Box("mdat", mdatEnc))
	clearMoof := append([]byte(nil), moof...)
	renameFirst(clearMoof, "senc", "skip")
	clear = join(prefix, clearMoof, Box("mdat", mdatClear))
	return enc, clear
}

func sampleData(samples []Sample) [][]byte {
	out := make([][]byte, len(samples))
	for i, smp := range samples {
		out[i] = smp.Data
	}
	return out
}

func (s Segment) moof(dataOffset int32) []byte {
	tfhdFlags := uint32(0x020000)
	var tfhdBody [][]byte
	tfhdBody = append(tfhdBody, U32(s.TrackID))
	if s.DefaultDuration {
		tfhdFlags |= 0x08
		tfhdBody = append(tfhdBody, U32(s.Samples[0].Duration))
	}
	if s.DefaultSize {
		tfhdFlags |= 0x10
		tfhdBody = append(tfhdBody, U32(uint32(len(s.Samples[0].Data))))
	}

	trunFlags := uint32(0x000001)
	if !s.DefaultDuration {
		trunFlags |= 0x100
	}
	if !s.DefaultSize {
		trunFlags |= 0x200
	}
	trunBody := [][]byte{U32(uint32(len(s.Samples))), U32(uint32(dataOffset))}
	for _, smp := range s.Samples {
		if !s.DefaultDuration {
			trunBody = append(trunBody, U32(smp.Duration))
		}
		if !s.DefaultSize {
			trunBody = append(trunBody, U32(uint32(len(smp.Data))))
		}
	}

	var sencFlags uint32
	if s.UseSubsamples {
		sencFlags |= 0x2
	}
	samples := s.Samples
	if s.BreakSencCount {
		samples = samples[:len(samples)-1]
	}
	sencBody := [][]byte{U32(uint32(len(samples)))}
	for _, smp := range samples {
		if s.ConstantIV == nil {
			sencBody = append(sencBody, smp.IV)
		}
		if s.UseSubsamples {
			sencBody = append(sencBody, U16(uint16(len(smp.Subsamples))))
			for _, sub := range smp.Subsamples {
				sencBody = append(sencBody, U16(sub.Clear), U32(sub.Encrypted))
			}
		}
	}

	traf := Box("traf",
		FullBox("tfhd", 0, tfhdFlags, tfhdBody...),
		FullBox("tfdt", 1, 0, U64(s.DecodeTime)),
		FullBox("trun", 0, trunFlags, trunBody...),
		FullBox("senc", 0, sencFlags, sencBody...),
	)
	return Box("moof", FullBox("mfhd", 0, 0, U32(s.Sequence)), traf)
}

// encryptSamples protects every sample according to its subsample layout.
func (s Segment) encryptSamples() [][]byte {
	block, err := aes.NewCipher(s.Key)
	if err != nil {
		panic(err)
	}
	out := make([][]byte, len(s.Samples))
	for i, smp := range s.Samples {
		data := append([]byte(nil), smp.Data...)
		subs := smp.Subsamples
		if !s.UseSubsamples || len(subs) == 0 {
			subs = []Subsample{{Clear: 0, Encrypted: uint32(len(data))}}
		}
		iv := make([]byte, 16)
		if s.ConstantIV != nil {
			copy(iv, s.ConstantIV)
		} else {
			copy(iv, smp.IV)
		}
		if s.Scheme == "cbcs" {
			encryptCBCS(block, data, subs, iv, s.Crypt, s.Skip)
		} else {
			encryptCTR(block, data, subs, iv)
		}
		out[i] = data
	}
	return out
}

// encryptCTR runs one key stream across all encrypted runs of a sample.
func encryptCTR(block cipher.Block, data []byte, subs []Subsample, iv []byte) {
	stream := cipher.NewCTR(block, iv)
	pos := 0
	for _, sub := range subs {
		pos += int(sub.Clear)
		run := data[pos : pos+int(sub.Encrypted)]
		stream.XORKeyStream(run, run)
		pos += int(sub.Encrypted)
	}
}

// encryptCBCS restarts the CBC chain at every encrypted run and applies the
// crypt/skip pattern, 1:9 when none is given. A trailing partial block stays
// clear.
func encryptCBCS(block cipher.Block, data []byte, subs []Subsample, iv []byte, crypt, skip int) {
	if crypt == 0 && skip == 0 {
		crypt, skip = 1, 9
	}
	pos := 0
	for _, sub := range subs {
		pos += int(sub.Clear)
		run := data[pos : pos+int(sub.Encrypted)]
		pos += int(sub.Encrypted)

		prev := append([]byte(nil), iv...)
		off := 0
		for off+aes.BlockSize <= len(run) {
			for i := 0; i < crypt && off+aes.BlockSize <= len(run); i++ {
				b := run[off : off+aes.BlockSize]
				for j := range b {
					b[j] ^= prev[j]
				}
				block.Encrypt(b, b)
				copy(prev, b)
				off += aes.BlockSize
			}
			off += skip * aes.BlockSize
		}
	}
}

func renameFirst(buf []byte, from, to string) {
	for i := 0; i+4 <= len(buf); i++ {
		if string(buf[i:i+4]) == from {
			copy(buf[i:i+4], to)
			return
		}
	}
}

// Pattern returns n bytes of a repeating counter, handy as sample content.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}
