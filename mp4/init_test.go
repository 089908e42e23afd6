package mp4

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"cencstrip/internal/fixture"
)

func testInit() []byte {
	return fixture.Init([]fixture.Track{
		{ID: 1, Video: true, Format: "hvc1", Scheme: "cenc", PerSampleIVSize: 8},
		{ID: 2, Format: "mp4a", Scheme: "cenc", PerSampleIVSize: 16},
	},
		fixture.Pssh(fixture.WidevineSystemID, nil, fixture.WidevineData(fixture.KID)),
		fixture.Pssh(fixture.PlayReadySystemID, [][]byte{fixture.KID}, []byte("pr")),
	)
}

func TestIsInitSegment(t *testing.T) {
	require.True(t, IsInitSegment(testInit()))

	enc, _ := fixture.Segment{
		TrackID: 1, Key: fixture.Key,
		Samples: []fixture.Sample{{Data: fixture.Pattern(32, 0), IV: fixture.Pattern(8, 0)}},
	}.Build()
	require.False(t, IsInitSegment(enc))
	require.False(t, IsInitSegment(append(testInit(), enc...)))
	require.False(t, IsInitSegment([]byte{0, 0, 0, 8, 0, 1, 2, 3}))
}

func TestScanInit(t *testing.T) {
	info, err := ScanInit(testInit())
	require.NoError(t, err)
	require.Len(t, info.Entries, 2)
	require.Equal(t, uint32(1), info.Entries[0].TrackID)
	require.True(t, info.Entries[0].Video())
	require.Equal(t, "hvc1", info.Entries[0].OriginalFormat.String())
	require.Equal(t, uint32(2), info.Entries[1].TrackID)
	require.Len(t, info.Pssh, 2)
	require.Equal(t, SchemeCENC, info.Scheme())

	tenc, ok := info.Tenc(2)
	require.True(t, ok)
	require.Equal(t, uint8(16), tenc.PerSampleIVSize)
	tenc, ok = info.Tenc(9)
	require.True(t, ok)
	require.Equal(t, uint8(8), tenc.PerSampleIVSize)

	require.True(t, info.Protected(2))
	require.False(t, info.Protected(3))
}

func TestDetectScheme(t *testing.T) {
	cbcs := fixture.Init([]fixture.Track{{ID: 1, Video: true, Format: "avc1", Scheme: "cbcs", Crypt: 1, Skip: 9, ConstantIV: fixture.Pattern(16, 0)}})
	require.Equal(t, SchemeCBCS, DetectScheme(cbcs))
	require.Equal(t, SchemeCENC, DetectScheme(fixture.Init([]fixture.Track{{ID: 1, Video: true, PerSampleIVSize: 8}})))
}

func TestDetectOriginalCodec(t *testing.T) {
	codec, ok := DetectOriginalCodec(testInit())
	require.True(t, ok)
	require.Equal(t, "hvc1", codec.String())

	_, ok = DetectOriginalCodec(fixture.Box("moov"))
	require.False(t, ok)
}

func TestCodecFallback(t *testing.T) {
	// No frma: the decoder configuration box decides.
	noFrma := fixture.Init([]fixture.Track{{ID: 1, Video: true, PerSampleIVSize: 8}, {ID: 2, PerSampleIVSize: 8}})
	info, err := ScanInit(noFrma)
	require.NoError(t, err)
	require.Equal(t, "avc1", info.Entries[0].Codec().String())
	require.Equal(t, "mp4a", info.Entries[1].Codec().String())

	// Nothing recognisable at all.
	require.Equal(t, "avc1", ProtectedEntry{Type: TypeEncv}.Codec().String())
	require.Equal(t, "mp4a", ProtectedEntry{Type: TypeEnca}.Codec().String())
	entry := ProtectedEntry{Type: TypeEnca, Raw: fixture.Box("enca", fixture.Zeros(28), fixture.Box("dOps", fixture.Zeros(11)))}
	require.Equal(t, "Opus", entry.Codec().String())
}

func TestRewriteInitSegment(t *testing.T) {
	data := testInit()
	orig := append([]byte(nil), data...)

	info, err := RewriteInitSegment(data)
	require.NoError(t, err)
	require.Len(t, data, len(orig))
	require.Len(t, info.Pssh, 2)

	for _, name := range []string{"sinf", "pssh", "encv", "enca"} {
		require.False(t, bytes.Contains(data, []byte(name)), name)
	}
	require.Equal(t, 2, bytes.Count(data, []byte("hvc1")))
	require.True(t, bytes.Contains(data, []byte("mp4a")))

	// Only renamed type fields differ.
	var diff int
	for i := range data {
		if data[i] != orig[i] {
			diff++
		}
	}
	require.LessOrEqual(t, diff, 6*4)

	// A rewritten segment has nothing left to rename.
	again := append([]byte(nil), data...)
	_, err = RewriteInitSegment(again)
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.True(t, IsInitSegment(again))
}
