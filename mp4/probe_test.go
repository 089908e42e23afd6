package mp4

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cencstrip/internal/fixture"
)

func TestProbe(t *testing.T) {
	res, err := Probe(testInit())
	require.NoError(t, err)
	require.Equal(t, "eb676abbcb345e96bbcf616630f1a3da", res.DefaultKID)
	require.Equal(t, SchemeCENC, res.Scheme)
	require.Equal(t, []string{WidevineSystemID, PlayReadySystemID}, res.SystemIDs())
	require.Equal(t, []string{"hvc1", "mp4a"}, res.Codecs)
	require.False(t, res.IsMultiDrm)
}

func TestProbeWidevineFallback(t *testing.T) {
	kid := fixture.Pattern(16, 0x10)
	data := fixture.Box("moov", fixture.Pssh(fixture.WidevineSystemID, nil, fixture.WidevineData(kid)))
	res, err := Probe(data)
	require.NoError(t, err)
	require.Equal(t, "101112131415161718191a1b1c1d1e1f", res.DefaultKID)
	require.Equal(t, SchemeCENC, res.Scheme)
}

func TestProbeMultiDrm(t *testing.T) {
	data := fixture.Box("moov", fixture.Pssh(fixture.WidevineSystemID, nil, fixture.WidevineData(fixture.Zeros(16))))
	res, err := Probe(data)
	require.NoError(t, err)
	require.True(t, res.IsMultiDrm)
	require.Empty(t, res.DefaultKID)
}

func TestProbeTruncatedMoov(t *testing.T) {
	data := testInit()
	res, err := Probe(data[:len(data)-10])
	require.NoError(t, err)
	require.Empty(t, res.Pssh)
	require.Empty(t, res.DefaultKID)
}
