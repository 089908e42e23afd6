package mp4

// ProbeSize is the recommended amount of leading file data to pass to Probe.
const ProbeSize = 1 << 20

const zeroKID = "00000000000000000000000000000000"

// ProbeResult is the protection metadata of an init segment.
type ProbeResult struct {
	DefaultKID string
	Scheme     Scheme
	Pssh       []PsshInfo
	// IsMultiDrm is set when a Widevine pssh carries an all-zero key ID.
	IsMultiDrm bool
	// Codecs lists the restored codec of every protected sample entry.
	Codecs []string
}

// SystemIDs returns the protection system IDs in box order.
func (p ProbeResult) SystemIDs() []string {
	ids := make([]string, 0, len(p.Pssh))
	for _, ps := range p.Pssh {
		ids = append(ids, ps.SystemID)
	}
	return ids
}

// Probe extracts the default KID, scheme and pssh boxes from the start of a
// file without decrypting anything. A moov that is not complete in data is
// not read.
func Probe(data []byte) (ProbeResult, error) {
	var res ProbeResult
	info, err := scanInit(data, false, true)
	if err != nil {
		return res, err
	}
	res.Scheme = info.Scheme()
	res.Pssh = info.Pssh
	if t, ok := info.Tenc(0); ok {
		res.DefaultKID = t.DefaultKID
	}
	for _, e := range info.Entries {
		res.Codecs = append(res.Codecs, e.Codec().String())
	}
	for _, p := range info.Pssh {
		kid, ok := p.WidevineKID()
		if !ok {
			continue
		}
		if kid == zeroKID {
			res.IsMultiDrm = true
			continue
		}
		if res.DefaultKID == "" {
			res.DefaultKID = kid
		}
	}
	return res, nil
}
