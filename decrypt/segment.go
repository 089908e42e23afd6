package decrypt

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"cencstrip/mp4"
)

var ErrSampleCountMismatch = errors.New("decrypt: sample count mismatch")

// SampleParams is one sample's ciphertext with everything needed to decrypt it.
type SampleParams struct {
	// Data holds the encrypted runs of the sample concatenated in order.
	Data []byte
	// IV is always 16 bytes; 8-byte IVs are zero-padded.
	IV        []byte
	Scheme    mp4.Scheme
	Timestamp uint64
	TrackID   uint32
	KID       string
	// Runs are the lengths of the encrypted runs that make up Data.
	Runs []int
	// CryptByteBlock and SkipByteBlock are the tenc pattern, zero when unset.
	CryptByteBlock int
	SkipByteBlock  int
}

// SampleDecrypter returns the plaintext for p.Data. A nil result leaves the
// sample untouched; an error aborts the segment.
type SampleDecrypter func(ctx context.Context, p SampleParams) ([]byte, error)

// Protection is what media segments need from their init segment.
type Protection struct {
	Scheme mp4.Scheme
	// Init may be nil when media segments are decrypted without their init
	// segment. IV sizes are then inferred from senc.
	Init *mp4.InitInfo
}

// ProtectionFromInit describes the protection signalled by info.
func ProtectionFromInit(info *mp4.InitInfo) Protection {
	return Protection{Scheme: info.Scheme(), Init: info}
}

func (p Protection) scheme() mp4.Scheme {
	if p.Scheme == "" {
		return mp4.SchemeCENC
	}
	return p.Scheme
}

type fragment struct {
	moof  *mp4.Box
	trafs []*trafBoxes
	pssh  []int
	mdat  *mp4.Box
}

type trafBoxes struct {
	tfhd  *mp4.Box
	tfdt  *mp4.Box
	truns []*mp4.Box
	senc  *mp4.Box
}

// sampleJob is one encrypted sample located inside the segment buffer.
type sampleJob struct {
	start  int
	size   int
	iv     []byte
	subs   []mp4.Subsample
	params SampleParams
}

// findFragments pairs every moof with the mdat that follows it.
func findFragments(seg []byte) ([]*fragment, error) {
	var frags []*fragment
	var cur *fragment
	var traf *trafBoxes

	err := mp4.NewWalker().
		Box("moof", func(b *mp4.Box) error {
			cur = &fragment{moof: b}
			frags = append(frags, cur)
			return b.Children()
		}).
		Box("traf", func(b *mp4.Box) error {
			if cur == nil {
				return nil
			}
			traf = &trafBoxes{}
			cur.trafs = append(cur.trafs, traf)
			err := b.Children()
			traf = nil
			return err
		}).
		FullBox("tfhd", func(b *mp4.Box) error {
			if traf != nil {
				traf.tfhd = b
			}
			return nil
		}).
		FullBox("tfdt", func(b *mp4.Box) error {
			if traf != nil {
				traf.tfdt = b
			}
			return nil
		}).
		FullBox("trun", func(b *mp4.Box) error {
			if traf != nil {
				traf.truns = append(traf.truns, b)
			}
			return nil
		}).
		FullBox("senc", func(b *mp4.Box) error {
			if traf != nil {
				traf.senc = b
			}
			return nil
		}).
		Box("pssh", func(b *mp4.Box) error {
			if cur != nil {
				cur.pssh = append(cur.pssh, b.Start)
			}
			return nil
		}).
		Box("mdat", func(b *mp4.Box) error {
			if cur != nil && cur.mdat == nil {
				cur.mdat = b
			}
			return nil
		}).
		Parse(seg, false, true)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, fmt.Errorf("%w: moof", mp4.ErrBoxNotFound)
	}
	return frags, nil
}

// DecryptMediaSegment decrypts every sample of every moof+mdat pair in seg in
// place and renames the senc boxes to skip. All boxes are decoded and every
// sample is bounds-checked before the first byte is written.
func DecryptMediaSegment(ctx context.Context, seg []byte, prot Protection, fn SampleDecrypter, opts ...Option) error {
	o := newOptions(opts)
	frags, err := findFragments(seg)
	if err != nil {
		return err
	}

	var jobs []*sampleJob
	var rename []int
	for _, f := range frags {
		if f.mdat == nil {
			return fmt.Errorf("%w: mdat after moof at %d", mp4.ErrBoxNotFound, f.moof.Start)
		}
		if len(f.trafs) == 0 {
			return fmt.Errorf("%w: traf in moof at %d", mp4.ErrBoxNotFound, f.moof.Start)
		}
		next := f.mdat.PayloadStart
		for _, t := range f.trafs {
			js, end, err := locateSamples(f, t, next, prot)
			if err != nil {
				return err
			}
			next = end
			jobs = append(jobs, js...)
			if t.senc != nil {
				rename = append(rename, t.senc.Start)
			}
		}
		rename = append(rename, f.pssh...)
	}

	if err := runJobs(ctx, seg, jobs, fn, o.parallel); err != nil {
		return err
	}
	for _, at := range rename {
		mp4.Rename(seg, at, mp4.TypeSkip)
	}
	o.logger.Debug("media segment decrypted", "fragments", len(frags), "samples", len(jobs))
	return nil
}

// locateSamples decodes one traf and returns the encrypted samples it
// describes together with the end of its sample data. next is where data
// starts when trun carries no data offset.
func locateSamples(f *fragment, t *trafBoxes, next int, prot Protection) ([]*sampleJob, int, error) {
	if t.tfhd == nil {
		return nil, 0, fmt.Errorf("%w: tfhd", mp4.ErrBoxNotFound)
	}
	if len(t.truns) == 0 {
		return nil, 0, fmt.Errorf("%w: trun", mp4.ErrBoxNotFound)
	}
	tfhd, err := mp4.DecodeTfhd(t.tfhd)
	if err != nil {
		return nil, 0, err
	}
	truns := make([]mp4.TrunInfo, len(t.truns))
	total := 0
	for i, b := range t.truns {
		if truns[i], err = mp4.DecodeTrun(b); err != nil {
			return nil, 0, err
		}
		total += len(truns[i].Samples)
	}
	var time uint64
	if t.tfdt != nil {
		if time, err = mp4.DecodeTfdt(t.tfdt); err != nil {
			return nil, 0, err
		}
	}

	var tenc *mp4.TencInfo
	if prot.Init != nil {
		if info, ok := prot.Init.Tenc(tfhd.TrackID); ok {
			tenc = &info
		}
	}

	var senc *mp4.SencInfo
	if t.senc == nil {
		if prot.Init == nil || prot.Init.Protected(tfhd.TrackID) {
			return nil, 0, fmt.Errorf("%w: senc for track %d", mp4.ErrBoxNotFound, tfhd.TrackID)
		}
	} else {
		ivSize, constantIV := -1, []byte(nil)
		if tenc != nil {
			ivSize, constantIV = int(tenc.PerSampleIVSize), tenc.ConstantIV
		}
		info, err := mp4.DecodeSenc(t.senc, ivSize, constantIV)
		if err != nil {
			return nil, 0, err
		}
		if len(info.Samples) != total {
			return nil, 0, fmt.Errorf("%w: trun has %d, senc has %d", ErrSampleCountMismatch, total, len(info.Samples))
		}
		senc = &info
	}

	mdatStart, mdatEnd := f.mdat.PayloadStart, f.mdat.End
	var jobs []*sampleJob
	index := 0
	pos := next
	for _, trun := range truns {
		if trun.DataOffset != nil {
			pos = f.moof.Start + int(*trun.DataOffset)
		}
		for _, s := range trun.Samples {
			size := 0
			switch {
			case s.Size != nil:
				size = int(*s.Size)
			case tfhd.DefaultSampleSize != nil:
				size = int(*tfhd.DefaultSampleSize)
			}
			var duration uint32
			switch {
			case tfhd.DurationIsEmpty:
			case s.Duration != nil:
				duration = *s.Duration
			case tfhd.DefaultSampleDuration != nil:
				duration = *tfhd.DefaultSampleDuration
			}

			if pos < mdatStart || pos+size > mdatEnd {
				return nil, 0, fmt.Errorf("%w: sample %d of track %d at [%d,%d) is outside mdat [%d,%d)",
					mp4.ErrMalformedBox, index, tfhd.TrackID, pos, pos+size, mdatStart, mdatEnd)
			}
			if senc != nil {
				job, err := newJob(senc.Samples[index], pos, size)
				if err != nil {
					return nil, 0, fmt.Errorf("sample %d of track %d: %w", index, tfhd.TrackID, err)
				}
				if job != nil {
					job.params = SampleParams{
						Scheme:    prot.scheme(),
						Timestamp: time,
						TrackID:   tfhd.TrackID,
						KID:       senc.KID,
					}
					if tenc != nil {
						if job.params.KID == "" {
							job.params.KID = tenc.DefaultKID
						}
						job.params.CryptByteBlock = int(tenc.DefaultCryptByte)
						job.params.SkipByteBlock = int(tenc.DefaultSkipByte)
					}
					jobs = append(jobs, job)
				}
			}
			pos += size
			time += uint64(duration)
			index++
		}
	}
	return jobs, pos, nil
}

// newJob applies the subsample rules to one sample: no subsamples means the
// whole sample is encrypted, and a sample without encrypted bytes needs no
// job at all.
func newJob(s mp4.SencSample, start, size int) (*sampleJob, error) {
	subs := s.Subsamples
	if len(subs) == 0 {
		subs = []mp4.Subsample{{BytesOfClearData: 0, BytesOfEncryptedData: uint32(size)}}
	}
	covered := 0
	encrypted := false
	for _, sub := range subs {
		covered += int(sub.BytesOfClearData) + int(sub.BytesOfEncryptedData)
		if sub.BytesOfEncryptedData > 0 {
			encrypted = true
		}
	}
	if covered > size {
		return nil, fmt.Errorf("%w: subsamples cover %d bytes of a %d byte sample", mp4.ErrMalformedBox, covered, size)
	}
	if !encrypted {
		return nil, nil
	}
	return &sampleJob{start: start, size: size, iv: s.IV, subs: subs}, nil
}

func runJobs(ctx context.Context, seg []byte, jobs []*sampleJob, fn SampleDecrypter, parallel int) error {
	if parallel <= 1 {
		for _, j := range jobs {
			if err := j.run(ctx, seg, fn); err != nil {
				return err
			}
		}
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return j.run(ctx, seg, fn)
		})
	}
	return g.Wait()
}

// run gathers the encrypted runs of the sample into one buffer, decrypts it
// with a single call and scatters the plaintext back between the clear runs.
func (j *sampleJob) run(ctx context.Context, seg []byte, fn SampleDecrypter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sample := seg[j.start : j.start+j.size]

	var parts [][]byte
	var runs []int
	n := 0
	offset := 0
	for _, sub := range j.subs {
		offset += int(sub.BytesOfClearData)
		if sub.BytesOfEncryptedData > 0 {
			end := offset + int(sub.BytesOfEncryptedData)
			parts = append(parts, sample[offset:end])
			runs = append(runs, int(sub.BytesOfEncryptedData))
			n += int(sub.BytesOfEncryptedData)
		}
		offset += int(sub.BytesOfEncryptedData)
	}
	ciphertext := make([]byte, 0, n)
	for _, p := range parts {
		ciphertext = append(ciphertext, p...)
	}

	p := j.params
	p.Data = ciphertext
	p.IV = j.iv
	p.Runs = runs
	plaintext, err := fn(ctx, p)
	if err != nil {
		return fmt.Errorf("decrypt sample at %d: %w", j.start, err)
	}
	if plaintext == nil {
		return nil
	}
	if len(plaintext) != len(ciphertext) {
		return fmt.Errorf("decrypt sample at %d: got %d plaintext bytes for %d ciphertext bytes", j.start, len(plaintext), len(ciphertext))
	}

	out := make([]byte, 0, j.size)
	offset = 0
	done := 0
	for _, sub := range j.subs {
		clear := int(sub.BytesOfClearData)
		out = append(out, sample[offset:offset+clear]...)
		offset += clear
		enc := int(sub.BytesOfEncryptedData)
		out = append(out, plaintext[done:done+enc]...)
		done += enc
		offset += enc
	}
	out = append(out, sample[offset:]...)
	copy(sample, out)
	return nil
}
