// Package manifest reads the protection signalling and segment lists of
// DASH manifests, and renders them as HLS playlists whose segments point at
// the decrypting proxy.
package manifest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"cencstrip/mp4"
)

var ErrNotMPD = errors.New("manifest: not an MPD")

// Schemes of ContentProtection elements.
const (
	SchemeMP4Protection = "urn:mpeg:dash:mp4protection:2011"
	uuidSchemePrefix    = "urn:uuid:"
)

// ContentProtection is one ContentProtection element. DefaultKID is lowercase
// hex without dashes; SystemID is set for DRM system specific elements.
type ContentProtection struct {
	SchemeIDURI string
	Value       string
	DefaultKID  string
	SystemID    string
	Pssh        *mp4.PsshInfo
}

// Segment is one media segment URL with its timing in seconds.
type Segment struct {
	URL      string
	Number   int
	Time     uint64
	Duration float64
}

type Representation struct {
	ID        string
	Bandwidth int
	Codecs    string
	Width     int
	Height    int
	// BaseURL is the resolved location of the representation. For a single
	// file representation it is the whole file.
	BaseURL    string
	InitURL    string
	Segments   []Segment
	Protection []ContentProtection
	// StartNumber is the number of the first listed segment.
	StartNumber int
}

// TargetDuration is the longest segment rounded up to whole seconds.
func (r *Representation) TargetDuration() int {
	var max float64
	for _, s := range r.Segments {
		max = math.Max(max, s.Duration)
	}
	return int(math.Ceil(max))
}

type AdaptationSet struct {
	ID              string
	ContentType     string
	Lang            string
	Protection      []ContentProtection
	Representations []*Representation
}

type MPD struct {
	// Type is "static" or "dynamic".
	Type     string
	Duration float64
	Sets     []*AdaptationSet
}

func (m *MPD) Static() bool {
	return m.Type != "dynamic"
}

// Representation finds a representation by ID.
func (m *MPD) Representation(id string) (*AdaptationSet, *Representation, bool) {
	for _, as := range m.Sets {
		for _, r := range as.Representations {
			if r.ID == id {
				return as, r, true
			}
		}
	}
	return nil, nil, false
}

// DefaultKIDs lists the distinct cenc:default_KID values in document order.
func (m *MPD) DefaultKIDs() []string {
	var kids []string
	seen := map[string]bool{}
	m.eachProtection(func(cp ContentProtection) {
		if cp.DefaultKID != "" && !seen[cp.DefaultKID] {
			seen[cp.DefaultKID] = true
			kids = append(kids, cp.DefaultKID)
		}
	})
	return kids
}

// Pssh lists the distinct cenc:pssh boxes in document order.
func (m *MPD) Pssh() []mp4.PsshInfo {
	var out []mp4.PsshInfo
	seen := map[string]bool{}
	m.eachProtection(func(cp ContentProtection) {
		if cp.Pssh == nil {
			return
		}
		if key := cp.Pssh.Base64(); !seen[key] {
			seen[key] = true
			out = append(out, *cp.Pssh)
		}
	})
	return out
}

func (m *MPD) eachProtection(fn func(ContentProtection)) {
	for _, as := range m.Sets {
		for _, cp := range as.Protection {
			fn(cp)
		}
		for _, r := range as.Representations {
			for _, cp := range r.Protection {
				fn(cp)
			}
		}
	}
}

// ParseMPD parses body, resolving every URL against baseURL, the location
// the manifest was fetched from.
func ParseMPD(body []byte, baseURL string) (*MPD, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse MPD: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "MPD" {
		return nil, ErrNotMPD
	}

	m := &MPD{Type: root.SelectAttrValue("type", "static")}
	if d := root.SelectAttrValue("mediaPresentationDuration", ""); d != "" {
		dur, err := ParseDuration(d)
		if err != nil {
			return nil, err
		}
		m.Duration = dur
	}
	base := withBaseURL(baseURL, root)

	for _, period := range root.SelectElements("Period") {
		periodBase := withBaseURL(base, period)
		periodDur := m.Duration
		if d := period.SelectAttrValue("duration", ""); d != "" {
			if dur, err := ParseDuration(d); err == nil {
				periodDur = dur
			}
		}
		for _, adap := range period.SelectElements("AdaptationSet") {
			as, err := parseAdaptationSet(adap, periodBase, periodDur)
			if err != nil {
				return nil, err
			}
			m.Sets = append(m.Sets, as)
		}
	}
	return m, nil
}

func parseAdaptationSet(adap *etree.Element, base string, duration float64) (*AdaptationSet, error) {
	as := &AdaptationSet{
		ID:          adap.SelectAttrValue("id", ""),
		ContentType: contentType(adap),
		Lang:        adap.SelectAttrValue("lang", "und"),
	}
	var err error
	if as.Protection, err = parseProtection(adap); err != nil {
		return nil, err
	}
	adapBase := withBaseURL(base, adap)
	adapTemplate := adap.SelectElement("SegmentTemplate")

	for _, el := range adap.SelectElements("Representation") {
		r := &Representation{
			ID:        el.SelectAttrValue("id", ""),
			Bandwidth: atoiOrZero(el.SelectAttrValue("bandwidth", "")),
			Codecs:    el.SelectAttrValue("codecs", adap.SelectAttrValue("codecs", "")),
			Width:     atoiOrZero(el.SelectAttrValue("width", "")),
			Height:    atoiOrZero(el.SelectAttrValue("height", "")),
			BaseURL:   withBaseURL(adapBase, el),
		}
		if r.Protection, err = parseProtection(el); err != nil {
			return nil, err
		}
		tmpl := el.SelectElement("SegmentTemplate")
		if tmpl == nil {
			tmpl = adapTemplate
		}
		if tmpl != nil {
			expandTemplate(r, tmpl, duration)
		}
		as.Representations = append(as.Representations, r)
	}
	return as, nil
}

func contentType(adap *etree.Element) string {
	if ct := adap.SelectAttrValue("contentType", ""); ct != "" {
		return ct
	}
	mime := adap.SelectAttrValue("mimeType", "")
	if mime == "" {
		if rep := adap.SelectElement("Representation"); rep != nil {
			mime = rep.SelectAttrValue("mimeType", "")
		}
	}
	switch {
	case strings.HasPrefix(mime, "video"):
		return "video"
	case strings.HasPrefix(mime, "audio"):
		return "audio"
	case strings.HasPrefix(mime, "text"), strings.HasPrefix(mime, "application"):
		return "text"
	}
	return ""
}

func parseProtection(el *etree.Element) ([]ContentProtection, error) {
	var out []ContentProtection
	for _, cpEl := range el.SelectElements("ContentProtection") {
		cp := ContentProtection{
			SchemeIDURI: strings.ToLower(cpEl.SelectAttrValue("schemeIdUri", "")),
			Value:       cpEl.SelectAttrValue("value", ""),
		}
		if strings.HasPrefix(cp.SchemeIDURI, uuidSchemePrefix) {
			cp.SystemID = strings.TrimPrefix(cp.SchemeIDURI, uuidSchemePrefix)
		}
		for _, a := range cpEl.Attr {
			if a.Key == "default_KID" {
				cp.DefaultKID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(a.Value), "-", ""))
			}
		}
		for _, child := range cpEl.ChildElements() {
			if child.Tag != "pssh" {
				continue
			}
			info, err := decodePssh(strings.TrimSpace(child.Text()))
			if err != nil {
				return nil, fmt.Errorf("ContentProtection %s: %w", cp.SchemeIDURI, err)
			}
			cp.Pssh = &info
		}
		out = append(out, cp)
	}
	return out, nil
}

// decodePssh decodes a base64 pssh box with the same decoder used for
// init segments.
func decodePssh(text string) (mp4.PsshInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return mp4.PsshInfo{}, fmt.Errorf("pssh base64: %w", err)
	}
	var info mp4.PsshInfo
	found := false
	err = mp4.NewWalker().FullBox("pssh", func(b *mp4.Box) error {
		var err error
		info, err = mp4.DecodePssh(b)
		found = true
		return err
	}).Parse(raw, false, false)
	if err != nil {
		return info, err
	}
	if !found {
		return info, fmt.Errorf("%w: pssh", mp4.ErrBoxNotFound)
	}
	return info, nil
}

var templateVar = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(?:%0(\d+)d)?\$`)

func fillTemplate(tmpl string, r *Representation, number int, time uint64) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(v string) string {
		m := templateVar.FindStringSubmatch(v)
		var s string
		switch m[1] {
		case "RepresentationID":
			return r.ID
		case "Number":
			s = strconv.Itoa(number)
		case "Time":
			s = strconv.FormatUint(time, 10)
		case "Bandwidth":
			s = strconv.Itoa(r.Bandwidth)
		}
		if width, _ := strconv.Atoi(m[2]); len(s) < width {
			s = strings.Repeat("0", width-len(s)) + s
		}
		return s
	})
}

// expandTemplate lists the segments of a SegmentTemplate, from its
// SegmentTimeline when present and otherwise from its fixed duration over
// the period.
func expandTemplate(r *Representation, tmpl *etree.Element, periodDur float64) {
	timescale := float64(atoiOrZero(tmpl.SelectAttrValue("timescale", "1")))
	if timescale <= 0 {
		timescale = 1
	}
	number := atoiOrZero(tmpl.SelectAttrValue("startNumber", "1"))
	r.StartNumber = number
	media := tmpl.SelectAttrValue("media", "")
	if initTmpl := tmpl.SelectAttrValue("initialization", ""); initTmpl != "" {
		r.InitURL = Resolve(fillTemplate(initTmpl, r, 0, 0), r.BaseURL)
	}
	if media == "" {
		return
	}

	if timeline := tmpl.SelectElement("SegmentTimeline"); timeline != nil {
		var t uint64
		for _, s := range timeline.SelectElements("S") {
			if ts := s.SelectAttrValue("t", ""); ts != "" {
				t, _ = strconv.ParseUint(ts, 10, 64)
			}
			d := uint64(atoiOrZero(s.SelectAttrValue("d", "0")))
			repeat := atoiOrZero(s.SelectAttrValue("r", "0"))
			if repeat < 0 {
				// Open-ended repeats run to the end of the period.
				repeat = 0
				if d > 0 && periodDur > 0 {
					repeat = int(math.Ceil((periodDur*timescale-float64(t))/float64(d))) - 1
				}
			}
			for i := 0; i <= repeat; i++ {
				r.Segments = append(r.Segments, Segment{
					URL:      Resolve(fillTemplate(media, r, number, t), r.BaseURL),
					Number:   number,
					Time:     t,
					Duration: float64(d) / timescale,
				})
				t += d
				number++
			}
		}
		return
	}

	d := float64(atoiOrZero(tmpl.SelectAttrValue("duration", "0")))
	if d <= 0 || periodDur <= 0 {
		return
	}
	remaining := periodDur * timescale
	var t uint64
	for remaining > 0 {
		segDur := d
		if remaining < d {
			segDur = remaining
		}
		r.Segments = append(r.Segments, Segment{
			URL:      Resolve(fillTemplate(media, r, number, t), r.BaseURL),
			Number:   number,
			Time:     t,
			Duration: segDur / timescale,
		})
		t += uint64(d)
		number++
		remaining -= d
	}
}

func withBaseURL(base string, el *etree.Element) string {
	if b := el.SelectElement("BaseURL"); b != nil {
		if text := strings.TrimSpace(b.Text()); text != "" {
			return Resolve(text, base)
		}
	}
	return base
}

var ptReg = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration converts an ISO 8601 duration such as PT1H2M10.5S to
// seconds.
func ParseDuration(d string) (float64, error) {
	m := ptReg.FindStringSubmatch(strings.TrimSpace(d))
	if m == nil {
		return 0, fmt.Errorf("invalid duration: %s", d)
	}
	days := atoiOrZero(m[1])
	hours := atoiOrZero(m[2])
	mins := atoiOrZero(m[3])
	secs, _ := strconv.ParseFloat(orZero(m[4]), 64)
	return float64(days)*86400 + float64(hours)*3600 + float64(mins)*60 + secs, nil
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	i, _ := strconv.Atoi(s)
	return i
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
