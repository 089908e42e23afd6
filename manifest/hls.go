package manifest

import (
	"fmt"
	"strings"
)

// LiveWindow is how many segments a live media playlist keeps.
const LiveWindow = 10

// Links maps manifest URLs to the URLs written into playlists.
type Links struct {
	// Media returns the playlist URI of a representation.
	Media func(as *AdaptationSet, r *Representation) string
	// Segment returns the URI of a media segment given with its init
	// segment URL, which is empty for self-initialising segments.
	Segment func(segmentURL, initURL string) string
	// Init returns the URI of an init segment.
	Init func(initURL string) string
}

// MasterPlaylist renders an HLS master playlist with one variant per video
// representation and one rendition per audio or text representation.
func (m *MPD) MasterPlaylist(links Links) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-INDEPENDENT-SEGMENTS\n")

	hasAudio, hasSubs := false, false
	for _, as := range m.Sets {
		switch as.ContentType {
		case "audio":
			hasAudio = true
		case "text", "subtitle":
			hasSubs = true
		}
	}

	for _, as := range m.Sets {
		for _, r := range as.Representations {
			uri := links.Media(as, r)
			switch as.ContentType {
			case "text", "subtitle":
				fmt.Fprintf(&b, `#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",LANGUAGE="%s",NAME="%s",AUTOSELECT=YES,DEFAULT=NO,FORCED=NO,URI="%s"`+"\n",
					as.Lang, as.Lang, uri)
			case "audio":
				fmt.Fprintf(&b, `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",LANGUAGE="%s",NAME="%s",AUTOSELECT=YES,DEFAULT=YES,URI="%s"`+"\n",
					as.Lang, as.Lang, uri)
			case "video":
				line := fmt.Sprintf(`#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS="%s"`, r.Bandwidth, r.Width, r.Height, r.Codecs)
				if hasAudio {
					line += `,AUDIO="audio"`
				}
				if hasSubs {
					line += `,SUBTITLES="subs"`
				}
				b.WriteString(line + "\n" + uri + "\n")
			}
		}
	}
	return b.String()
}

// MediaPlaylist renders the segment list of r. A live playlist keeps the
// last LiveWindow segments; a static one is closed with EXT-X-ENDLIST.
func (m *MPD) MediaPlaylist(r *Representation, links Links) string {
	segs := r.Segments
	if !m.Static() && len(segs) > LiveWindow {
		segs = segs[len(segs)-LiveWindow:]
	}
	seq := r.StartNumber
	if len(segs) > 0 {
		seq = segs[0].Number
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-TARGETDURATION:%d\n", r.TargetDuration())
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	if r.InitURL != "" {
		fmt.Fprintf(&b, `#EXT-X-MAP:URI="%s"`+"\n", links.Init(r.InitURL))
	}
	for _, s := range segs {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.Duration, links.Segment(s.URL, r.InitURL))
	}
	if m.Static() {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
