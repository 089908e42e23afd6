package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"

	"cencstrip/decrypt"
	"cencstrip/manifest"
	"cencstrip/mp4"
)

type psshNode struct {
	SystemID    string   `json:"systemId"`
	Version     uint8    `json:"version"`
	KeyIDs      []string `json:"keyIds,omitempty"`
	WidevineKID string   `json:"widevineKid,omitempty"`
	Pssh        string   `json:"pssh"`
}

type probeOutput struct {
	Scheme          string     `json:"scheme,omitempty"`
	DefaultKIDs     []string   `json:"defaultKids"`
	Codecs          []string   `json:"codecs,omitempty"`
	IsMultiDrm      bool       `json:"isMultiDrm"`
	Pssh            []psshNode `json:"pssh"`
	Representations []string   `json:"representations,omitempty"`
}

func psshNodes(list []mp4.PsshInfo) []psshNode {
	nodes := make([]psshNode, 0, len(list))
	for _, p := range list {
		n := psshNode{SystemID: p.SystemID, Version: p.Version, KeyIDs: p.KeyIDs, Pssh: p.Base64()}
		n.WidevineKID, _ = p.WidevineKID()
		nodes = append(nodes, n)
	}
	return nodes
}

func runProbe(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "text", "output format: text, json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: probe [-format text|json] <file.mp4|manifest.mpd>")
	}
	path := fs.Arg(0)

	out, err := probePath(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(*format) {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "text":
		printProbe(stdout, out)
		return nil
	default:
		return fmt.Errorf("unknown format: %s", *format)
	}
}

func probePath(path string) (probeOutput, error) {
	if strings.HasSuffix(strings.ToLower(path), ".mpd") {
		body, err := os.ReadFile(path)
		if err != nil {
			return probeOutput{}, err
		}
		m, err := manifest.ParseMPD(body, "")
		if err != nil {
			return probeOutput{}, err
		}
		out := probeOutput{DefaultKIDs: m.DefaultKIDs(), Pssh: psshNodes(m.Pssh())}
		for _, as := range m.Sets {
			for _, r := range as.Representations {
				out.Representations = append(out.Representations, r.ID)
			}
		}
		return out, nil
	}

	res, err := decrypt.ProbeFile(path)
	if err != nil {
		return probeOutput{}, err
	}
	out := probeOutput{
		Scheme:      string(res.Scheme),
		DefaultKIDs: []string{},
		Codecs:      res.Codecs,
		IsMultiDrm:  res.IsMultiDrm,
		Pssh:        psshNodes(res.Pssh),
	}
	if res.DefaultKID != "" {
		out.DefaultKIDs = append(out.DefaultKIDs, res.DefaultKID)
	}
	return out, nil
}

func printProbe(w io.Writer, out probeOutput) {
	if out.Scheme != "" {
		fmt.Fprintf(w, "scheme:       %s\n", out.Scheme)
	}
	fmt.Fprintf(w, "default KIDs: %s\n", strings.Join(out.DefaultKIDs, ", "))
	if len(out.Codecs) > 0 {
		fmt.Fprintf(w, "codecs:       %s\n", strings.Join(out.Codecs, ", "))
	}
	if len(out.Representations) > 0 {
		fmt.Fprintf(w, "reps:         %s\n", strings.Join(out.Representations, ", "))
	}
	fmt.Fprintf(w, "multi-DRM:    %t\n", out.IsMultiDrm)
	for i, p := range out.Pssh {
		fmt.Fprintf(w, "pssh[%d]:      system=%s version=%d", i, p.SystemID, p.Version)
		if len(p.KeyIDs) > 0 {
			fmt.Fprintf(w, " kids=%s", strings.Join(p.KeyIDs, ","))
		}
		if p.WidevineKID != "" {
			fmt.Fprintf(w, " widevine_kid=%s", p.WidevineKID)
		}
		fmt.Fprintf(w, "\n              %s\n", p.Pssh)
	}
}

// runDump prints the box tree as decoded by mp4ff.
func runDump(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	levels := fs.String("levels", "", "per-box detail levels, e.g. all:1 or senc:1,trun:2")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: dump [-levels box:level,...] <file.mp4>")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	parsed, err := mp4ff.DecodeFile(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", fs.Arg(0), err)
	}
	return parsed.Info(stdout, *levels, "", "  ")
}

// compactFile rewrites a decrypted file without the skip boxes left where
// sinf and pssh were. Unlike decryption this changes the init segment size.
func compactFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	parsed, err := mp4ff.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	moov := parsed.Moov
	if moov == nil && parsed.Init != nil {
		moov = parsed.Init.Moov
	}
	if moov == nil {
		return 0, fmt.Errorf("%s: no moov", path)
	}
	removed := compactMoov(moov)
	if removed == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	if err := parsed.Encode(out); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return removed, os.Rename(tmp, path)
}

// compactMoov drops skip boxes from moov and from every sample entry.
func compactMoov(moov *mp4ff.MoovBox) int {
	removed := 0
	moov.Children = dropSkip(moov.Children, &removed)
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
			continue
		}
		for _, entry := range trak.Mdia.Minf.Stbl.Stsd.Children {
			switch e := entry.(type) {
			case *mp4ff.VisualSampleEntryBox:
				e.Children = dropSkip(e.Children, &removed)
			case *mp4ff.AudioSampleEntryBox:
				e.Children = dropSkip(e.Children, &removed)
			}
		}
	}
	return removed
}

func dropSkip(boxes []mp4ff.Box, removed *int) []mp4ff.Box {
	kept := boxes[:0]
	for _, b := range boxes {
		if b.Type() == "skip" {
			*removed++
			continue
		}
		kept = append(kept, b)
	}
	return kept
}
