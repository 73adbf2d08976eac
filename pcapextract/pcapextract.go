// Package pcapextract orchestrates the offline PCAP pipeline (spec.md
// §4.C7): C3 reads records, C4 strips link/IP/TCP headers, C5 reassembles
// each direction, C6 scans for frames, and C2 decodes them. It then
// dedupes full-frame hex via SHA-1 and writes summaries to a sink.
package pcapextract

import (
	"io"

	"github.com/pkg/errors"

	"github.com/p3tap/p3tap/frame"
	"github.com/p3tap/p3tap/hexutil"
	"github.com/p3tap/p3tap/linklayer"
	"github.com/p3tap/p3tap/pcapfile"
	"github.com/p3tap/p3tap/printer"
	"github.com/p3tap/p3tap/reassembly"
	"github.com/p3tap/p3tap/scanner"
	"github.com/p3tap/p3tap/sink"
)

// fullHexDropThreshold is the nibble count above which a deduped frame's
// fullHex is dropped from the summary in favor of its ref (spec.md §4.C7).
const fullHexDropThreshold = 512

// Options configures one extraction run.
type Options struct {
	ServerPort uint16
	StoreFull  bool
	// LegacyShortForm enables the scanner's optional 9-byte fast path for
	// older PCAP generations (spec.md §4.C6).
	LegacyShortForm bool
}

// Stats summarizes diagnostics collected during one run, surfaced when
// zero frames were emitted (spec.md §4.C7 step 5).
type Stats struct {
	Packets       int
	IPPackets     int
	TCPSegments   int
	FramesEmitted int
	// RepeatFrames counts frames whose full-frame hex was already present
	// in store before this run saw it (spec.md §4.C7 step 3) -- a rough
	// measure of how much of the capture is retransmits/keepalives rather
	// than distinct traffic.
	RepeatFrames int
}

type direction struct {
	reassembler *reassembly.Reassembler
	residual    scanner.DirectionResidual
}

// Run executes the full pipeline against r, writing summaries to
// summaries and, if store is non-nil, populating it with deduped
// full-frame hex (spec.md §4.C7). It returns diagnostic Stats.
func Run(r io.Reader, opts Options, summaries sink.SummaryWriter, store *sink.FullFrameStore) (Stats, error) {
	reader, err := pcapfile.Open(r)
	if err != nil {
		return Stats{}, errors.Wrap(err, "pcapextract: opening capture")
	}

	directions := make(map[reassembly.StreamKey]*direction)
	var stats Stats
	var parsed []frame.Summary

	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.Wrap(err, "pcapextract: reading record")
		}
		stats.Packets++

		seg, ok := linklayer.Decode(rec.LinkType, rec.Data, opts.ServerPort)
		if !ok {
			continue
		}
		stats.IPPackets++
		stats.TCPSegments++

		key := reassembly.StreamKey{SrcPort: seg.SrcPort, DstPort: seg.DstPort, Direction: seg.Direction}
		dir, ok := directions[key]
		if !ok {
			dir = &direction{reassembler: reassembly.New()}
			directions[key] = dir
		}
		dir.reassembler.OnSegment(seg.Seq, seg.Payload)
		dir.reassembler.DrainTo(func(contiguous []byte) {
			for _, frameBytes := range dir.residual.Scan(contiguous, opts.LegacyShortForm) {
				s := frame.Parse(seg.Direction, rec.Timestamp, frameBytes, 0, len(frameBytes))
				parsed = append(parsed, s)
				stats.FramesEmitted++
			}
		})
	}

	dedupe(parsed, store, &stats)

	for _, s := range parsed {
		if err := summaries.Write(s); err != nil {
			return stats, errors.Wrap(err, "pcapextract: writing summary")
		}
	}

	if stats.FramesEmitted == 0 {
		printer.Infof("no frames emitted: packets=%d ip=%d tcp=%d", stats.Packets, stats.IPPackets, stats.TCPSegments)
	}

	return stats, nil
}

// dedupe computes sha1_hex(fullHex) for each frame, storing it (if store
// is non-nil) and dropping fullHex from the summary when it exceeds the
// size threshold, replacing it with the ref (spec.md §4.C7 step 3). A
// frame whose ref is already present in store is counted as a repeat.
func dedupe(frames []frame.Summary, store *sink.FullFrameStore, stats *Stats) {
	for i := range frames {
		s := &frames[i]
		if s.FullHex == "" {
			continue
		}
		ref := hexutil.SHA1Hex(s.FullHex)
		s.Ref = ref
		if store != nil {
			if store.Contains(ref) {
				stats.RepeatFrames++
			}
			store.Put(ref, s.FullHex)
		}
		if len(s.FullHex) > fullHexDropThreshold {
			s.FullHex = ""
		}
	}
}
