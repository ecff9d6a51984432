// Package detect implements the four PII-detection layers — dictionary, NER,
// regex, and name — plus the span-overlap arithmetic they share. Each layer
// is independent; the pipeline package is responsible for ordering them and
// enforcing non-overlap across layers.
package detect

import "sort"

// Detection is a single finding: a half-open span in the original text, a
// category tag, a confidence score in [0,1], the matched substring, and the
// name of the detector that produced it. Start and End are character
// (rune) offsets, not byte offsets, so spans compare correctly across
// detectors regardless of multi-byte content (§9).
type Detection struct {
	Start      int
	End        int
	Category   string
	Confidence float64
	Text       string
	Detector   string
}

// ByteSpanToRunes converts a [byteStart,byteEnd) byte span in text into the
// equivalent character-offset span. Detectors built on byte-indexed APIs
// (regexp, the dictionary automaton) use this to normalize before producing
// a Detection.
func ByteSpanToRunes(text string, byteStart, byteEnd int) (int, int) {
	runeStart, runeEnd := -1, -1
	byteIdx := 0
	runeIdx := 0
	for _, r := range text {
		if byteIdx == byteStart {
			runeStart = runeIdx
		}
		if byteIdx == byteEnd {
			runeEnd = runeIdx
		}
		byteIdx += len(string(r))
		runeIdx++
	}
	if runeStart == -1 {
		runeStart = runeIdx
	}
	if byteIdx == byteEnd {
		runeEnd = runeIdx
	}
	if runeEnd == -1 {
		runeEnd = runeIdx
	}
	return runeStart, runeEnd
}

// Mask tracks spans already claimed by earlier pipeline layers so later
// layers can skip text that's already spoken for (§4.6 step 1).
type Mask struct {
	claimed []span
}

type span struct{ start, end int }

// NewMask returns an empty mask.
func NewMask() *Mask { return &Mask{} }

// Claim records [start,end) as claimed.
func (m *Mask) Claim(start, end int) {
	m.claimed = append(m.claimed, span{start, end})
}

// ClaimAll records every detection's span as claimed.
func (m *Mask) ClaimAll(dets []Detection) {
	for _, d := range dets {
		m.Claim(d.Start, d.End)
	}
}

// Overlaps reports whether [start,end) intersects any claimed span.
func (m *Mask) Overlaps(start, end int) bool {
	for _, c := range m.claimed {
		if start < c.end && end > c.start {
			return true
		}
	}
	return false
}

// Filter removes any detection whose span intersects the mask, per §4.6
// step 2 ("a later-layer detection is discarded if its span intersects any
// claimed span").
func (m *Mask) Filter(dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if !m.Overlaps(d.Start, d.End) {
			out = append(out, d)
		}
	}
	return out
}

// ResolveOverlaps enforces (I1): pairwise non-overlap, within one layer or
// across the combined list. Sort by (start, -length); scan linearly,
// accepting a detection if its start is at or past the last accepted end;
// otherwise keep the longer one, tie-broken by earlier start then higher
// confidence (§4.3).
func ResolveOverlaps(dets []Detection) []Detection {
	if len(dets) < 2 {
		return dets
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return (sorted[i].End - sorted[i].Start) > (sorted[j].End - sorted[j].Start)
	})

	out := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		if len(out) == 0 {
			out = append(out, d)
			continue
		}
		last := &out[len(out)-1]
		if d.Start >= last.End {
			out = append(out, d)
			continue
		}
		// Overlap with the last accepted detection: keep the longer one,
		// tie-break by earlier start (already guaranteed by sort order for
		// equal length), then higher confidence.
		dLen := d.End - d.Start
		lastLen := last.End - last.Start
		switch {
		case dLen > lastLen:
			*last = d
		case dLen == lastLen && d.Confidence > last.Confidence:
			*last = d
		}
	}
	return out
}
