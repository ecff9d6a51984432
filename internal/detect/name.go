package detect

import (
	"strings"
	"unicode"
)

// nameFrequencyClass buckets a gazetteer entry's commonness, which scales
// the confidence reported for a match (§4.5: "confidence 0.50–0.85, scaled
// by name frequency class").
type nameFrequencyClass int

const (
	frequencyRare nameFrequencyClass = iota
	frequencyCommon
	frequencyVeryCommon
)

func (c nameFrequencyClass) confidence() float64 {
	switch c {
	case frequencyVeryCommon:
		return 0.85
	case frequencyCommon:
		return 0.70
	default:
		return 0.50
	}
}

// NameDetector matches whole-word gazetteer entries that aren't also common
// English words, as a safety net for given names the NER layer missed.
type NameDetector struct {
	gazetteer   map[string]nameFrequencyClass
	commonWords map[string]bool
}

// NewNameDetector builds a detector from a first-name gazetteer and a
// common-word exclusion list. Both are matched case-insensitively.
func NewNameDetector(names []string, commonWords []string) *NameDetector {
	d := &NameDetector{
		gazetteer:   make(map[string]nameFrequencyClass, len(names)),
		commonWords: make(map[string]bool, len(commonWords)),
	}
	for i, n := range names {
		lower := strings.ToLower(n)
		// Earlier entries in the supplied list are assumed more common; the
		// supplied list (the embedded data in namedata.go or a caller's own)
		// is read as frequency-ranked, first = most common.
		class := frequencyRare
		switch {
		case i < len(names)/20:
			class = frequencyVeryCommon
		case i < len(names)/4:
			class = frequencyCommon
		}
		d.gazetteer[lower] = class
	}
	for _, w := range commonWords {
		d.commonWords[strings.ToLower(w)] = true
	}
	return d
}

// Detect returns a Detection for every whole-word, case-insensitive
// gazetteer match that isn't also a common word.
func (d *NameDetector) Detect(text string) []Detection {
	if d == nil || len(d.gazetteer) == 0 {
		return nil
	}
	var dets []Detection
	for _, w := range wordSpans(text) {
		lower := strings.ToLower(w.text)
		if d.commonWords[lower] {
			continue
		}
		class, ok := d.gazetteer[lower]
		if !ok {
			continue
		}
		dets = append(dets, Detection{
			Start:      w.start,
			End:        w.end,
			Category:   "PERSON",
			Confidence: class.confidence(),
			Text:       w.text,
			Detector:   "name",
		})
	}
	return ResolveOverlaps(dets)
}

type wordSpan struct {
	start, end int
	text       string
}

// wordSpans splits text on Unicode word boundaries, returning each maximal
// run of letters as a candidate word with its character (rune) offsets.
func wordSpans(text string) []wordSpan {
	runes := []rune(text)
	var spans []wordSpan
	i := 0
	for i < len(runes) {
		if !unicode.IsLetter(runes[i]) {
			i++
			continue
		}
		j := i
		for j < len(runes) && (unicode.IsLetter(runes[j]) || runes[j] == '\'') {
			j++
		}
		spans = append(spans, wordSpan{start: i, end: j, text: string(runes[i:j])})
		i = j
	}
	return spans
}
