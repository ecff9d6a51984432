package detect

import (
	"strings"

	"github.com/coregx/ahocorasick"
)

// DictionaryEntry is an operator-managed term the dictionary layer matches
// verbatim (or case-folded) against input text.
type DictionaryEntry struct {
	Term          string
	Category      string
	CaseSensitive bool
}

// Dictionary is a compiled multi-pattern matcher over a set of
// DictionaryEntry values. Rebuilding it is cheap relative to request volume,
// so callers swap in a fresh Dictionary on every admin-driven term change
// instead of mutating one in place (§5 shared-resource policy).
//
// Case-sensitive and case-insensitive entries are compiled into separate
// automatons: the exact-case automaton runs against the original text, and
// the folded automaton runs against a lower-cased copy of it, so a
// case-insensitive term actually matches differently-cased occurrences
// instead of only its own lower-cased spelling.
type Dictionary struct {
	exact        *ahocorasick.Automaton
	exactLookup  []DictionaryEntry
	folded       *ahocorasick.Automaton
	foldedLookup []DictionaryEntry
}

// NewDictionary compiles entries into a Dictionary. Because the underlying
// automaton matches exact byte patterns, case-insensitive entries are folded
// to lower case at build time and the input is folded the same way at match
// time; the returned Detection always carries the original-case substring
// from the source text.
func NewDictionary(entries []DictionaryEntry) (*Dictionary, error) {
	d := &Dictionary{}

	var exactPatterns, foldedPatterns []string
	for _, e := range entries {
		if e.CaseSensitive {
			d.exactLookup = append(d.exactLookup, e)
			exactPatterns = append(exactPatterns, e.Term)
		} else {
			d.foldedLookup = append(d.foldedLookup, e)
			foldedPatterns = append(foldedPatterns, strings.ToLower(e.Term))
		}
	}

	if len(exactPatterns) > 0 {
		automaton, err := ahocorasick.New(exactPatterns, ahocorasick.WithCaseInsensitive(false))
		if err != nil {
			return nil, err
		}
		d.exact = automaton
	}
	if len(foldedPatterns) > 0 {
		automaton, err := ahocorasick.New(foldedPatterns, ahocorasick.WithCaseInsensitive(false))
		if err != nil {
			return nil, err
		}
		d.folded = automaton
	}
	return d, nil
}

// Detect returns Detections for every occurrence of a dictionary entry in
// text, confidence always 1.0, category "DICTIONARY:<entryCategory>". On
// overlap among dictionary hits, the longest match wins, tie-broken by
// earliest start (§4.2) — delegated to ResolveOverlaps.
func (d *Dictionary) Detect(text string) []Detection {
	if d == nil || len(text) == 0 {
		return nil
	}

	var dets []Detection

	if d.exact != nil {
		for _, m := range d.exact.FindAll([]byte(text)) {
			entry := d.exactLookup[m.Pattern]
			dets = append(dets, d.detection(text, m.Start, m.End, entry))
		}
	}

	if d.folded != nil {
		// ToLower is length-preserving for the ASCII dictionary terms this
		// gateway ships with, so byte offsets from the folded haystack map
		// 1:1 onto the original text.
		folded := strings.ToLower(text)
		for _, m := range d.folded.FindAll([]byte(folded)) {
			entry := d.foldedLookup[m.Pattern]
			dets = append(dets, d.detection(text, m.Start, m.End, entry))
		}
	}

	return ResolveOverlaps(dets)
}

func (d *Dictionary) detection(text string, start, end int, entry DictionaryEntry) Detection {
	runeStart, runeEnd := ByteSpanToRunes(text, start, end)
	return Detection{
		Start:      runeStart,
		End:        runeEnd,
		Category:   "DICTIONARY:" + entry.Category,
		Confidence: 1.0,
		Text:       text[start:end],
		Detector:   "dictionary",
	}
}
