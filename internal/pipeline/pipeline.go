// Package pipeline composes the four detection layers into one redaction
// pass: ordering, non-overlap enforcement, token minting, and sanitized-text
// assembly (§4.6).
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/anonamoose/gateway/internal/config"
	"github.com/anonamoose/gateway/internal/detect"
	"github.com/anonamoose/gateway/internal/metrics"
	"github.com/anonamoose/gateway/internal/token"
)

// Binding mirrors a TokenBinding: the token string, its original value, the
// detector/category that produced it, and optional metadata.
type Binding struct {
	Token        string
	Original     string
	DetectorKind string
	Category     string
	Meta         map[string]string
}

// Stats reports per-layer hit counts, total detections, and elapsed time for
// one Redact call (§4.6 "Statistics emitted").
type Stats struct {
	DictionaryHits int
	NERHits        int
	RegexHits      int
	NameHits       int
	TotalHits      int
	Elapsed        time.Duration
}

// Result is the output of Redact: the sanitized text, the bindings produced
// or reused, and layer statistics.
type Result struct {
	Sanitized string
	Bindings  []Binding
	Stats     Stats
}

// ExistingBindings is supplied by the caller (the store) so the pipeline can
// honor dedup-by-original across calls within a session (§4.6 step 4).
// Keyed by original value.
type ExistingBindings map[string]Binding

// LiveTokens is the full set of tokens already live in the session, used to
// avoid collisions when minting (§4.1, §9).
type LiveTokens map[string]bool

// Pipeline holds the four detectors and orders them per §4.6/§9: Dictionary
// → NER → Regex → Names.
type Pipeline struct {
	dictionary *detect.Dictionary
	ner        *detect.NERDetector
	regex      *detect.RegexDetector
	name       *detect.NameDetector
	metrics    *metrics.Metrics
}

// New constructs a Pipeline from its four detector instances. Any of them
// may be nil; a nil detector is treated as a disabled layer.
func New(dictionary *detect.Dictionary, ner *detect.NERDetector, regex *detect.RegexDetector, name *detect.NameDetector, m *metrics.Metrics) *Pipeline {
	return &Pipeline{dictionary: dictionary, ner: ner, regex: regex, name: name, metrics: m}
}

// Redact runs the four-layer composition over text, reusing existing and
// minting new bindings per §4.6, and returns the sanitized string.
func (p *Pipeline) Redact(ctx context.Context, text string, settings *config.Settings, existing ExistingBindings, live LiveTokens) Result {
	start := time.Now()
	mask := detect.NewMask()
	var stats Stats

	runes := []rune(text)

	// Step 1-2: run each enabled layer in order, masking against prior claims.
	var dictionaryDets, nerDets, regexDets, nameDets []detect.Detection

	if settings.EnableDictionary && p.dictionary != nil {
		dictionaryDets = mask.Filter(p.dictionary.Detect(text))
		mask.ClaimAll(dictionaryDets)
		stats.DictionaryHits = len(dictionaryDets)
		p.recordLayer("dictionary", len(dictionaryDets))
	}

	if settings.EnableNER && p.ner != nil {
		nerDets = mask.Filter(p.ner.Detect(ctx, text, settings.NERMinConfidence))
		mask.ClaimAll(nerDets)
		stats.NERHits = len(nerDets)
		p.recordLayer("ner", len(nerDets))
	}

	if settings.EnableRegex && p.regex != nil {
		regexDets = mask.Filter(p.regex.Detect(text, settings.Locale))
		mask.ClaimAll(regexDets)
		stats.RegexHits = len(regexDets)
		p.recordLayer("regex", len(regexDets))
	}

	if settings.EnableNames && p.name != nil {
		nameDets = mask.Filter(p.name.Detect(text))
		mask.ClaimAll(nameDets)
		stats.NameHits = len(nameDets)
		p.recordLayer("name", len(nameDets))
	}

	// Step 3: combine and re-enforce non-overlap globally (I1).
	all := make([]detect.Detection, 0, len(dictionaryDets)+len(nerDets)+len(regexDets)+len(nameDets))
	all = append(all, dictionaryDets...)
	all = append(all, nerDets...)
	all = append(all, regexDets...)
	all = append(all, nameDets...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	all = detect.ResolveOverlaps(all)

	stats.TotalHits = len(all)

	// Step 4: for each detection left-to-right, reuse or mint a token.
	bindings := make([]Binding, 0, len(all))
	type spanToken struct {
		start, end int
		tok        string
	}
	spanTokens := make([]spanToken, 0, len(all))

	liveCopy := cloneLive(live)
	minter := token.MinterFromPlaceholders(settings.PlaceholderPrefix, settings.PlaceholderSuffix)

	for _, det := range all {
		original := det.Text
		if original == "" && det.Start >= 0 && det.End <= len(runes) {
			original = string(runes[det.Start:det.End])
		}

		if b, ok := existing[original]; ok {
			spanTokens = append(spanTokens, spanToken{det.Start, det.End, b.Token})
			if p.metrics != nil {
				p.metrics.BindingsDeduped.Add(1)
			}
			continue
		}

		tok, err := minter.Mint(liveCopy)
		if err != nil {
			// A mint failure (exhausted entropy source) drops this one
			// detection rather than aborting the whole pipeline run.
			continue
		}
		liveCopy[tok] = true

		b := Binding{
			Token:        tok,
			Original:     original,
			DetectorKind: det.Detector,
			Category:     det.Category,
		}
		bindings = append(bindings, b)
		existing[original] = b
		spanTokens = append(spanTokens, spanToken{det.Start, det.End, tok})
		if p.metrics != nil {
			p.metrics.TokensMinted.Add(1)
		}
	}

	// Step 5: splice tokens into the text in reverse span order so earlier
	// indices stay valid as later (higher-index) replacements are applied.
	sort.Slice(spanTokens, func(i, j int) bool { return spanTokens[i].start > spanTokens[j].start })
	out := runes
	for _, st := range spanTokens {
		if st.start < 0 || st.end > len(out) || st.start > st.end {
			continue
		}
		replacement := []rune(st.tok)
		merged := make([]rune, 0, len(out)-(st.end-st.start)+len(replacement))
		merged = append(merged, out[:st.start]...)
		merged = append(merged, replacement...)
		merged = append(merged, out[st.end:]...)
		out = merged
	}

	stats.Elapsed = time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordRedactLatency(stats.Elapsed)
	}

	return Result{Sanitized: string(out), Bindings: bindings, Stats: stats}
}

func (p *Pipeline) recordLayer(layer string, hits int) {
	if p.metrics == nil {
		return
	}
	for i := 0; i < hits; i++ {
		p.metrics.RecordLayerHit(layer)
	}
}

func cloneLive(live LiveTokens) map[string]bool {
	out := make(map[string]bool, len(live))
	for k, v := range live {
		out[k] = v
	}
	return out
}
