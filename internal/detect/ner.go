package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

const (
	nerChunkLen     = 1000
	nerChunkOverlap = 200
)

// breakerState is the NER circuit breaker's state machine (§4.4, §5).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// NERDetector runs transformer-based token classification over chunked
// input. The model is lazy-loaded on first use behind a single-flight gate;
// repeated inference failures trip a circuit breaker that short-circuits
// further calls for a cooldown window.
type NERDetector struct {
	modelPath         string
	modelName         string
	breakerThreshold  int
	breakerCooldown   time.Duration
	onLatency         func(time.Duration)
	onBreakerOpen     func()
	onBreakerTrip     func()
	cache             *nerCache

	loadOnce sync.Once
	loadErr  error
	pipeline *pipelines.TokenClassificationPipeline
	session  *hugot.Session

	mu              sync.Mutex
	state           breakerState
	consecutiveFail int
	openedAt        time.Time
}

// NERDetectorOptions configures a NERDetector at construction time.
type NERDetectorOptions struct {
	ModelPath        string // local cache directory holding the ONNX model + tokenizer
	ModelName        string // e.g. "dslim/bert-base-NER"
	BreakerThreshold int
	BreakerCooldown  time.Duration
	OnLatency        func(time.Duration)
	OnBreakerOpen    func()
	OnBreakerTrip    func()

	// CachePath, if non-empty, backs a cross-session bbolt classification
	// cache keyed by an MD5 digest of each chunk, so repeated or previously
	// seen text skips transformer inference entirely.
	CachePath string
}

// NewNERDetector constructs a detector that defers model loading until the
// first Detect call (§9 lazy heavy resource).
func NewNERDetector(opts NERDetectorOptions) *NERDetector {
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	cache, err := openNERCache(opts.CachePath)
	if err != nil {
		cache = nil
	}
	return &NERDetector{
		modelPath:        opts.ModelPath,
		modelName:        opts.ModelName,
		breakerThreshold: threshold,
		breakerCooldown:  cooldown,
		onLatency:        opts.OnLatency,
		onBreakerOpen:    opts.OnBreakerOpen,
		onBreakerTrip:    opts.OnBreakerTrip,
		cache:            cache,
	}
}

// Close releases the underlying inference session and classification cache,
// if either was opened.
func (d *NERDetector) Close() error {
	var err error
	if d.session != nil {
		err = d.session.Destroy()
	}
	if cerr := d.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Detect runs NER over text, chunking as needed, and returns merged,
// confidence-filtered, non-overlapping Detections (§4.4).
func (d *NERDetector) Detect(ctx context.Context, text string, minConfidence float64) []Detection {
	if d.breakerBlocked() {
		if d.onBreakerOpen != nil {
			d.onBreakerOpen()
		}
		return nil
	}

	if err := d.ensureLoaded(); err != nil {
		d.recordFailure()
		return nil
	}

	start := time.Now()
	var all []Detection
	failed := false
	for _, c := range chunkText(text, nerChunkLen, nerChunkOverlap) {
		dets, err := d.inferChunk(ctx, c)
		if err != nil {
			failed = true
			break
		}
		all = append(all, dets...)
	}
	if d.onLatency != nil {
		d.onLatency(time.Since(start))
	}

	if failed {
		d.recordFailure()
		return nil
	}
	d.recordSuccess()

	runes := []rune(text)
	filtered := make([]Detection, 0, len(all))
	for _, det := range all {
		if det.Confidence < minConfidence {
			continue
		}
		if det.Start < 0 || det.End > len(runes) || det.Start >= det.End {
			continue
		}
		det.Text = string(runes[det.Start:det.End])
		filtered = append(filtered, det)
	}
	deduped := dedupeCrossChunk(filtered)
	return ResolveOverlaps(deduped)
}

type textChunk struct {
	text   string
	offset int // absolute character offset of chunk start in the original text
}

// chunkText splits text into overlapping windows per §4.4. Offsets are
// character indices, not byte indices, per §9's explicit requirement.
func chunkText(text string, size, overlap int) []textChunk {
	runes := []rune(text)
	if len(runes) <= size {
		return []textChunk{{text: text, offset: 0}}
	}
	var chunks []textChunk
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, textChunk{text: string(runes[start:end]), offset: start})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

type bioToken struct {
	tag        string // e.g. "B-PER", "I-PER", "O"
	start, end int // character offsets, chunk-relative
	score      float64
}

func (d *NERDetector) inferChunk(ctx context.Context, c textChunk) ([]Detection, error) {
	if d.pipeline == nil {
		return nil, fmt.Errorf("ner: pipeline not loaded")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	tokens, hit := d.cache.get(d.modelName, c.text)
	if !hit {
		out, err := d.pipeline.RunPipeline([]string{c.text})
		if err != nil {
			return nil, err
		}
		if out == nil || len(out.Entities) == 0 {
			return nil, nil
		}
		tokens = make([]bioToken, 0, len(out.Entities[0]))
		for _, e := range out.Entities[0] {
			tokens = append(tokens, bioToken{tag: e.Entity, start: e.Start, end: e.End, score: e.Score})
		}
		d.cache.put(d.modelName, c.text, tokens)
	}
	spans := mergeBIO(tokens)

	dets := make([]Detection, 0, len(spans))
	for _, s := range spans {
		absStart := c.offset + s.start
		absEnd := c.offset + s.end
		dets = append(dets, Detection{
			Start:      absStart,
			End:        absEnd,
			Category:   s.category,
			Confidence: s.confidence,
			Text:       "", // filled in by caller once mapped back to the source string
			Detector:   "ner",
		})
	}
	return dets, nil
}

type mergedSpan struct {
	start, end int
	category   string
	confidence float64
}

// mergeBIO coalesces a B-X token followed by consecutive I-X tokens into one
// span, averaging per-token confidence (§4.4).
func mergeBIO(tokens []bioToken) []mergedSpan {
	var spans []mergedSpan
	var cur *mergedSpan
	var sumScore float64
	var count int

	flush := func() {
		if cur != nil {
			cur.confidence = sumScore / float64(count)
			spans = append(spans, *cur)
			cur = nil
			sumScore, count = 0, 0
		}
	}

	for _, t := range tokens {
		switch {
		case strings.HasPrefix(t.tag, "B-"):
			flush()
			category := strings.TrimPrefix(t.tag, "B-")
			cur = &mergedSpan{start: t.start, end: t.end, category: category}
			sumScore, count = t.score, 1
		case strings.HasPrefix(t.tag, "I-") && cur != nil && strings.TrimPrefix(t.tag, "I-") == cur.category:
			cur.end = t.end
			sumScore += t.score
			count++
		default:
			flush()
		}
	}
	flush()
	return spans
}

// dedupeCrossChunk keeps the higher-confidence span when overlapping chunks
// produce detections covering the same absolute region; ties favor the
// earlier chunk, which is preserved by stable ordering on input order.
func dedupeCrossChunk(dets []Detection) []Detection {
	if len(dets) < 2 {
		return dets
	}
	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		replaced := false
		for i, k := range kept {
			if d.Start < k.End && d.End > k.Start {
				if d.Confidence > k.Confidence {
					kept[i] = d
				}
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, d)
		}
	}
	return kept
}

func (d *NERDetector) ensureLoaded() error {
	d.loadOnce.Do(func() {
		session, err := hugot.NewORTSession()
		if err != nil {
			d.loadErr = fmt.Errorf("ner: session init: %w", err)
			return
		}
		d.session = session

		config := pipelines.TokenClassificationConfig{
			ModelPath: d.modelPath,
			Name:      d.modelName,
		}
		pipeline, err := pipelines.NewTokenClassificationPipeline(session, config)
		if err != nil {
			d.loadErr = fmt.Errorf("ner: model load: %w", err)
			return
		}
		d.pipeline = pipeline
	})
	return d.loadErr
}

// --- circuit breaker ---

func (d *NERDetector) breakerBlocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case breakerOpen:
		if time.Since(d.openedAt) >= d.breakerCooldown {
			d.state = breakerHalfOpen
			return false
		}
		return true
	default:
		return false
	}
}

func (d *NERDetector) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFail++
	if d.state == breakerHalfOpen {
		d.state = breakerOpen
		d.openedAt = time.Now()
		if d.onBreakerOpen != nil {
			d.onBreakerOpen()
		}
		return
	}
	if d.consecutiveFail >= d.breakerThreshold && d.state == breakerClosed {
		d.state = breakerOpen
		d.openedAt = time.Now()
		if d.onBreakerTrip != nil {
			d.onBreakerTrip()
		}
	}
}

func (d *NERDetector) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFail = 0
	d.state = breakerClosed
}
