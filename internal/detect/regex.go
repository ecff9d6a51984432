package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// validator inspects a raw regex match and reports whether it passes an
// additional structural check (a checksum, a range constraint, …). It
// returns the confidence to report on success; ok=false means "no match" —
// the detection is dropped, not demoted.
type validator func(match string) (confidence float64, ok bool)

// pattern is one regex-backed detector entry: a compiled expression, the
// category it emits, a baseline confidence, an optional validator that can
// raise (or veto) that confidence, and the locale it belongs to ("" = region
// neutral, always active).
type pattern struct {
	re         *regexp.Regexp
	category   string
	confidence float64
	validate   validator
	locale     string
}

// RegexDetector runs the compiled pattern set from §4.3 against input text,
// filtering by locale and isolating validator faults.
type RegexDetector struct {
	patterns []pattern
	onFault  func(category string, err any)
}

// NewRegexDetector builds the detector with the full pattern set. onFault,
// if non-nil, is invoked whenever a validator panics; the corresponding
// pattern yields no detections for that call but the pipeline continues.
func NewRegexDetector(onFault func(category string, err any)) *RegexDetector {
	return &RegexDetector{patterns: compilePatterns(), onFault: onFault}
}

// Detect returns Detections for every pattern active under locale. Empty
// locale means all regional patterns run; a non-empty locale restricts
// regional patterns to that region while region-neutral patterns always run.
func (d *RegexDetector) Detect(text, locale string) []Detection {
	var dets []Detection
	for _, p := range d.patterns {
		if p.locale != "" && locale != "" && p.locale != locale {
			continue
		}
		dets = append(dets, d.runPattern(p, text)...)
	}
	return ResolveOverlaps(dets)
}

func (d *RegexDetector) runPattern(p pattern, text string) (out []Detection) {
	defer func() {
		if r := recover(); r != nil {
			if d.onFault != nil {
				d.onFault(p.category, r)
			}
			out = nil
		}
	}()

	locs := p.re.FindAllStringIndex(text, -1)
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		match := text[start:end]
		confidence := p.confidence
		if p.validate != nil {
			c, ok := p.validate(match)
			if !ok {
				continue
			}
			confidence = c
		}
		runeStart, runeEnd := ByteSpanToRunes(text, start, end)
		out = append(out, Detection{
			Start:      runeStart,
			End:        runeEnd,
			Category:   p.category,
			Confidence: confidence,
			Text:       match,
			Detector:   "regex",
		})
	}
	return out
}

// --- pattern table ---

func compilePatterns() []pattern {
	return []pattern{
		{re: regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), category: "EMAIL", confidence: 0.95},
		{re: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), category: "CREDIT_CARD", confidence: 0.70, validate: luhnValidator},
		{re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), category: "IPV4", confidence: 0.70, validate: ipv4Validator},
		{re: regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`), category: "IPV6", confidence: 0.90},
		{re: regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`), category: "MAC", confidence: 0.92},
		{re: regexp.MustCompile(`\b(?:https?://|www\.)[^\s<>"{}|\\^` + "`" + `\[\]]+`), category: "URL", confidence: 0.85},
		{re: regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`), category: "VIN", confidence: 0.75, validate: vinValidator},
		{re: regexp.MustCompile(`\b(?:0?[1-9]|1[012])[-/](?:0?[1-9]|[12][0-9]|3[01])[-/](?:19|20)\d{2}\b`), category: "DOB", confidence: 0.75},

		{re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), category: "US_SSN", confidence: 0.90, locale: "US"},
		{re: regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), category: "US_PHONE", confidence: 0.75, locale: "US"},

		{re: regexp.MustCompile(`(?i)\bNHS:?\s*\d{3}\s?\d{3}\s?\d{4}\b`), category: "UK_NHS", confidence: 0.75, validate: ukNHSValidator, locale: "UK"},
		{re: regexp.MustCompile(`(?i)\b[A-CEGHJ-PR-TW-Z]{2}\d{6}[A-D]\b`), category: "UK_NINO", confidence: 0.90, locale: "UK"},
		{re: regexp.MustCompile(`(?i)\+44\s?\d{2,4}\s?\d{3,4}\s?\d{3,4}\b`), category: "UK_PHONE", confidence: 0.85, locale: "UK"},
		{re: regexp.MustCompile(`(?i)\b[A-Z]{1,2}[0-9][A-Z0-9]?\s?[0-9][A-Z]{2}\b`), category: "UK_POSTCODE", confidence: 0.80, locale: "UK"},
		{re: regexp.MustCompile(`(?i)\b\d{9}\b`), category: "UK_PASSPORT", confidence: 0.70, locale: "UK"},
		{re: regexp.MustCompile(`\b\d{2}-\d{2}-\d{2}\b`), category: "UK_SORT_CODE", confidence: 0.70, locale: "UK"},

		{re: regexp.MustCompile(`\b\d{9}\b`), category: "AU_TFN", confidence: 0.70, validate: auTFNValidator, locale: "AU"},
		{re: regexp.MustCompile(`\b\d{4}\s?\d{5}\s?\d\b`), category: "AU_MEDICARE", confidence: 0.70, validate: auMedicareValidator, locale: "AU"},
		{re: regexp.MustCompile(`\b\d{2}\s?\d{3}\s?\d{3}\s?\d{3}\b`), category: "AU_ABN", confidence: 0.70, locale: "AU"},
		{re: regexp.MustCompile(`\b\d{3}-?\d{3}\s+\d{6,10}\b`), category: "AU_BSB_ACCT", confidence: 0.70, locale: "AU"},
		{re: regexp.MustCompile(`\b0[2-478]\s?\d{4}\s?\d{4}\b`), category: "AU_PHONE", confidence: 0.75, locale: "AU"},
		{re: regexp.MustCompile(`\b[0-9]{4}\b`), category: "AU_POSTCODE", confidence: 0.70, locale: "AU"},
		{re: regexp.MustCompile(`(?i)\b[NE][0-9]{7}\b`), category: "AU_PASSPORT", confidence: 0.70, locale: "AU"},

		{re: regexp.MustCompile(`\b\d{8,9}\b`), category: "NZ_IRD", confidence: 0.70, validate: nzIRDValidator, locale: "NZ"},
		{re: regexp.MustCompile(`(?i)\b[A-Z]{3}\d{4}\b`), category: "NZ_NHI", confidence: 0.85, locale: "NZ"},
		{re: regexp.MustCompile(`\b0[2-9]\d{7,8}\b`), category: "NZ_PHONE", confidence: 0.70, locale: "NZ"},
		{re: regexp.MustCompile(`\b[0-9]{4}\b`), category: "NZ_POSTCODE", confidence: 0.70, locale: "NZ"},
		{re: regexp.MustCompile(`\b\d{2}-\d{4}-\d{7}-\d{2,3}\b`), category: "NZ_BANK", confidence: 0.90, locale: "NZ"},
		{re: regexp.MustCompile(`(?i)\b[A-Z]{2}\d{6}\b`), category: "NZ_PASSPORT", confidence: 0.70, locale: "NZ"},

		{re: regexp.MustCompile(`(?i)\bMRN[:\s#]*\d{6,10}\b`), category: "MRN", confidence: 0.80},
		{re: regexp.MustCompile(`(?i)\b(?:licen[cs]e|licence\s*number|dl)[:\s#]*[A-Z0-9-]{6,15}\b`), category: "LICENCE_NUMBER", confidence: 0.75},
	}
}

// --- checksum validators ---

func luhnValidator(match string) (float64, bool) {
	digits := onlyDigits(match)
	if len(digits) < 13 || len(digits) > 19 {
		return 0, false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	if sum%10 != 0 {
		return 0, false
	}
	return 0.98, true
}

func ipv4Validator(match string) (float64, bool) {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return 0, false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, false
		}
		if len(p) > 1 && p[0] == '0' {
			return 0, false // reject leading-zero octets as non-canonical
		}
	}
	return 0.90, true
}

// vinValidator implements the ISO 3779 check-digit algorithm.
func vinValidator(match string) (float64, bool) {
	vin := strings.ToUpper(match)
	if len(vin) != 17 {
		return 0, false
	}
	const transliteration = "0123456789.ABCDEFGH..JKLMN.P.R..STUVWXYZ"
	weights := []int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}
	sum := 0
	for i, c := range vin {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'Z':
			idx := int(c-'A') + 10
			if idx >= len(transliteration) || transliteration[idx] == '.' {
				return 0, false
			}
			v = int(transliteration[idx] - '0')
		default:
			return 0, false
		}
		sum += v * weights[i]
	}
	check := sum % 11
	checkChar := byte('0' + check)
	if check == 10 {
		checkChar = 'X'
	}
	if vin[8] != checkChar {
		return 0, false
	}
	return 0.90, true
}

func ukNHSValidator(match string) (float64, bool) {
	digits := onlyDigits(match)
	if len(digits) != 10 {
		return 0, false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * (10 - i)
	}
	remainder := sum % 11
	check := 11 - remainder
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return 0, false
	}
	if int(digits[9]-'0') != check {
		return 0, false
	}
	return 0.95, true
}

func auTFNValidator(match string) (float64, bool) {
	digits := onlyDigits(match)
	if len(digits) != 9 {
		return 0, false
	}
	weights := []int{1, 4, 3, 7, 5, 8, 6, 9, 10}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	if sum%11 != 0 {
		return 0, false
	}
	return 0.92, true
}

func auMedicareValidator(match string) (float64, bool) {
	digits := onlyDigits(match)
	if len(digits) != 10 {
		return 0, false
	}
	weights := []int{1, 3, 7, 9, 1, 3, 7, 9}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	if sum%10 != int(digits[8]-'0') {
		return 0, false
	}
	return 0.92, true
}

func nzIRDValidator(match string) (float64, bool) {
	digits := onlyDigits(match)
	if len(digits) < 8 || len(digits) > 9 {
		return 0, false
	}
	// Pad to 9 digits (leading zero) so the fixed 8-weight table applies.
	for len(digits) < 9 {
		digits = "0" + digits
	}
	primary := []int{3, 2, 7, 6, 5, 4, 3, 2}
	secondary := []int{7, 4, 3, 2, 5, 2, 7, 6}

	sum := 0
	for i, w := range primary {
		sum += int(digits[i]-'0') * w
	}
	remainder := sum % 11
	check := 11 - remainder
	if check == 11 {
		check = 0
	}
	if check == 10 {
		sum = 0
		for i, w := range secondary {
			sum += int(digits[i]-'0') * w
		}
		remainder = sum % 11
		check = 11 - remainder
		if check == 11 {
			check = 0
		}
		if check == 10 {
			return 0, false
		}
	}
	if int(digits[8]-'0') != check {
		return 0, false
	}
	return 0.92, true
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
