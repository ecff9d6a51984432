package detect

import (
	"bytes"
	"crypto/md5" //nolint:gosec // not a security boundary, just a cache key digest
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"
)

var nerCacheBucket = []byte("ner_classifications")

// nerCache memoizes NER classification results per chunk of text, keyed by
// an MD5 digest of the chunk (teacher's cache-key convention, generalized
// from single-value classification to a list of spans). A cache hit skips
// transformer inference entirely for repeated or previously-seen chunks.
type nerCache struct {
	db *bbolt.DB
}

// openNERCache opens (creating if absent) a bbolt-backed classification
// cache at path. An empty path disables caching.
func openNERCache(path string) (*nerCache, error) {
	if path == "" {
		return nil, nil
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("nercache: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nerCacheBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("nercache: migrate: %w", err)
	}
	return &nerCache{db: db}, nil
}

func (c *nerCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func chunkCacheKey(modelName, text string) []byte {
	sum := md5.Sum([]byte(modelName + "\x00" + text)) //nolint:gosec
	return sum[:]
}

// cachedToken is bioToken's exported mirror: gob only encodes exported
// fields, and bioToken's are deliberately unexported (package-internal).
type cachedToken struct {
	Tag        string
	Start, End int
	Score      float64
}

func toCached(tokens []bioToken) []cachedToken {
	out := make([]cachedToken, len(tokens))
	for i, t := range tokens {
		out[i] = cachedToken{Tag: t.tag, Start: t.start, End: t.end, Score: t.score}
	}
	return out
}

func fromCached(cached []cachedToken) []bioToken {
	out := make([]bioToken, len(cached))
	for i, c := range cached {
		out[i] = bioToken{tag: c.Tag, start: c.Start, end: c.End, score: c.Score}
	}
	return out
}

func (c *nerCache) get(modelName, text string) ([]bioToken, bool) {
	if c == nil || c.db == nil {
		return nil, false
	}
	var cached []cachedToken
	found := false
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nerCacheBucket)
		if b == nil {
			return nil
		}
		raw := b.Get(chunkCacheKey(modelName, text))
		if raw == nil {
			return nil
		}
		dec := gob.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&cached); err == nil {
			found = true
		}
		return nil
	})
	if !found {
		return nil, false
	}
	return fromCached(cached), true
}

func (c *nerCache) put(modelName, text string, tokens []bioToken) {
	if c == nil || c.db == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toCached(tokens)); err != nil {
		return
	}
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nerCacheBucket)
		if b == nil {
			return nil
		}
		return b.Put(chunkCacheKey(modelName, text), buf.Bytes())
	})
}
