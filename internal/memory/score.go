package memory

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"unicode"
)

// score ranks e against q: cosine similarity when both sides have
// embeddings of the same size, otherwise the share of query terms found in
// the content or tags. An empty query matches everything with score 0.
func score(e Entry, q Query) float64 {
	if len(q.Embedding) > 0 && len(q.Embedding) == len(e.Embedding) {
		return cosine(q.Embedding, e.Embedding)
	}
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return 0
	}
	haystack := make(map[string]bool)
	for _, t := range tokenize(e.Content) {
		haystack[t] = true
	}
	for _, t := range e.Tags {
		haystack[t] = true
	}
	hits := 0
	for _, t := range terms {
		if haystack[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// rank scores entries, drops non-matches for non-empty queries and returns
// the best limit results, newest first among ties.
func rank(entries []Entry, q Query) []Result {
	filter := strings.TrimSpace(q.Text) != ""
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		s := score(e, q)
		if filter && s <= 0 {
			continue
		}
		results = append(results, Result{Entry: e, Score: s})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
