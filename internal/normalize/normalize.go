// Package normalize fingerprints candidates: identity key, content hash and similarity shingles.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/floegence/skillhub/internal/model"
)

const (
	DefaultSimilarityThreshold = 0.8
	DefaultMinShingles         = 8
	shingleWidth               = 3
)

// Normalized is the fingerprint of one candidate.
type Normalized struct {
	Candidate   model.Candidate
	IdentityKey string
	ContentHash string
	// Shingles is the sorted, de-duplicated similarity key.
	Shingles []uint64
}

// Normalize validates c and derives its fingerprint. Unreadable content yields ErrMalformedCandidate.
func Normalize(c model.Candidate) (Normalized, error) {
	if len(strings.TrimSpace(string(c.RawContent))) == 0 {
		return Normalized{}, malformed(c, "empty content")
	}
	if !utf8.Valid(c.RawContent) {
		return Normalized{}, malformed(c, "content is not valid utf-8")
	}
	key := IdentityKey(c.Name)
	if key == "" {
		return Normalized{}, malformed(c, "missing skill name")
	}
	if strings.TrimSpace(c.SourceID) == "" || strings.TrimSpace(c.Path) == "" {
		return Normalized{}, malformed(c, "missing source or path")
	}
	return Normalized{
		Candidate:   c,
		IdentityKey: key,
		ContentHash: ContentHash(c.RawContent),
		Shingles:    Shingles(string(c.RawContent)),
	}, nil
}

func malformed(c model.Candidate, reason string) error {
	return model.NewError(model.ErrCodeMalformedCandidate, fmt.Sprintf("malformed candidate %s:%s: %s", c.SourceID, c.Path, reason), nil)
}

// IdentityKey case-folds a skill name and folds whitespace and underscores into single dashes.
func IdentityKey(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range name {
		if unicode.IsSpace(r) || r == '_' || r == '-' {
			dash = true
			continue
		}
		if dash && b.Len() > 0 {
			b.WriteByte('-')
		}
		dash = false
		b.WriteRune(r)
	}
	return b.String()
}

// ContentHash is the hex sha256 of the raw bytes. Metadata never enters the hash.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Shingles hashes the word 3-grams of the skill body (frontmatter excluded).
func Shingles(raw string) []uint64 {
	words := strings.FieldsFunc(strings.ToLower(stripFrontmatter(raw)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}
	width := shingleWidth
	if len(words) < width {
		width = len(words)
	}
	seen := make(map[uint64]struct{}, len(words))
	out := make([]uint64, 0, len(words))
	for i := 0; i+width <= len(words); i++ {
		h := fnv.New64a()
		for j := 0; j < width; j++ {
			_, _ = h.Write([]byte(words[i+j]))
			_, _ = h.Write([]byte{0})
		}
		v := h.Sum64()
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Similarity is the Jaccard index of two sorted shingle sets. Similarity(a, b) == Similarity(b, a).
func Similarity(a, b []uint64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Matcher decides near-duplicates.
type Matcher struct {
	Threshold   float64
	MinShingles int
}

func NewMatcher(threshold float64, minShingles int) Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	if minShingles <= 0 {
		minShingles = DefaultMinShingles
	}
	return Matcher{Threshold: threshold, MinShingles: minShingles}
}

func (m Matcher) NearDuplicate(a, b []uint64) bool {
	if len(a) < m.MinShingles || len(b) < m.MinShingles {
		return false
	}
	return Similarity(a, b) >= m.Threshold
}

func stripFrontmatter(raw string) string {
	s := strings.TrimPrefix(raw, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if !strings.HasPrefix(s, "---\n") {
		return s
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return s
	}
	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		return body[i+1:]
	}
	return ""
}
