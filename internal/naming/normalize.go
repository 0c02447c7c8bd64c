package naming

import (
	"regexp"
	"strings"
)

var (
	reNonAlnum    = regexp.MustCompile(`[^A-Za-z0-9]+`)
	reTokenUnsafe = regexp.MustCompile(`[^A-Za-z0-9.+\-]+`)
)

// aliasKey folds case and drops punctuation so "H-Alpha", "h alpha" and
// "HAlpha" share one dictionary entry.
func aliasKey(s string) string {
	return strings.ToLower(reNonAlnum.ReplaceAllString(s, ""))
}

// Normalizer maps raw header strings to canonical tokens.
type Normalizer struct {
	dict *Dictionary
}

// NewNormalizer wraps a dictionary. A nil dictionary uses the defaults.
func NewNormalizer(d *Dictionary) *Normalizer {
	if d == nil {
		d = DefaultDictionary()
	}
	return &Normalizer{dict: d}
}

// Token turns free text into a path-safe token: runs of unsafe characters
// collapse to a single underscore.
func Token(s string) string {
	s = reTokenUnsafe.ReplaceAllString(strings.TrimSpace(s), "_")
	return strings.Trim(s, "_")
}

// Camera returns the canonical camera name.
func (n *Normalizer) Camera(raw string) string {
	if v, ok := n.dict.cameras[aliasKey(raw)]; ok {
		return v
	}
	return Token(raw)
}

// Filter returns the canonical filter name.
func (n *Normalizer) Filter(raw string) string {
	if v, ok := n.dict.filters[aliasKey(raw)]; ok {
		return v
	}
	return Token(raw)
}

// Preset looks up defaults for a canonical or raw camera name.
func (n *Normalizer) Preset(camera string) (Preset, bool) {
	p, ok := n.dict.presets[aliasKey(camera)]
	return p, ok
}

// Patterns exposes the dictionary's master pattern table.
func (n *Normalizer) Patterns() *PatternTable { return n.dict.patterns }
