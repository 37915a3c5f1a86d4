package safety

import "strings"

// DefaultCrisisKeywords is the shipped keyword list. Matching is a plain
// case-insensitive substring scan, not tokenized; "suicide" inside a longer
// word still matches.
var DefaultCrisisKeywords = []string{
	"suicide",
	"kill myself",
	"self harm",
	"end my life",
	"want to die",
	"hurting myself",
	"cutting",
	"hopeless",
	"no reason to live",
}

// Detector flags input that should never reach retrieval or generation.
type Detector struct {
	keywords []string
}

// NewDetector builds a detector over the given keywords; an empty list falls
// back to DefaultCrisisKeywords. Keywords are case-folded once up front.
func NewDetector(keywords []string) *Detector {
	if len(keywords) == 0 {
		keywords = DefaultCrisisKeywords
	}
	folded := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			folded = append(folded, kw)
		}
	}
	return &Detector{keywords: folded}
}

// Detect reports whether any keyword occurs in the case-folded input.
func (d *Detector) Detect(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range d.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
