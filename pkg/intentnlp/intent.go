// Package intentnlp turns chat utterances into ordering slots: the item
// asked for, a veg / non-veg preference and a quantity, plus the control
// phrases cancel, retry and show-all. Matching is keyword and regex based.
package intentnlp

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Variant is the dietary preference an utterance expresses.
type Variant string

const (
	VariantNone   Variant = ""
	VariantVeg    Variant = "veg"
	VariantNonVeg Variant = "non_veg"
)

// Quantity bounds accepted by ParseQuantity.
const (
	MinQuantity = 1
	MaxQuantity = 10
)

var (
	ErrNoQuantity       = errors.New("intentnlp: no quantity in utterance")
	ErrFractionalQuant  = errors.New("intentnlp: quantity is not a whole number")
	ErrQuantityRange    = errors.New("intentnlp: quantity out of range")
	ErrNoVariant        = errors.New("intentnlp: no variant in utterance")
	ErrAmbiguousVariant = errors.New("intentnlp: both variants mentioned")
)

// DefaultVocabulary is the item list used when none is configured.
var DefaultVocabulary = []string{
	"pizza", "burger", "biryani", "sandwich", "pasta", "noodles", "fried rice",
	"momos", "thali", "dosa", "wrap", "salad", "tacos", "curry", "rolls",
}

const (
	nonVegTerms = `non[\s-]?veg(?:etarian)?|chicken|mutton|meat|egg|fish|prawns?`
	vegTerms    = `pure veg|vegetarian|veggie|veg|paneer`
)

// Non-veg phrases are checked first since they contain "veg".
var (
	nonVegRe  = regexp.MustCompile(`(?i)\b(` + nonVegTerms + `)\b`)
	vegRe     = regexp.MustCompile(`(?i)\b(` + vegTerms + `)\b`)
	negatedRe = regexp.MustCompile(`(?i)\b(?:not|no|without|don'?t want)\s+(` + nonVegTerms + `|` + vegTerms + `)\b`)
	digitRe   = regexp.MustCompile(`-?\b\d+(?:[.,]\d+)?\b`)
)

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "dozen": 12, "couple": 2, "single": 1,
}

var wordRe = regexp.MustCompile(`[a-z]+`)

var (
	cancelRe  = regexp.MustCompile(`(?i)\b(cancel|start over|restart|never ?mind|forget it|reset|stop)\b`)
	retryRe   = regexp.MustCompile(`(?i)\b(retry|try again|again|yes)\b`)
	showAllRe = regexp.MustCompile(`(?i)\b(show|list|see|view)\b.*\b(all|every|everything|any)\b`)
	allRe     = regexp.MustCompile(`(?i)^\s*(all|all providers|show all)\s*[.!]?\s*$`)
)

// Extractor finds item names from a fixed vocabulary.
type Extractor struct {
	items []string // lowercased, longest first
	re    *regexp.Regexp
}

// NewExtractor builds an extractor over vocab. An empty vocab uses DefaultVocabulary.
func NewExtractor(vocab []string) *Extractor {
	if len(vocab) == 0 {
		vocab = DefaultVocabulary
	}
	seen := make(map[string]bool)
	var items []string
	for _, v := range vocab {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool { return len(items[i]) > len(items[j]) })

	alts := make([]string, len(items))
	for i, it := range items {
		alts[i] = strings.ReplaceAll(regexp.QuoteMeta(it), " ", `\s+`)
	}
	re := regexp.MustCompile(`(?i)\b(` + strings.Join(alts, "|") + `)(?:e?s)?\b`)
	return &Extractor{items: items, re: re}
}

// Vocabulary returns the known items, longest first.
func (e *Extractor) Vocabulary() []string {
	return append([]string(nil), e.items...)
}

// ExtractItem returns the first vocabulary item mentioned in text, in its
// canonical lowercase form.
func (e *Extractor) ExtractItem(text string) (string, bool) {
	m := e.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	got := strings.Join(strings.Fields(strings.ToLower(m[1])), " ")
	return got, true
}

// ClassifyVariant reports the dietary preference in text. A negated
// preference ("not veg", "without chicken") counts as the other one.
func ClassifyVariant(text string) (Variant, error) {
	text = negatedRe.ReplaceAllStringFunc(text, func(m string) string {
		if nonVegRe.MatchString(negatedRe.FindStringSubmatch(m)[1]) {
			return " veg "
		}
		return " non-veg "
	})
	nonVeg := nonVegRe.MatchString(text)
	stripped := nonVegRe.ReplaceAllString(text, " ")
	veg := vegRe.MatchString(stripped)
	switch {
	case nonVeg && veg:
		return VariantNone, ErrAmbiguousVariant
	case nonVeg:
		return VariantNonVeg, nil
	case veg:
		return VariantVeg, nil
	}
	return VariantNone, ErrNoVariant
}

// ParseQuantity reads a whole digit or spelled-out number and checks it
// lies in [MinQuantity, MaxQuantity].
func ParseQuantity(text string) (int, error) {
	if strings.ContainsAny(digitRe.FindString(text), ".,") {
		return 0, ErrFractionalQuant
	}
	n, ok := firstNumber(text)
	if !ok {
		return 0, ErrNoQuantity
	}
	if n < MinQuantity || n > MaxQuantity {
		return n, ErrQuantityRange
	}
	return n, nil
}

func firstNumber(text string) (int, bool) {
	if s := digitRe.FindString(text); s != "" {
		n, err := strconv.Atoi(s)
		if err == nil {
			return n, true
		}
	}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if n, ok := numberWords[w]; ok {
			return n, true
		}
	}
	return 0, false
}

// IsCancel reports whether text asks to abandon the current request.
func IsCancel(text string) bool { return cancelRe.MatchString(text) }

// IsRetry reports whether text asks to repeat a failed search.
func IsRetry(text string) bool { return retryRe.MatchString(text) }

// IsShowAll reports whether text asks for the full provider listing.
func IsShowAll(text string) bool {
	return showAllRe.MatchString(text) || allRe.MatchString(text)
}
