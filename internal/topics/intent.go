package topics

import "strings"

// Intent is the search intent a topic is written for.
type Intent string

const (
	Informational Intent = "informational"
	Commercial    Intent = "commercial"
	Transactional Intent = "transactional"
	Navigational  Intent = "navigational"
)

var (
	commercialHints    = []string{"best ", "top ", "vs ", "versus ", "compare", "comparison", "review", "guide to choosing", "how to choose"}
	transactionalHints = []string{"buy ", "price", "discount", "coupon", "deal", "where to buy"}
	navigationalHints  = []string{"shipping", "returns"}
)

// Classify guesses the intent of a title from keyword hints. Brand and store
// hints win over purchase hints, which win over comparison hints.
func Classify(title, businessName string) Intent {
	t := strings.ToLower(strings.TrimSpace(title)) + " "
	if bn := strings.ToLower(strings.TrimSpace(businessName)); bn != "" {
		if strings.Contains(t, bn) || hasAny(t, navigationalHints) {
			return Navigational
		}
	}
	if hasAny(t, transactionalHints) {
		return Transactional
	}
	if hasAny(t, commercialHints) {
		return Commercial
	}
	return Informational
}

// NormalizeIntent keeps known intents and maps everything else to
// informational.
func NormalizeIntent(i Intent) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(string(i)))) {
	case Commercial:
		return Commercial
	case Transactional:
		return Transactional
	case Navigational:
		return Navigational
	default:
		return Informational
	}
}

func hasAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
