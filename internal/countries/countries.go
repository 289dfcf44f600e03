// Package countries holds the fixed vocabulary of location values the
// system is allowed to cache and share. Values outside the vocabulary
// are never written back to the shared cache.
package countries

import "strings"

// Country is a canonical vocabulary entry.
type Country struct {
	Name string
	Flag string
}

// canonical maps lowercase canonical names to their entry.
var canonical = map[string]Country{}

// aliases maps lowercase alternate spellings to canonical names.
var aliases = map[string]string{
	"usa":            "United States",
	"us":             "United States",
	"u.s.":           "United States",
	"u.s.a.":         "United States",
	"united states of america": "United States",
	"america":        "United States",
	"uk":             "United Kingdom",
	"u.k.":           "United Kingdom",
	"great britain":  "United Kingdom",
	"britain":        "United Kingdom",
	"england":        "United Kingdom",
	"scotland":       "United Kingdom",
	"wales":          "United Kingdom",
	"uae":            "United Arab Emirates",
	"south korea":    "Korea, Republic of",
	"republic of korea": "Korea, Republic of",
	"korea":          "Korea, Republic of",
	"russia":         "Russian Federation",
	"vietnam":        "Viet Nam",
	"czechia":        "Czech Republic",
	"holland":        "Netherlands",
	"the netherlands": "Netherlands",
	"taiwan":         "Taiwan, Province of China",
	"turkey":         "Türkiye",
	"turkiye":        "Türkiye",
	"ivory coast":    "Côte d'Ivoire",
	"cote d'ivoire":  "Côte d'Ivoire",
	"brasil":         "Brazil",
	"méxico":         "Mexico",
	"deutschland":    "Germany",
	"españa":         "Spain",
	"new zeland":     "New Zealand",
	"philipines":     "Philippines",
	"the philippines": "Philippines",
	"hong kong sar":  "Hong Kong",
	"prc":            "China",
	"people's republic of china": "China",
}

var list = []Country{
	{"Argentina", "🇦🇷"},
	{"Australia", "🇦🇺"},
	{"Austria", "🇦🇹"},
	{"Bangladesh", "🇧🇩"},
	{"Belgium", "🇧🇪"},
	{"Brazil", "🇧🇷"},
	{"Bulgaria", "🇧🇬"},
	{"Canada", "🇨🇦"},
	{"Chile", "🇨🇱"},
	{"China", "🇨🇳"},
	{"Colombia", "🇨🇴"},
	{"Côte d'Ivoire", "🇨🇮"},
	{"Croatia", "🇭🇷"},
	{"Czech Republic", "🇨🇿"},
	{"Denmark", "🇩🇰"},
	{"Ecuador", "🇪🇨"},
	{"Egypt", "🇪🇬"},
	{"Estonia", "🇪🇪"},
	{"Finland", "🇫🇮"},
	{"France", "🇫🇷"},
	{"Germany", "🇩🇪"},
	{"Ghana", "🇬🇭"},
	{"Greece", "🇬🇷"},
	{"Hong Kong", "🇭🇰"},
	{"Hungary", "🇭🇺"},
	{"Iceland", "🇮🇸"},
	{"India", "🇮🇳"},
	{"Indonesia", "🇮🇩"},
	{"Ireland", "🇮🇪"},
	{"Israel", "🇮🇱"},
	{"Italy", "🇮🇹"},
	{"Japan", "🇯🇵"},
	{"Kenya", "🇰🇪"},
	{"Korea, Republic of", "🇰🇷"},
	{"Latvia", "🇱🇻"},
	{"Lithuania", "🇱🇹"},
	{"Luxembourg", "🇱🇺"},
	{"Malaysia", "🇲🇾"},
	{"Mexico", "🇲🇽"},
	{"Morocco", "🇲🇦"},
	{"Netherlands", "🇳🇱"},
	{"New Zealand", "🇳🇿"},
	{"Nigeria", "🇳🇬"},
	{"Norway", "🇳🇴"},
	{"Pakistan", "🇵🇰"},
	{"Peru", "🇵🇪"},
	{"Philippines", "🇵🇭"},
	{"Poland", "🇵🇱"},
	{"Portugal", "🇵🇹"},
	{"Romania", "🇷🇴"},
	{"Russian Federation", "🇷🇺"},
	{"Saudi Arabia", "🇸🇦"},
	{"Serbia", "🇷🇸"},
	{"Singapore", "🇸🇬"},
	{"Slovakia", "🇸🇰"},
	{"Slovenia", "🇸🇮"},
	{"South Africa", "🇿🇦"},
	{"Spain", "🇪🇸"},
	{"Sweden", "🇸🇪"},
	{"Switzerland", "🇨🇭"},
	{"Taiwan, Province of China", "🇹🇼"},
	{"Thailand", "🇹🇭"},
	{"Türkiye", "🇹🇷"},
	{"Ukraine", "🇺🇦"},
	{"United Arab Emirates", "🇦🇪"},
	{"United Kingdom", "🇬🇧"},
	{"United States", "🇺🇸"},
	{"Uruguay", "🇺🇾"},
	{"Venezuela", "🇻🇪"},
	{"Viet Nam", "🇻🇳"},
}

func init() {
	for _, c := range list {
		canonical[strings.ToLower(c.Name)] = c
	}
}

// Normalize maps a free-form location string to its canonical country
// name. It returns ok=false when the value is not in the vocabulary.
func Normalize(s string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return "", false
	}
	if c, ok := canonical[key]; ok {
		return c.Name, true
	}
	if name, ok := aliases[key]; ok {
		return name, true
	}
	return "", false
}

// Valid reports whether s normalizes into the vocabulary.
func Valid(s string) bool {
	_, ok := Normalize(s)
	return ok
}

// Flag returns the flag emoji for a canonical country name.
func Flag(name string) (string, bool) {
	c, ok := canonical[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return c.Flag, true
}

// All returns the canonical vocabulary in declaration order.
func All() []Country {
	out := make([]Country, len(list))
	copy(out, list)
	return out
}
