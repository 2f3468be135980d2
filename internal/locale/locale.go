// Package locale handles the mismatch between BigBlueButton's regional
// locale tags (e.g. "en-US") and the bare ISO 639-1 language codes the
// STT engines expect (e.g. "en").
package locale

import "strings"

// Sanitize converts a regional locale tag to the bare language subtag.
// "pt-BR" becomes "pt". Input without a region part is returned lowercased
// as-is, so the result is always safe to hand to an engine.
func Sanitize(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(lang)
}

// Map maps engine language codes to BBB regional locale tags. It is built
// once at startup and read-only afterwards.
type Map map[string]string

// ParseMap parses a "lang:locale,lang:locale" string (e.g.
// "en:en-US,pt:pt-BR") into a Map. Entries without a colon are skipped.
func ParseMap(s string) Map {
	m := make(Map)
	for _, pair := range strings.Split(s, ",") {
		lang, loc, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		lang = strings.TrimSpace(lang)
		loc = strings.TrimSpace(loc)
		if lang == "" || loc == "" {
			continue
		}
		m[lang] = loc
	}
	return m
}

// Resolve picks the outbound locale for a transcript alternative.
//
// When the alternative is in the participant's own language, the regional
// locale the participant requested is used verbatim, preserving their exact
// regional variant. Translated alternatives go through the map. A language
// with no mapping falls back to the raw language code; the second return
// value is false in that case so the caller can surface a warning.
func (m Map) Resolve(altLang, participantLocale string) (string, bool) {
	if altLang == Sanitize(participantLocale) {
		return participantLocale, true
	}
	if mapped, ok := m[altLang]; ok {
		return mapped, true
	}
	return altLang, false
}
