// Package catalog implements the bilingual message catalog (spec.md C3,
// §4.2). Entries are keyed by a semantic id and map language code to an
// opaque UTF-8 string. Immutable after construction, mirroring the
// teacher's "Message Catalog: immutable after init" shared-resource
// policy (spec.md §5).
package catalog

const (
	// PrimaryLang is the primary language code (Tagalog).
	PrimaryLang = "tl"
	// FallbackLang is the fallback language code.
	FallbackLang = "en"
	// placeholder is returned when no entry exists for id at all.
	placeholder = "[missing:%s]"
)

// Catalog is a read-only, immutable-after-construction bilingual message
// table.
type Catalog struct {
	entries map[string]map[string]string
}

// New builds a Catalog from the given id -> lang -> string table. The
// caller's map is copied so later mutation of the input has no effect.
func New(entries map[string]map[string]string) *Catalog {
	c := &Catalog{entries: make(map[string]map[string]string, len(entries))}
	for id, langs := range entries {
		cp := make(map[string]string, len(langs))
		for lang, s := range langs {
			cp[lang] = s
		}
		c.entries[id] = cp
	}
	return c
}

// Lookup resolves id in the requested language, falling back to the
// primary language, then English, then a stable placeholder string that
// names the missing id (spec.md §4.2's lookup order).
func (c *Catalog) Lookup(id, lang string) string {
	langs, ok := c.entries[id]
	if !ok {
		return sprintfPlaceholder(id)
	}
	if lang != "" {
		if s, ok := langs[lang]; ok {
			return s
		}
	}
	if s, ok := langs[PrimaryLang]; ok {
		return s
	}
	if s, ok := langs[FallbackLang]; ok {
		return s
	}
	return sprintfPlaceholder(id)
}

// Bilingual returns {primary_lang, english} for id, per the response
// envelope's messages field (spec.md §6).
func (c *Catalog) Bilingual(id string) (primary, english string) {
	return c.Lookup(id, PrimaryLang), c.Lookup(id, FallbackLang)
}

// Snapshot returns the full catalog for the messages.catalog(lang?)
// operation (spec.md §6).
func (c *Catalog) Snapshot(lang string) map[string]string {
	out := make(map[string]string, len(c.entries))
	for id := range c.entries {
		out[id] = c.Lookup(id, lang)
	}
	return out
}

func sprintfPlaceholder(id string) string {
	// Deliberately not fmt.Sprintf in the hot path: this is a rare
	// missing-entry case, not a performance-sensitive one, but avoiding
	// the import keeps the package dependency-free.
	return "[missing:" + id + "]"
}

// Default returns the built-in catalog covering the semantic ids this
// module emits (cancel reasons, transition prompts, capability errors).
// Supplementing this table with additional ids is a data change, not a
// code change.
func Default() *Catalog {
	return New(map[string]map[string]string{
		"lock_acquired": {
			"tl": "Nakuha na ang dokumento. Huwag gumalaw.",
			"en": "Document locked. Hold steady.",
		},
		"flip_prompt": {
			"tl": "Ibaliktad ang dokumento.",
			"en": "Flip the document over.",
		},
		"confirm_prompt": {
			"tl": "Kumpirmahin ang larawan.",
			"en": "Confirm the captured image.",
		},
		"cancel_motion_detected": {
			"tl": "Huwag gumalaw. Panatilihing steady ang dokumento.",
			"en": "Too much motion detected. Hold the document steady.",
		},
		"cancel_focus_lost": {
			"tl": "Malabo ang larawan. Ilapit nang maayos.",
			"en": "Image is out of focus. Adjust the distance.",
		},
		"cancel_glare_high": {
			"tl": "Masyadong maliwanag. Iwasan ang pagmuni-muni.",
			"en": "Glare detected. Avoid reflective lighting.",
		},
		"cancel_stability_lost": {
			"tl": "Hindi stable ang pagkuha. Subukan ulit.",
			"en": "Capture was not stable. Please try again.",
		},
		"cancel_quality_degraded": {
			"tl": "Bumaba ang kalidad ng larawan.",
			"en": "Image quality degraded.",
		},
		"cancel_partial_document": {
			"tl": "Hindi kumpleto ang dokumento sa frame.",
			"en": "Document is not fully visible in frame.",
		},
		"cancel_attack_detected": {
			"tl": "Hindi na-verify ang pagkatao. Subukan ulit nang live.",
			"en": "Liveness check failed. Please try again in person.",
		},
		"capability_unavailable": {
			"tl": "Pansamantalang hindi available ang serbisyo.",
			"en": "Service temporarily unavailable.",
		},
		"session_not_found": {
			"tl": "Hindi nahanap ang sesyon.",
			"en": "Session not found.",
		},
		"rate_limited": {
			"tl": "Masyadong maraming kahilingan. Subukan ulit mamaya.",
			"en": "Too many requests. Please try again later.",
		},
	})
}
