// Package area maps human plant-area names to canonical slugs and derives
// the per-area broker resource names (queues, exchanges, routing keys).
package area

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining diacritical marks after NFD decomposition,
// so "Recepção" becomes "Recepcao" before slug composition.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify normalizes a site name into a canonical slug: diacritics stripped,
// runs of non-alphanumerics collapsed into "_", lowercased. Empty or
// fully-symbolic input yields "unknown".
func Slugify(site string) string {
	s, _, err := transform.String(stripMarks, site)
	if err != nil {
		s = site
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := true // suppress a leading separator
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "unknown"
	}
	return slug
}

// Area is a logical plant area. Site keeps the original human name, Slug is
// the canonical identifier used in every queue, routing key and DB target.
type Area struct {
	Site string
	Slug string
}

// Registry resolves site names to configured areas. Slugs are injective:
// two configured sites that collapse to the same slug are one area, the
// later declaration winning only the display name.
type Registry struct {
	areas   []Area
	bySlug  map[string]int
	aliases map[string]string // alias slug -> canonical slug
}

// NewRegistry builds a registry from configured site names and an alias map
// (alias slug -> canonical slug). At least one site is required; the first
// configured area is the fallback for unknown sites.
func NewRegistry(sites []string, aliases map[string]string) *Registry {
	r := &Registry{
		bySlug:  make(map[string]int),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, site := range sites {
		site = strings.TrimSpace(site)
		if site == "" {
			continue
		}
		slug := Slugify(site)
		if i, ok := r.bySlug[slug]; ok {
			r.areas[i].Site = site
			continue
		}
		r.bySlug[slug] = len(r.areas)
		r.areas = append(r.areas, Area{Site: site, Slug: slug})
	}
	for from, to := range aliases {
		r.aliases[Slugify(from)] = Slugify(to)
	}
	return r
}

// Areas returns the configured areas in declaration order.
func (r *Registry) Areas() []Area {
	return r.areas
}

// ResolveSlug maps a site name (or slug) to its canonical slug, applying
// aliases. Unknown sites resolve to the first configured area.
func (r *Registry) ResolveSlug(site string) string {
	return r.ResolveBySite(site).Slug
}

// ResolveBySite maps a site name to its configured area. The lookup is
// slug-based, so passing either the human name or the slug is equivalent.
// Unknown sites fall back to the first configured area.
func (r *Registry) ResolveBySite(site string) Area {
	slug := Slugify(site)
	if canonical, ok := r.aliases[slug]; ok {
		slug = canonical
	}
	if i, ok := r.bySlug[slug]; ok {
		return r.areas[i]
	}
	if len(r.areas) > 0 {
		return r.areas[0]
	}
	return Area{Site: site, Slug: slug}
}

// Contains reports whether slug identifies a configured area.
func (r *Registry) Contains(slug string) bool {
	_, ok := r.bySlug[slug]
	return ok
}
