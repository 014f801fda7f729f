// Package analyzer matches product text against the categorised blacklist.
package analyzer

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/FranksOps/snare/internal/storage"
)

// Source supplies blacklist entries. storage.BlacklistStore satisfies it.
type Source interface {
	ListBlacklist(ctx context.Context) ([]*storage.BlacklistEntry, error)
}

// Stats reports the loaded keyword count per category.
type Stats struct {
	ByCategory map[storage.Category]int
	Total      int
}

// Result is the outcome of matching one product.
type Result struct {
	Matched      map[storage.Category][]string
	HasViolation bool
}

// Matcher holds an in-memory index of normalised keywords per category.
// The index is rebuilt only by Load. It is safe for concurrent use.
type Matcher struct {
	source Source
	logger *slog.Logger

	mu    sync.RWMutex
	index map[storage.Category][]string // sorted, unique
}

// NewMatcher creates a matcher with an empty index.
func NewMatcher(source Source, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{source: source, logger: logger, index: emptyIndex()}
}

func emptyIndex() map[storage.Category][]string {
	idx := make(map[storage.Category][]string, len(storage.Categories))
	for _, c := range storage.Categories {
		idx[c] = nil
	}
	return idx
}

// Load rebuilds the index from the source.
func (m *Matcher) Load(ctx context.Context) (Stats, error) {
	entries, err := m.source.ListBlacklist(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("analyzer: load blacklist: %w", err)
	}
	m.Build(entries)
	stats := m.Stats()
	m.logger.Info("blacklist loaded",
		"brand", stats.ByCategory[storage.CategoryBrand],
		"product", stats.ByCategory[storage.CategoryProduct],
		"tro", stats.ByCategory[storage.CategoryTRO],
		"seller", stats.ByCategory[storage.CategorySeller],
		"total", stats.Total,
	)
	return stats, nil
}

// Build replaces the index with entries. Unknown categories and keywords
// that normalise to nothing are ignored.
func (m *Matcher) Build(entries []*storage.BlacklistEntry) {
	sets := make(map[storage.Category]map[string]struct{}, len(storage.Categories))
	for _, e := range entries {
		if e == nil || !e.Category.Valid() {
			continue
		}
		kw := NormalizeText(e.Keyword)
		if kw == "" {
			continue
		}
		if sets[e.Category] == nil {
			sets[e.Category] = make(map[string]struct{})
		}
		sets[e.Category][kw] = struct{}{}
	}

	idx := emptyIndex()
	for c, set := range sets {
		list := make([]string, 0, len(set))
		for kw := range set {
			list = append(list, kw)
		}
		sort.Strings(list)
		idx[c] = list
	}

	m.mu.Lock()
	m.index = idx
	m.mu.Unlock()
}

// Stats returns the keyword count per category and in total.
func (m *Matcher) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{ByCategory: make(map[storage.Category]int, len(m.index))}
	for c, list := range m.index {
		s.ByCategory[c] = len(list)
		s.Total += len(list)
	}
	return s
}

// NormalizeText decodes HTML entities, including nested encodings such as
// "&amp;#39;", lowercases, collapses whitespace runs and trims. The steps
// repeat until the text stops changing, so the result is a fixed point.
func NormalizeText(text string) string {
	for {
		next := strings.Join(strings.Fields(strings.ToLower(html.UnescapeString(text))), " ")
		if next == text {
			return next
		}
		text = next
	}
}

// MatchText returns every keyword of category contained in text, sorted.
func (m *Matcher) MatchText(text string, category storage.Category) []string {
	if text == "" {
		return nil
	}
	return m.matchNormalized(NormalizeText(text), category)
}

func (m *Matcher) matchNormalized(text string, category storage.Category) []string {
	if text == "" {
		return nil
	}
	m.mu.RLock()
	keywords := m.index[category]
	m.mu.RUnlock()

	var hits []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// BrandAttribute returns the value of the "brand" attribute, matching the
// key case-insensitively.
func BrandAttribute(attrs map[string]string) string {
	for k, v := range attrs {
		if strings.EqualFold(strings.TrimSpace(k), "brand") {
			return v
		}
	}
	return ""
}

// Match checks a product against every category. Brand, product and tro
// keywords are searched in the title, bullets and description; brand also
// sees the brand attribute, and seller keywords only the seller name.
func (m *Matcher) Match(p *storage.Product) Result {
	res := Result{Matched: make(map[storage.Category][]string, len(storage.Categories))}
	for _, c := range storage.Categories {
		res.Matched[c] = []string{}
	}
	if p == nil {
		return res
	}

	parts := make([]string, 0, len(p.Bullets)+2)
	parts = append(parts, p.Title)
	parts = append(parts, p.Bullets...)
	parts = append(parts, p.Description)
	text := NormalizeText(strings.Join(parts, " "))
	brandText := NormalizeText(text + " " + BrandAttribute(p.Attributes))

	collect := func(c storage.Category, hits []string) {
		if len(hits) > 0 {
			res.Matched[c] = hits
			res.HasViolation = true
		}
	}
	collect(storage.CategoryBrand, m.matchNormalized(brandText, storage.CategoryBrand))
	collect(storage.CategoryProduct, m.matchNormalized(text, storage.CategoryProduct))
	collect(storage.CategoryTRO, m.matchNormalized(text, storage.CategoryTRO))
	collect(storage.CategorySeller, m.MatchText(p.SellerName, storage.CategorySeller))
	return res
}
