// Package cachekey derives user-independent cache keys for logical search
// queries. Every key a query needs (result page, id list, full record list,
// scan state, fill lock) comes from one normalized tuple, so the companion
// entries can never diverge from each other.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/leadgrid/leadgrid/internal/model"
)

var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize collapses text to one canonical form: trimmed, lowercased,
// diacritics folded, internal whitespace reduced to single spaces.
// Normalize is idempotent.
func Normalize(text string) string {
	folded, _, err := transform.String(foldDiacritics, text)
	if err != nil {
		// Transform only fails on malformed UTF-8; fall back to the input.
		folded = text
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// NewQuery builds the normalized identity of a search request. The city and
// keyword are normalized; the cursor passes through opaque.
func NewQuery(city, keyword string, deep bool, pageCursor string) model.SearchQuery {
	return model.SearchQuery{
		City:       Normalize(city),
		Keyword:    Normalize(keyword),
		Deep:       deep,
		PageCursor: pageCursor,
	}
}

// QueryHash is the shared digest every companion key is derived from. It
// deliberately contains no user identifier.
func QueryHash(q model.SearchQuery) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|deep=%t", q.City, q.Keyword, q.Deep)))
	return hex.EncodeToString(sum[:])[:16]
}

// ResultKey keys one cached response page for the query. The page cursor is
// part of the key so each page caches independently.
func ResultKey(q model.SearchQuery) string {
	cursor := q.PageCursor
	if cursor == "" {
		cursor = "p0"
	}
	return "lg:res:" + QueryHash(q) + ":" + cursor
}

// IDListKey keys the accumulated deduplication id list for a deep scan.
func IDListKey(q model.SearchQuery) string {
	return "lg:ids:" + QueryHash(q)
}

// RecordListKey keys the accumulated full-record list for a deep scan.
func RecordListKey(q model.SearchQuery) string {
	return "lg:list:" + QueryHash(q)
}

// ScanStateKey keys the resumable deep-scan cursor state.
func ScanStateKey(q model.SearchQuery) string {
	return "lg:scan:" + QueryHash(q)
}

// FillLockKey keys the single-flight fill lock for the query.
func FillLockKey(q model.SearchQuery) string {
	return "lg:lock:" + QueryHash(q)
}
