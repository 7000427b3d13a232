package model

import (
	"encoding/json"
	"time"
)

// ProviderPlace is the raw shape returned by the Places Text Search API.
// It is mapped into a Place before anything is persisted.
type ProviderPlace struct {
	ID               string          `json:"id"`
	DisplayName      DisplayName     `json:"displayName"`
	FormattedAddress string          `json:"formattedAddress"`
	Location         ProviderLatLng  `json:"location"`
	Rating           float64         `json:"rating"`
	UserRatingCount  int             `json:"userRatingCount"`
	WebsiteURI       string          `json:"websiteUri"`
	NationalPhone    string          `json:"nationalPhoneNumber"`
	Types            []string        `json:"types"`
	Raw              json.RawMessage `json:"-"`
}

// DisplayName holds a place's localized display name.
type DisplayName struct {
	Text string `json:"text"`
}

// ProviderLatLng is the provider's coordinate encoding.
type ProviderLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is the persisted, user-independent snapshot of a business. It is the
// only record shape allowed into the shared cache: it carries no entitlement
// state, no emails, and no enrichment job references.
type Place struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Location    LatLng          `json:"location"`
	Rating      float64         `json:"rating"`
	RatingCount int             `json:"rating_count"`
	Website     string          `json:"website,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Types       []string        `json:"types,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	ScrapedAt   time.Time       `json:"scraped_at"`
}

// UserPlace is the user-facing view of a Place: the shared snapshot plus
// per-user entitlement state and the latest enrichment snapshot, joined at
// read time. It is never written to the shared cache.
type UserPlace struct {
	Place
	Unlocked        bool     `json:"unlocked"`
	Emails          []string `json:"emails,omitempty"`
	MaskedEmails    []string `json:"masked_emails,omitempty"`
	EmailConfidence float64  `json:"email_confidence,omitempty"`
	EnrichmentJobID string   `json:"enrichment_job_id,omitempty"`
}

// FromProvider maps a raw provider record into the persisted snapshot.
func FromProvider(p ProviderPlace, scrapedAt time.Time) Place {
	return Place{
		ID:          p.ID,
		Name:        p.DisplayName.Text,
		Address:     p.FormattedAddress,
		Location:    LatLng{Lat: p.Location.Latitude, Lng: p.Location.Longitude},
		Rating:      p.Rating,
		RatingCount: p.UserRatingCount,
		Website:     p.WebsiteURI,
		Phone:       p.NationalPhone,
		Types:       p.Types,
		Raw:         p.Raw,
		ScrapedAt:   scrapedAt,
	}
}

// CachedResultSet is one page of shared search results as stored in the fast
// cache and the durable fallback table. Records are always the sanitized
// Place form; the enriched per-user form exists only in responses.
type CachedResultSet struct {
	Records   []Place `json:"records"`
	NextToken string  `json:"next_token,omitempty"`
}

// Entitlement is the per-user relation row for one place.
type Entitlement struct {
	UserID     string    `json:"user_id"`
	PlaceID    string    `json:"place_id"`
	Unlocked   bool      `json:"unlocked"`
	UnlockedAt time.Time `json:"unlocked_at,omitempty"`
}

// Enrichment is the latest contact-enrichment snapshot for a place,
// maintained by the out-of-scope scraper worker.
type Enrichment struct {
	PlaceID    string   `json:"place_id"`
	Emails     []string `json:"emails"`
	Confidence float64  `json:"confidence"`
	JobID      string   `json:"job_id"`
}
