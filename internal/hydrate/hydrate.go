// Package hydrate converts between the shared, user-independent place
// snapshots and the per-user view returned to callers. Sanitize strips
// everything user-specific before a record may enter the shared cache;
// HydrateForUser joins entitlement and enrichment state back in at read
// time.
package hydrate

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/store"
)

// Hydrator joins per-user state onto shared place records.
type Hydrator struct {
	store store.Store
}

// New creates a Hydrator over the durable store.
func New(st store.Store) *Hydrator {
	return &Hydrator{store: st}
}

// Sanitize reduces records to the shared snapshot form. It is idempotent:
// sanitizing already-clean records returns them unchanged.
func Sanitize(records []model.UserPlace) []model.Place {
	out := make([]model.Place, len(records))
	for i, r := range records {
		out[i] = r.Place
	}
	return out
}

// ForUser builds the per-user view of shared records: entitlement state is
// joined in, missing relation rows are lazily created locked, and contact
// emails are masked unless the user has unlocked the place.
func (h *Hydrator) ForUser(ctx context.Context, userID string, records []model.Place) ([]model.UserPlace, error) {
	if len(records) == 0 {
		return []model.UserPlace{}, nil
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	if err := h.store.EnsureEntitlements(ctx, userID, ids); err != nil {
		return nil, eris.Wrap(err, "hydrate: ensure entitlements")
	}
	entitlements, err := h.store.GetEntitlements(ctx, userID, ids)
	if err != nil {
		return nil, eris.Wrap(err, "hydrate: get entitlements")
	}
	enrichments, err := h.store.GetEnrichments(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "hydrate: get enrichments")
	}

	out := make([]model.UserPlace, len(records))
	for i, r := range records {
		up := model.UserPlace{Place: r}
		up.Unlocked = entitlements[r.ID].Unlocked

		if enr, ok := enrichments[r.ID]; ok {
			up.EmailConfidence = enr.Confidence
			up.EnrichmentJobID = enr.JobID
			if up.Unlocked {
				up.Emails = enr.Emails
			} else {
				up.MaskedEmails = maskEmails(enr.Emails)
			}
		}
		out[i] = up
	}
	return out, nil
}

func maskEmails(emails []string) []string {
	if len(emails) == 0 {
		return nil
	}
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = maskEmail(e)
	}
	return out
}

// maskEmail hides the local part of an address while keeping enough shape
// for the user to judge whether unlocking is worth it: first rune, stars,
// full domain.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at:]
	runes := []rune(local)
	if len(runes) == 1 {
		return "*" + domain
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1) + domain
}
