// Package recipients turns roster rows into notification targets for one
// calendar day and category.
package recipients

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"rotarydesk/internal/db"
	"rotarydesk/internal/types"
)

// CelebrantStore is the read side of the roster the resolver depends on.
// *db.PersonRepository satisfies it.
type CelebrantStore interface {
	FindCelebrants(ctx context.Context, q db.CelebrantQuery) ([]*types.Person, error)
}

var _ CelebrantStore = (*db.PersonRepository)(nil)

// QueryError reports a failed roster query for one category.
type QueryError struct {
	Kind types.CategoryKind
	Day  types.Day
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("resolve %s recipients for %s: %v", e.Kind, e.Day, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Resolver selects recipients for a day.
type Resolver struct {
	store  CelebrantStore
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store CelebrantStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the recipients of category on day. A store failure is
// returned as *QueryError; no matching rows yield an empty, non-nil slice.
func (r *Resolver) Resolve(ctx context.Context, day types.Day, category types.Category) ([]types.Recipient, error) {
	q := db.CelebrantQuery{From: day, To: day, ActiveOnly: true}

	switch c := category.(type) {
	case types.MemberBirthday:
		q.Field = db.FieldDOB
		q.Type = types.PersonTypeMember
		q.RequirePoster = c.RequirePoster
	case types.SpouseBirthday:
		q.Field = db.FieldDOB
		q.Type = types.PersonTypeSpouse
		q.RequirePoster = c.RequirePoster
	case types.Anniversary:
		q.Field = db.FieldAnniversary
		if c.Strategy != types.AnniversaryAnySide {
			q.Type = types.PersonTypeMember
		}
	default:
		return nil, &QueryError{Day: day, Err: fmt.Errorf("unsupported category %T", category)}
	}

	rows, err := r.store.FindCelebrants(ctx, q)
	if err != nil {
		return nil, &QueryError{Kind: category.Kind(), Day: day, Err: err}
	}

	out := make([]types.Recipient, 0, len(rows))
	for _, p := range rows {
		rec, ok := toRecipient(p, category.Kind())
		if !ok {
			continue
		}
		out = append(out, rec)
	}

	if c, ok := category.(types.Anniversary); ok && c.Dedupe {
		out = Dedupe(out)
	}
	return out, nil
}

// toRecipient projects a row onto the fields its category needs. Anniversary
// rows without an active partner are rejected.
func toRecipient(p *types.Person, kind types.CategoryKind) (types.Recipient, bool) {
	rec := types.Recipient{
		ID:    p.ID,
		Name:  p.Name,
		Email: p.Email,
		Phone: p.Phone,
		Club:  p.Club,
		Role:  p.Role,
		Kind:  kind,
	}
	switch kind {
	case types.KindSpouse:
		if p.Partner != nil {
			rec.Partner = &types.PartnerRef{ID: p.Partner.ID, Name: p.Partner.Name}
		}
	case types.KindAnniversary:
		if p.Partner == nil || !p.Partner.Active {
			return types.Recipient{}, false
		}
		partner := *p.Partner
		rec.Partner = &partner
		rec.AnnPoster = p.AnnPoster
	}
	return rec, true
}

// DaySet holds the recipients of every category resolved for one day.
type DaySet struct {
	Day           types.Day
	Members       []types.Recipient
	Spouses       []types.Recipient
	Anniversaries []types.Recipient
}

// Total is the number of recipients across all categories.
func (s DaySet) Total() int {
	return len(s.Members) + len(s.Spouses) + len(s.Anniversaries)
}

// ResolveDay resolves every category concurrently. A category whose query
// fails is logged and left empty; the other categories are unaffected.
func (r *Resolver) ResolveDay(ctx context.Context, day types.Day, categories ...types.Category) DaySet {
	set := DaySet{Day: day}
	results := make([][]types.Recipient, len(categories))

	var g errgroup.Group
	for i, c := range categories {
		g.Go(func() error {
			recs, err := r.Resolve(ctx, day, c)
			if err != nil {
				r.logger.ErrorContext(ctx, "recipient query failed; continuing with empty category",
					"category", string(c.Kind()),
					"day", day.String(),
					"error", err,
				)
				return nil
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range categories {
		recs := results[i]
		if recs == nil {
			recs = []types.Recipient{}
		}
		switch c.Kind() {
		case types.KindMember:
			set.Members = recs
		case types.KindSpouse:
			set.Spouses = recs
		case types.KindAnniversary:
			set.Anniversaries = recs
		}
	}
	return set
}
