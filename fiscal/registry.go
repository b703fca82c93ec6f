package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry resolves and creates financial years on top of a FinancialYearStore.
// Year ranges are trusted as supplied: overlap and gaps are not validated.
type Registry struct {
	store FinancialYearStore
	now   func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the source of "today".
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over store.
func NewRegistry(store FinancialYearStore, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Today returns the registry's notion of the current date.
func (r *Registry) Today() time.Time {
	return Day(r.now())
}

// List returns all years ordered by start date ascending.
func (r *Registry) List(ctx context.Context) ([]FinancialYear, error) {
	return r.store.ListFinancialYears(ctx)
}

// Get returns the year with the given id, or nil when unknown.
func (r *Registry) Get(ctx context.Context, id string) (*FinancialYear, error) {
	return r.store.GetFinancialYear(ctx, id)
}

// Create inserts a year. Inserting an id that already exists is a no-op.
func (r *Registry) Create(ctx context.Context, fy FinancialYear) error {
	if err := fy.Validate(); err != nil {
		return err
	}
	if fy.Label == "" {
		start, _ := ParseID(fy.ID)
		fy.Label = LabelFor(start)
	}
	err := r.store.InsertFinancialYear(ctx, fy)
	if errors.Is(err, ErrDuplicateResource) {
		return nil
	}
	return err
}

// Current returns the year containing today. If none does, it falls back to
// the most recently ended year. Returns nil when neither exists.
func (r *Registry) Current(ctx context.Context) (*FinancialYear, error) {
	years, err := r.store.ListFinancialYears(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list financial years: %w", err)
	}
	return currentOf(years, r.Today()), nil
}

func currentOf(years []FinancialYear, today time.Time) *FinancialYear {
	var lastEnded *FinancialYear
	for i := range years {
		fy := years[i]
		if fy.Contains(today) {
			return &fy
		}
		if fy.EndDate.Before(today) && (lastEnded == nil || fy.EndDate.After(lastEnded.EndDate)) {
			lastEnded = &fy
		}
	}
	return lastEnded
}

// EnsureCurrent returns Current, creating and persisting the default year
// for today when nothing can be resolved.
func (r *Registry) EnsureCurrent(ctx context.Context) (*FinancialYear, error) {
	fy, err := r.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFinancialYearAvailable, err)
	}
	if fy != nil {
		return fy, nil
	}

	def := YearFor(r.Today())
	if err := r.Create(ctx, def); err != nil {
		return nil, fmt.Errorf("%w: failed to create default year %s: %v", ErrNoFinancialYearAvailable, def.ID, err)
	}
	log.Info().Str("financial_year", def.ID).Msg("created default financial year")

	stored, err := r.store.GetFinancialYear(ctx, def.ID)
	if err != nil || stored == nil {
		return nil, fmt.Errorf("%w: default year %s not readable", ErrNoFinancialYearAvailable, def.ID)
	}
	return stored, nil
}

// ForDate returns the year containing date, creating the derived default
// year when the registry has none.
func (r *Registry) ForDate(ctx context.Context, date time.Time) (*FinancialYear, error) {
	years, err := r.store.ListFinancialYears(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list financial years: %w", err)
	}
	for i := range years {
		if years[i].Contains(date) {
			fy := years[i]
			return &fy, nil
		}
	}

	def := YearFor(date)
	if err := r.Create(ctx, def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFinancialYearAvailable, err)
	}
	stored, err := r.store.GetFinancialYear(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFinancialYearAvailable, def.ID)
	}
	if !stored.Contains(date) {
		log.Warn().
			Str("financial_year", stored.ID).
			Str("date", date.Format(DateLayout)).
			Msg("registered year with derived id does not contain date")
	}
	return stored, nil
}
