package period

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Category names a reporting window.
type Category string

const (
	// CurrentMonth covers the first to the last day of the current month.
	CurrentMonth Category = "current_month"
	// PreviousMonth covers the month before the current one.
	PreviousMonth Category = "previous_month"
	// CurrentYear covers January 1st to December 31st of the current year.
	CurrentYear Category = "current_year"
	// PreviousYear covers the year before the current one.
	PreviousYear Category = "previous_year"
	// Custom uses explicitly supplied start and end dates.
	Custom Category = "custom"
)

// DateLayout is the calendar date format used on the wire.
const DateLayout = "2006-01-02"

var (
	// ErrUnknownCategory is returned for categories outside the known set.
	ErrUnknownCategory = errors.New("unknown period category")
	// ErrNotCustom is returned when explicit dates are set outside the custom category.
	ErrNotCustom = errors.New("period category is not custom")
	// ErrInvalidDate is returned for date input that is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("invalid date")
)

// Bound selects which end of a custom range is being edited.
type Bound int

const (
	// Start is the first day of the range.
	Start Bound = iota
	// End is the last day of the range, inclusive.
	End
)

// Categories lists all known categories in display order.
func Categories() []Category {
	return []Category{CurrentMonth, PreviousMonth, CurrentYear, PreviousYear, Custom}
}

// ParseCategory validates a raw category name.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
	return c, nil
}

// Known reports whether the category is part of the supported set.
func (c Category) Known() bool {
	switch c {
	case CurrentMonth, PreviousMonth, CurrentYear, PreviousYear, Custom:
		return true
	default:
		return false
	}
}

// Title returns a short human readable name.
func (c Category) Title() string {
	switch c {
	case CurrentMonth:
		return "Current month"
	case PreviousMonth:
		return "Previous month"
	case CurrentYear:
		return "Current year"
	case PreviousYear:
		return "Previous year"
	case Custom:
		return "Custom period"
	default:
		return "Select period"
	}
}

// ParseDate parses a YYYY-MM-DD calendar date in the given location.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: expected YYYY-MM-DD", ErrInvalidDate, raw)
	}
	return t, nil
}

// Descriptor is a snapshot of a resolved reporting period.
type Descriptor struct {
	Category           Category   `json:"type"`
	StartDate          *time.Time `json:"start_date"`
	EndDate            *time.Time `json:"end_date"`
	StartDateFormatted string     `json:"start_date_formatted,omitempty"`
	EndDateFormatted   string     `json:"end_date_formatted,omitempty"`
}

// Complete reports whether both dates are present.
func (d *Descriptor) Complete() bool {
	return d != nil && d.StartDate != nil && d.EndDate != nil
}

// Valid reports whether both dates are present and ordered.
func (d *Descriptor) Valid() bool {
	return d.Complete() && !d.StartDate.After(*d.EndDate)
}

// SpanDays returns the number of calendar days between start and end.
func (d *Descriptor) SpanDays() (int, bool) {
	if !d.Complete() {
		return 0, false
	}
	return daysBetween(*d.StartDate, *d.EndDate), true
}

// APIDates returns the wire formatted dates when both are present.
func (d *Descriptor) APIDates() (string, string, bool) {
	if !d.Complete() {
		return "", "", false
	}
	return d.StartDate.Format(DateLayout), d.EndDate.Format(DateLayout), true
}

// Query renders the period as query parameters. Incomplete or mis-ordered
// custom ranges contribute nothing.
func (d *Descriptor) Query() url.Values {
	values := url.Values{}
	if d == nil || !d.Category.Known() {
		return values
	}
	if d.Category != Custom {
		values.Set("period_type", string(d.Category))
		return values
	}
	if !d.Valid() {
		return values
	}
	start, end, _ := d.APIDates()
	values.Set("period_type", string(Custom))
	values.Set("start_date", start)
	values.Set("end_date", end)
	return values
}

// Label describes the period for status displays.
func (d *Descriptor) Label() string {
	if d == nil || !d.Category.Known() {
		return Category("").Title()
	}
	if d.Complete() {
		start, end, _ := d.APIDates()
		return fmt.Sprintf("%s (%s - %s)", d.Category.Title(), start, end)
	}
	if d.Category == Custom {
		return "Select dates"
	}
	return d.Category.Title()
}

// Resolver holds the active period selection. It is safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	now      func() time.Time
	category Category
	start    *time.Time
	end      *time.Time
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClock overrides the wall clock used to derive calendar boundaries.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver creates a resolver initialised to the current month.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	_ = r.SetCategory(CurrentMonth)
	return r
}

// SetCategory switches the active category. Non-custom categories derive their
// dates immediately; custom keeps whatever dates were last entered.
func (r *Resolver) SetCategory(c Category) error {
	if !c.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, string(c))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.category = c
	if c == Custom {
		return nil
	}
	start, end := Bounds(c, r.now())
	r.start = &start
	r.end = &end
	return nil
}

// SetCustomDate sets one end of the custom range; nil clears it.
func (r *Resolver) SetCustomDate(which Bound, date *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.category != Custom {
		return ErrNotCustom
	}
	var value *time.Time
	if date != nil {
		d := truncateDay(*date)
		value = &d
	}
	switch which {
	case Start:
		r.start = value
	case End:
		r.end = value
	default:
		return fmt.Errorf("unknown bound %d", which)
	}
	return nil
}

// ClearDates drops both dates without touching the category.
func (r *Resolver) ClearDates() {
	r.mu.Lock()
	r.start = nil
	r.end = nil
	r.mu.Unlock()
}

// Category returns the active category.
func (r *Resolver) Category() Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.category
}

// Descriptor returns a copy of the current period.
func (r *Resolver) Descriptor() Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := Descriptor{Category: r.category}
	if r.start != nil {
		s := *r.start
		d.StartDate = &s
	}
	if r.end != nil {
		e := *r.end
		d.EndDate = &e
	}
	if start, end, ok := d.APIDates(); ok {
		d.StartDateFormatted = start
		d.EndDateFormatted = end
	}
	return d
}

// IsValid reports whether both dates are present and ordered.
func (r *Resolver) IsValid() bool {
	d := r.Descriptor()
	return d.Valid()
}

// Bounds returns the inclusive first and last day of a non-custom category
// relative to now. Custom and unknown categories return zero times.
func Bounds(c Category, now time.Time) (time.Time, time.Time) {
	loc := now.Location()
	year, month, _ := now.Date()
	switch c {
	case CurrentMonth:
		start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, -1)
	case PreviousMonth:
		// time.Date normalises month 0 to December of the previous year.
		start := time.Date(year, month-1, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, -1)
	case CurrentYear:
		return time.Date(year, time.January, 1, 0, 0, 0, 0, loc), time.Date(year, time.December, 31, 0, 0, 0, 0, loc)
	case PreviousYear:
		return time.Date(year-1, time.January, 1, 0, 0, 0, 0, loc), time.Date(year-1, time.December, 31, 0, 0, 0, 0, loc)
	default:
		return time.Time{}, time.Time{}
	}
}

func truncateDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	start := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	end := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
