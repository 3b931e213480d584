package ingestion

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrorKind classifies why a record was rejected.
type ErrorKind string

// Rejection kinds reported in a ValidationReport.
const (
	KindEmptyTitle       ErrorKind = "EmptyTitle"
	KindMissingField     ErrorKind = "MissingField"
	KindInvalidField     ErrorKind = "InvalidField"
	KindInvalidIsland    ErrorKind = "InvalidIsland"
	KindInvalidShowtime  ErrorKind = "InvalidShowtime"
	KindInvalidTimestamp ErrorKind = "InvalidTimestamp"
)

const (
	// DefaultSuspiciousShowtimes is the showtime count above which a record is flagged.
	DefaultSuspiciousShowtimes = 50

	// summaryRecordLimit caps how many rejected records Summary lists.
	summaryRecordLimit = 5

	dateLayout = "2006-01-02"
)

// ErrInvalidShowtime is wrapped by every showtime parse failure.
var ErrInvalidShowtime = errors.New("invalid showtime")

// timePattern accepts H:MM and HH:MM with an optional AM/PM marker.
var timePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?:\s?([AaPp][Mm]))?$`)

// scrapedAtLayouts are the ISO-8601 forms collectors emit, with either a T or a space
// between date and time. They are tried in order. Layouts without an offset are read
// in the catalog location; a bare date means midnight there.
var scrapedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	dateLayout,
}

type (
	// RecordError describes one problem with one input record.
	RecordError struct {
		Index   int       `json:"index"`
		Title   string    `json:"title,omitempty"`
		Cinema  string    `json:"cinema,omitempty"`
		Field   string    `json:"field"`
		Message string    `json:"message"`
		Kind    ErrorKind `json:"kind"`
	}

	// RecordWarning flags an accepted record that looks suspicious.
	RecordWarning struct {
		Index   int    `json:"index"`
		Title   string `json:"title,omitempty"`
		Cinema  string `json:"cinema,omitempty"`
		Message string `json:"message"`
	}

	// ValidationReport is the outcome of validating one batch.
	ValidationReport struct {
		Total    int             `json:"total"`
		Valid    int             `json:"valid"`
		Invalid  int             `json:"invalid"`
		Errors   []RecordError   `json:"errors"`
		Warnings []RecordWarning `json:"warnings"`
	}

	// Validator normalizes and validates raw listings. It is safe for concurrent use.
	Validator struct {
		fields     *validator.Validate
		now        func() time.Time
		location   *time.Location
		suspicious int
	}

	// ValidatorOption configures a Validator.
	ValidatorOption func(*Validator)

	// listing holds the scalar fields of a record after type coercion, for tag validation.
	listing struct {
		Title     string `validate:"required,max=500"`
		Link      string `validate:"omitempty,max=1000"`
		Cinema    string `validate:"required,max=200"`
		Location  string `validate:"required,max=200"`
		Island    string `validate:"required,island"`
		Version   string `validate:"required,max=20"`
		RawText   string
		ScrapedAt string `validate:"required"`
	}
)

// fieldNames maps listing struct fields to input keys.
var fieldNames = map[string]string{
	"Title":     "title",
	"Link":      "link",
	"Cinema":    "cinema",
	"Location":  "location",
	"Island":    "island",
	"Version":   "version",
	"RawText":   "raw_text",
	"ScrapedAt": "scraped_at",
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %s: %s", e.Index, e.Field, e.Message)
}

// WithClock sets the clock used to date legacy showtimes.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// WithLocation sets the catalog time zone used for "today" and offset-less timestamps.
func WithLocation(loc *time.Location) ValidatorOption {
	return func(v *Validator) {
		if loc != nil {
			v.location = loc
		}
	}
}

// WithSuspiciousShowtimes sets the showtime count above which a record gets a warning.
func WithSuspiciousShowtimes(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.suspicious = n
		}
	}
}

// NewValidator creates a Validator. Defaults: wall clock, UTC, 50 showtimes threshold.
func NewValidator(opts ...ValidatorOption) *Validator {
	fields := validator.New(validator.WithRequiredStructEnabled())
	_ = fields.RegisterValidation("island", func(fl validator.FieldLevel) bool {
		return Island(fl.Field().String()).IsValid()
	})

	v := &Validator{
		fields:     fields,
		now:        time.Now,
		location:   time.UTC,
		suspicious: DefaultSuspiciousShowtimes,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Validate partitions a batch into accepted records and a report. A bad record never
// affects the others: it is listed in the report and left out of the accepted slice,
// which keeps input order.
func (v *Validator) Validate(raw []RawRecord) ([]Record, *ValidationReport) {
	report := &ValidationReport{
		Total:    len(raw),
		Errors:   []RecordError{},
		Warnings: []RecordWarning{},
	}
	accepted := make([]Record, 0, len(raw))
	today := v.now().In(v.location).Format(dateLayout)

	for i, item := range raw {
		record, errs := v.validateRecord(i, item, today)
		if len(errs) > 0 {
			report.Invalid++
			report.Errors = append(report.Errors, errs...)

			continue
		}

		if len(record.Showtimes) > v.suspicious {
			report.Warnings = append(report.Warnings, RecordWarning{
				Index:   i,
				Title:   record.Title,
				Cinema:  record.Cinema,
				Message: fmt.Sprintf("suspicious showtime count: %d", len(record.Showtimes)),
			})
		}

		report.Valid++

		accepted = append(accepted, record)
	}

	return accepted, report
}

func (v *Validator) validateRecord(index int, raw RawRecord, today string) (Record, []RecordError) {
	var errs []RecordError

	fail := func(field, message string, kind ErrorKind) {
		errs = append(errs, RecordError{
			Index:   index,
			Title:   collapse(stringOrEmpty(raw["title"])),
			Cinema:  collapse(stringOrEmpty(raw["cinema"])),
			Field:   field,
			Message: message,
			Kind:    kind,
		})
	}

	if raw == nil {
		fail("record", "record is null", KindMissingField)

		return Record{}, errs
	}

	var l listing

	for _, target := range []struct {
		key string
		dst *string
	}{
		{"title", &l.Title},
		{"link", &l.Link},
		{"cinema", &l.Cinema},
		{"location", &l.Location},
		{"island", &l.Island},
		{"version", &l.Version},
		{"raw_text", &l.RawText},
		{"scraped_at", &l.ScrapedAt},
	} {
		value, present := raw[target.key]
		if !present || value == nil {
			continue
		}

		s, ok := value.(string)
		if !ok {
			fail(target.key, fmt.Sprintf("must be a string, got %T", value), KindInvalidField)

			continue
		}

		*target.dst = s
	}

	l.Title = collapse(l.Title)
	l.Cinema = collapse(l.Cinema)
	l.Location = collapse(l.Location)
	l.Island = strings.TrimSpace(l.Island)
	l.Link = strings.TrimSpace(l.Link)
	l.Version = strings.TrimSpace(l.Version)
	l.ScrapedAt = strings.TrimSpace(l.ScrapedAt)

	if l.Version == "" {
		l.Version = DefaultVersion
	}

	if err := v.fields.Struct(&l); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			fail("record", err.Error(), KindInvalidField)
		}

		for _, fe := range fieldErrs {
			field := fieldNames[fe.StructField()]
			message, kind := describeFieldError(fe)
			fail(field, message, kind)
		}
	}

	var scrapedAt time.Time

	if l.ScrapedAt != "" {
		parsed, err := v.parseTimestamp(l.ScrapedAt)
		if err != nil {
			fail("scraped_at", err.Error(), KindInvalidTimestamp)
		}

		scrapedAt = parsed
	}

	slots, err := parseShowtimes(raw["showtimes"], today)
	if err != nil {
		kind := KindInvalidShowtime
		if _, present := raw["showtimes"]; !present {
			kind = KindMissingField
		}

		fail("showtimes", err.Error(), kind)
	}

	if len(errs) > 0 {
		return Record{}, errs
	}

	return Record{
		Title:     l.Title,
		Link:      l.Link,
		Cinema:    l.Cinema,
		Location:  l.Location,
		Island:    Island(l.Island),
		Version:   l.Version,
		RawText:   l.RawText,
		ScrapedAt: scrapedAt,
		Showtimes: slots,
	}, nil
}

func (v *Validator) parseTimestamp(value string) (time.Time, error) {
	for _, layout := range scrapedAtLayouts {
		var (
			t   time.Time
			err error
		)

		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, value)
		} else {
			t, err = time.ParseInLocation(layout, value, v.location)
		}

		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", value)
}

// describeFieldError maps a validator tag failure to a message and rejection kind.
func describeFieldError(fe validator.FieldError) (string, ErrorKind) {
	switch {
	case fe.StructField() == "Title" && fe.Tag() == "required":
		return "title is empty", KindEmptyTitle
	case fe.StructField() == "Island":
		if fe.Tag() == "required" {
			return "island is required", KindInvalidIsland
		}

		return fmt.Sprintf("unknown island %q (valid: Mallorca, Menorca, Ibiza, Formentera)", fe.Value()),
			KindInvalidIsland
	case fe.Tag() == "required":
		return "is required", KindMissingField
	case fe.Tag() == "max":
		return fmt.Sprintf("exceeds %s characters", fe.Param()), KindInvalidField
	default:
		return fmt.Sprintf("failed %q check", fe.Tag()), KindInvalidField
	}
}

// ParseShowtimeEntry turns one element of a showtimes array into its typed form.
func ParseShowtimeEntry(value any) (ShowtimeEntry, error) {
	switch entry := value.(type) {
	case string:
		t, err := NormalizeTime(entry)
		if err != nil {
			return nil, err
		}

		return LegacyEntry{Time: t}, nil
	case RawRecord:
		return ParseShowtimeEntry(map[string]any(entry))
	case map[string]any:
		date, _ := entry["date"].(string)
		clock, _ := entry["time"].(string)

		if date == "" || clock == "" {
			return nil, fmt.Errorf("%w: object entries need string date and time", ErrInvalidShowtime)
		}

		d, err := NormalizeDate(date)
		if err != nil {
			return nil, err
		}

		t, err := NormalizeTime(clock)
		if err != nil {
			return nil, err
		}

		return DatedEntry{Date: d, Time: t}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported entry type %s", ErrInvalidShowtime, describeType(value))
	}
}

func parseShowtimes(value any, today string) ([]Slot, error) {
	items, ok := value.([]any)
	if times, isStrings := value.([]string); isStrings {
		items, ok = make([]any, len(times)), true
		for i, t := range times {
			items[i] = t
		}
	}

	if !ok {
		if value == nil {
			return nil, errors.New("showtimes is required")
		}

		return nil, fmt.Errorf("%w: showtimes must be a list, got %s", ErrInvalidShowtime, describeType(value))
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: showtimes list is empty", ErrInvalidShowtime)
	}

	slots := make([]Slot, 0, len(items))

	for i, item := range items {
		entry, err := ParseShowtimeEntry(item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		slots = append(slots, entry.Slot(today))
	}

	return slots, nil
}

// NormalizeTime converts H:MM, HH:MM or a meridiem time ("7:30 PM") to 24h HH:MM.
func NormalizeTime(value string) (string, error) {
	m := timePattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return "", fmt.Errorf("%w: malformed time %q", ErrInvalidShowtime, value)
	}

	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])

	if minute > 59 {
		return "", fmt.Errorf("%w: minute out of range in %q", ErrInvalidShowtime, value)
	}

	switch strings.ToUpper(m[3]) {
	case "":
		if hour > 23 {
			return "", fmt.Errorf("%w: hour out of range in %q", ErrInvalidShowtime, value)
		}
	case "AM", "PM":
		if hour < 1 || hour > 12 {
			return "", fmt.Errorf("%w: hour out of range in %q", ErrInvalidShowtime, value)
		}

		hour %= 12
		if strings.EqualFold(m[3], "PM") {
			hour += 12
		}
	}

	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}

// NormalizeDate checks a YYYY-MM-DD calendar date and returns it unchanged.
func NormalizeDate(value string) (string, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: malformed date %q", ErrInvalidShowtime, value)
	}

	return d.Format(dateLayout), nil
}

// Summary renders the report for logs. Every warning is listed; rejected records are
// listed with their errors, at most the first five records.
func (r *ValidationReport) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "validated %d records: %d valid, %d invalid", r.Total, r.Valid, r.Invalid)

	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "\nwarnings (%d):", len(r.Warnings))

		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "\n  - record %d (%s @ %s): %s", w.Index, w.Title, w.Cinema, w.Message)
		}
	}

	groups := groupErrors(r.Errors)
	if len(groups) == 0 {
		return b.String()
	}

	fmt.Fprintf(&b, "\nerrors (%d records):", len(groups))

	for i, group := range groups {
		if i == summaryRecordLimit {
			fmt.Fprintf(&b, "\n  ... and %d more records", len(groups)-summaryRecordLimit)

			break
		}

		first := group[0]
		fmt.Fprintf(&b, "\n  - record %d (%s @ %s): %d error(s)", first.Index, first.Title, first.Cinema, len(group))

		for _, e := range group {
			fmt.Fprintf(&b, "\n      %s: %s", e.Field, e.Message)
		}
	}

	return b.String()
}

// groupErrors splits errs into runs sharing a record index, keeping their order.
func groupErrors(errs []RecordError) [][]RecordError {
	var groups [][]RecordError

	for i, e := range errs {
		if i > 0 && errs[i-1].Index == e.Index {
			groups[len(groups)-1] = append(groups[len(groups)-1], e)

			continue
		}

		groups = append(groups, []RecordError{e})
	}

	return groups
}

// collapse trims and collapses internal whitespace runs to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stringOrEmpty(v any) string {
	s, _ := v.(string)

	return s
}

func describeType(v any) string {
	if v == nil {
		return "null"
	}

	return reflect.TypeOf(v).String()
}
