// Package ingestion provides the showtime ingestion record model and batch validation.
//
// Collectors emit loosely typed listings (RawRecord). The Validator turns a batch of
// them into typed Records whose showtimes are already resolved to concrete slots, and
// a ValidationReport describing everything it rejected.
package ingestion

import (
	"time"
)

// DefaultVersion is the version tag applied when a listing does not specify one.
const DefaultVersion = "VOSE"

type (
	// RawRecord is one listing exactly as a collector produced it.
	RawRecord map[string]any

	// Island is the island a cinema is located on.
	Island string

	// Record is a validated listing. Title, cinema and location are trimmed and
	// whitespace-collapsed. Showtimes keeps input order and may repeat a slot.
	Record struct {
		Title     string
		Link      string
		Cinema    string
		Location  string
		Island    Island
		Version   string
		RawText   string
		ScrapedAt time.Time
		Showtimes []Slot
	}

	// Slot is a canonical (date, time) pair. Date is YYYY-MM-DD and Time is 24h HH:MM,
	// so string comparison orders slots chronologically.
	Slot struct {
		Date string
		Time string
	}

	// ShowtimeEntry is one element of a listing's showtimes array. It is either a
	// LegacyEntry (bare time, date implied by the ingestion clock) or a DatedEntry.
	ShowtimeEntry interface {
		// Slot resolves the entry to a concrete slot given the ingestion date.
		Slot(today string) Slot
		isShowtimeEntry()
	}

	// LegacyEntry is a bare "HH:MM" showtime. Its date is the ingestion date.
	LegacyEntry struct {
		Time string
	}

	// DatedEntry is a {date, time} showtime.
	DatedEntry struct {
		Date string
		Time string
	}
)

// Islands served by the catalog.
const (
	IslandMallorca   Island = "Mallorca"
	IslandMenorca    Island = "Menorca"
	IslandIbiza      Island = "Ibiza"
	IslandFormentera Island = "Formentera"
)

// ValidIslands returns every island the catalog accepts.
func ValidIslands() []Island {
	return []Island{
		IslandMallorca,
		IslandMenorca,
		IslandIbiza,
		IslandFormentera,
	}
}

// IsValid reports whether the island is one of ValidIslands.
func (i Island) IsValid() bool {
	for _, valid := range ValidIslands() {
		if i == valid {
			return true
		}
	}

	return false
}

func (i Island) String() string {
	return string(i)
}

// Slot implements ShowtimeEntry.
func (e LegacyEntry) Slot(today string) Slot {
	return Slot{Date: today, Time: e.Time}
}

// Slot implements ShowtimeEntry.
func (e DatedEntry) Slot(string) Slot {
	return Slot{Date: e.Date, Time: e.Time}
}

func (LegacyEntry) isShowtimeEntry() {}
func (DatedEntry) isShowtimeEntry()  {}

// DedupeSlots returns slots with repeats removed, keeping the first occurrence of each.
func DedupeSlots(slots []Slot) []Slot {
	seen := make(map[Slot]struct{}, len(slots))
	out := make([]Slot, 0, len(slots))

	for _, slot := range slots {
		if _, ok := seen[slot]; ok {
			continue
		}

		seen[slot] = struct{}{}
		out = append(out, slot)
	}

	return out
}

// Batch is one collector's scrape output, the unit of one ingestion cycle.
type Batch struct {
	Collector string      `json:"collector"`
	Records   []RawRecord `json:"records"`
}
