package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

// ErrEmptyNaturalKey is returned when a movie title or cinema name/location is empty.
var ErrEmptyNaturalKey = errors.New("natural key cannot be empty")

type (
	// VenueDirectory supplies optional details for cinemas seen for the first time.
	VenueDirectory interface {
		CinemaDetails(name, location string) (address, website string, ok bool)
	}

	// Resolver maps record natural keys to durable entity ids.
	//
	// Titles are matched by exact string equality after validation. Two different films
	// sharing a title resolve to the same movie.
	Resolver struct {
		venues VenueDirectory
	}
)

// NewResolver creates a Resolver. venues may be nil.
func NewResolver(venues VenueDirectory) *Resolver {
	return &Resolver{venues: venues}
}

// ResolveMovie returns the movie id for title inside tx, creating or backfilling the link as needed.
func (r *Resolver) ResolveMovie(ctx context.Context, tx Tx, title, link string) (int64, error) {
	if title == "" {
		return 0, fmt.Errorf("%w: movie title", ErrEmptyNaturalKey)
	}

	id, err := tx.ResolveMovie(ctx, title, link)
	if err != nil {
		return 0, fmt.Errorf("resolve movie %q: %w", title, err)
	}

	return id, nil
}

// ResolveCinema returns the cinema id for (name, location) inside tx.
func (r *Resolver) ResolveCinema(ctx context.Context, tx Tx, name, location string, island ingestion.Island) (int64, error) {
	if name == "" || location == "" {
		return 0, fmt.Errorf("%w: cinema name and location", ErrEmptyNaturalKey)
	}

	key := CinemaKey{Name: name, Location: location, Island: island}
	if r.venues != nil {
		if address, website, ok := r.venues.CinemaDetails(name, location); ok {
			key.Address = address
			key.Website = website
		}
	}

	id, err := tx.ResolveCinema(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("resolve cinema %q (%s): %w", name, location, err)
	}

	return id, nil
}

// resolveRecord resolves both identities of a record.
func (r *Resolver) resolveRecord(ctx context.Context, tx Tx, rec ingestion.Record) (int64, int64, error) {
	movieID, err := r.ResolveMovie(ctx, tx, rec.Title, rec.Link)
	if err != nil {
		return 0, 0, err
	}

	cinemaID, err := r.ResolveCinema(ctx, tx, rec.Cinema, rec.Location, rec.Island)
	if err != nil {
		return 0, 0, err
	}

	return movieID, cinemaID, nil
}
