package storage

import (
	"time"

	"github.com/Samcfuchs/mta-viz/model"
)

type Storage interface {
	// Retrieves all feed metadata records matching the given
	// filter, most recently retrieved first.
	ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error)

	// Writes a FeedMetadata record. If a record with the same URL
	// and hash exists, it is updated.
	WriteFeedMetadata(metadata *FeedMetadata) error

	// Gets a reader for the feed with the given hash.
	GetReader(feed string) (FeedReader, error)

	// Gets a writer for the feed with the given hash. Any data
	// previously written for the same feed is replaced.
	GetWriter(feed string) (FeedWriter, error)
}

type ListFeedsFilter struct {
	// If set, only include feeds with the given URL.
	URL string

	// If set, only include feeds with the given hash.
	SHA256 string
}

// Metadata for a loaded static GTFS feed. The parsed data can be
// accessed via FeedReader.
type FeedMetadata struct {
	URL          string
	SHA256       string
	RetrievedAt  time.Time
	Stops        int
	Routes       int
	Trips        int
	StopTimes    int
	MaxArrival   string
	MaxDeparture string
}

// Writes GTFS records for a single feed.
//
// As stop_times.txt tends to be very large, BeginStopTimes() and
// EndStopTimes() are called before and after all calls to
// WriteStopTime(), allowing transactions/batching/whathaveyou. Same
// goes for trips.
type FeedWriter interface {
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	BeginTrips() error
	EndTrips() error
	WriteStopTime(stopTime *model.StopTime) error
	BeginStopTimes() error
	EndStopTimes() error
	Close() error
}

// Reads back all records of a single feed. Stop times are ordered
// by trip_id and stop_sequence.
type FeedReader interface {
	Stops() ([]*model.Stop, error)
	Routes() ([]*model.Route, error)
	Trips() ([]*model.Trip, error)
	StopTimes() ([]*model.StopTime, error)
}
