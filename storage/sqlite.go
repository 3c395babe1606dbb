package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Samcfuchs/mta-viz/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

// Feed metadata lives in gtfs.db. Each feed gets a database file of
// its own, named by feed ID.
type SQLiteStorage struct {
	SQLiteConfig

	mutex  sync.Mutex
	feedDB *sql.DB
	feeds  map[string]*sql.DB
}

type SQLiteFeedWriter struct {
	db          *sql.DB
	insertTx    *sql.Tx
	insertQuery *sql.Stmt
}

type SQLiteFeedReader struct {
	db *sql.DB
}

func openSQLite(sourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, err
	}

	// Every connection to :memory: is a database of its own.
	if sourceName == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		err := os.MkdirAll(directory, 0755)
		if err != nil {
			return nil, fmt.Errorf("creating directory: %w", err)
		}
		sourceName = directory + "/gtfs.db"
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    sha256 TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
    stops INTEGER NOT NULL,
    routes INTEGER NOT NULL,
    trips INTEGER NOT NULL,
    stop_times INTEGER NOT NULL,
    max_arrival TEXT NOT NULL,
    max_departure TEXT NOT NULL,
PRIMARY KEY (sha256, url)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		feedDB: db,
		feeds:  map[string]*sql.DB{},
	}, nil
}

func (s *SQLiteStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	query := `
SELECT
    sha256,
    url,
    retrieved_at,
    stops,
    routes,
    trips,
    stop_times,
    max_arrival,
    max_departure
FROM feed`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		conditions = append(conditions, "url = ?")
		params = append(params, filter.URL)
	}
	if filter.SHA256 != "" {
		conditions = append(conditions, "sha256 = ?")
		params = append(params, filter.SHA256)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.feedDB.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		var feed FeedMetadata
		err := rows.Scan(
			&feed.SHA256,
			&feed.URL,
			&feed.RetrievedAt,
			&feed.Stops,
			&feed.Routes,
			&feed.Trips,
			&feed.StopTimes,
			&feed.MaxArrival,
			&feed.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *SQLiteStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.feedDB.Exec(`
INSERT INTO feed (
    sha256,
    url,
    retrieved_at,
    stops,
    routes,
    trips,
    stop_times,
    max_arrival,
    max_departure
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (sha256, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    stops = excluded.stops,
    routes = excluded.routes,
    trips = excluded.trips,
    stop_times = excluded.stop_times,
    max_arrival = excluded.max_arrival,
    max_departure = excluded.max_departure
`,
		feed.SHA256,
		feed.URL,
		feed.RetrievedAt.UTC(),
		feed.Stops,
		feed.Routes,
		feed.Trips,
		feed.StopTimes,
		feed.MaxArrival,
		feed.MaxDeparture,
	)
	if err != nil {
		return fmt.Errorf("writing feed metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetReader(feedID string) (FeedReader, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	db, found := s.feeds[feedID]
	if found {
		return &SQLiteFeedReader{
			db: db,
		}, nil
	}
	if !s.OnDisk {
		return nil, fmt.Errorf("feed %s does not exist", feedID)
	}

	sourceName := s.Directory + "/" + feedID + ".db"
	if _, err := os.Stat(sourceName); os.IsNotExist(err) {
		return nil, fmt.Errorf("feed %s does not exist at %s", feedID, sourceName)
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s.feeds[feedID] = db

	return &SQLiteFeedReader{
		db: db,
	}, nil
}

func (s *SQLiteStorage) GetWriter(feedID string) (FeedWriter, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if prev, found := s.feeds[feedID]; found {
		prev.Close()
		delete(s.feeds, feedID)
	}

	sourceName := ":memory:"
	if s.OnDisk {
		sourceName = s.Directory + "/" + feedID + ".db"
		// delete file if it exists
		if _, err := os.Stat(sourceName); err == nil {
			err := os.Remove(sourceName)
			if err != nil {
				return nil, fmt.Errorf("removing existing database: %w", err)
			}
		}
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for name, query := range map[string]string{
		"stops": `
CREATE TABLE stops (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    zone_id TEXT,
    location_type INTEGER NOT NULL,
    parent_station TEXT
);
CREATE INDEX stops_parent_station ON stops (parent_station);
`,
		"routes": `
CREATE TABLE routes (
    id TEXT PRIMARY KEY,
    fields TEXT NOT NULL
);`,
		"trips": `
CREATE TABLE trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT,
    direction_id INTEGER,
    shape_id TEXT
);
CREATE INDEX trips_route_id ON trips (route_id);
`,
		"stop_times": `
CREATE TABLE stop_times (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL
);
CREATE INDEX stop_times_trip_id ON stop_times (trip_id, stop_sequence);
`,
	} {
		_, err = db.Exec(query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	s.feeds[feedID] = db

	return &SQLiteFeedWriter{
		db: db,
	}, nil
}

func (f *SQLiteFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := f.db.Exec(`
INSERT INTO stops (id, name, lat, lon, zone_id, location_type, parent_station)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stop.ID,
		stop.Name,
		stop.Lat,
		stop.Lon,
		stop.ZoneID,
		stop.LocationType,
		stop.ParentStation,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) WriteRoute(route *model.Route) error {
	fields, err := json.Marshal(route.Fields)
	if err != nil {
		return fmt.Errorf("marshaling route fields: %w", err)
	}

	_, err = f.db.Exec(`
INSERT INTO routes (id, fields)
VALUES (?, ?)`,
		route.ID,
		string(fields),
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

// Trips and stop_times are inserted in a transaction with a prepared
// statement.
func (f *SQLiteFeedWriter) begin(query string) error {
	if f.insertTx != nil {
		return fmt.Errorf("insert transaction already open")
	}

	var err error
	f.insertTx, err = f.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	f.insertQuery, err = f.insertTx.Prepare(query)
	if err != nil {
		f.insertTx.Rollback()
		f.insertTx = nil
		return fmt.Errorf("preparing insert: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) insert(args ...interface{}) error {
	if f.insertQuery == nil {
		return fmt.Errorf("no insert transaction open")
	}

	_, err := f.insertQuery.Exec(args...)
	if err != nil {
		f.insertQuery.Close()
		f.insertTx.Rollback()
		f.insertTx = nil
		f.insertQuery = nil
		return err
	}

	return nil
}

func (f *SQLiteFeedWriter) end() error {
	if f.insertTx == nil {
		return fmt.Errorf("no insert transaction open")
	}

	f.insertQuery.Close()
	err := f.insertTx.Commit()
	f.insertTx = nil
	f.insertQuery = nil
	if err != nil {
		return fmt.Errorf("committing insert transaction: %w", err)
	}

	return nil
}

func (f *SQLiteFeedWriter) BeginTrips() error {
	return f.begin(`
INSERT INTO trips (id, route_id, service_id, headsign, direction_id, shape_id)
VALUES (?, ?, ?, ?, ?, ?)`)
}

func (f *SQLiteFeedWriter) WriteTrip(trip *model.Trip) error {
	err := f.insert(
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.DirectionID,
		trip.ShapeID,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) EndTrips() error {
	return f.end()
}

func (f *SQLiteFeedWriter) BeginStopTimes() error {
	return f.begin(`
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival_time, departure_time)
VALUES (?, ?, ?, ?, ?)`)
}

func (f *SQLiteFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	err := f.insert(
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
	)
	if err != nil {
		return fmt.Errorf("inserting stop_time: %w", err)
	}
	return nil
}

func (f *SQLiteFeedWriter) EndStopTimes() error {
	return f.end()
}

func (f *SQLiteFeedWriter) Close() error {
	_, err := f.db.Exec(`ANALYZE;`)
	if err != nil {
		return fmt.Errorf("analyzing database: %w", err)
	}

	return nil
}

func (f *SQLiteFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := f.db.Query(`
SELECT id, name, lat, lon, zone_id, location_type, parent_station
FROM stops
ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		err := rows.Scan(
			&s.ID,
			&s.Name,
			&s.Lat,
			&s.Lon,
			&s.ZoneID,
			&s.LocationType,
			&s.ParentStation,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, s)
	}

	return stops, rows.Err()
}

func (f *SQLiteFeedReader) Routes() ([]*model.Route, error) {
	rows, err := f.db.Query(`
SELECT id, fields
FROM routes
ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		r := &model.Route{}
		var fields string
		err := rows.Scan(&r.ID, &fields)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		err = json.Unmarshal([]byte(fields), &r.Fields)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling fields of route %s: %w", r.ID, err)
		}
		routes = append(routes, r)
	}

	return routes, rows.Err()
}

func (f *SQLiteFeedReader) Trips() ([]*model.Trip, error) {
	rows, err := f.db.Query(`
SELECT id, route_id, service_id, headsign, direction_id, shape_id
FROM trips
ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		t := &model.Trip{}
		err := rows.Scan(
			&t.ID,
			&t.RouteID,
			&t.ServiceID,
			&t.Headsign,
			&t.DirectionID,
			&t.ShapeID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}

	return trips, rows.Err()
}

func (f *SQLiteFeedReader) StopTimes() ([]*model.StopTime, error) {
	rows, err := f.db.Query(`
SELECT trip_id, stop_id, stop_sequence, arrival_time, departure_time
FROM stop_times
ORDER BY trip_id, stop_sequence`)
	if err != nil {
		return nil, fmt.Errorf("querying stop times: %w", err)
	}
	defer rows.Close()

	stopTimes := []*model.StopTime{}
	for rows.Next() {
		st := &model.StopTime{}
		err := rows.Scan(
			&st.TripID,
			&st.StopID,
			&st.StopSequence,
			&st.Arrival,
			&st.Departure,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time: %w", err)
		}
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, rows.Err()
}
