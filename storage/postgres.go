package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/Samcfuchs/mta-viz/model"
)

const (
	PSQLTripBatchSize     = 10000
	PSQLStopTimeBatchSize = 5000
)

// All feeds share one set of tables, partitioned by hash.
type PSQLStorage struct {
	db *sql.DB
}

type PSQLFeedWriter struct {
	id          string
	db          *sql.DB
	tripBuf     []model.Trip
	stopTimeBuf []model.StopTime
}

type PSQLFeedReader struct {
	id string
	db *sql.DB
}

var psqlTables = map[string]string{
	"stops": `
CREATE TABLE IF NOT EXISTS stops (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    zone_id TEXT,
    location_type INTEGER NOT NULL,
    parent_station TEXT,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS stops_parent_station ON stops (parent_station);
`,
	"routes": `
CREATE TABLE IF NOT EXISTS routes (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    fields JSONB NOT NULL,
    PRIMARY KEY(hash, id)
);`,
	"trips": `
CREATE TABLE IF NOT EXISTS trips (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT,
    direction_id INTEGER,
    shape_id TEXT,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS trips_route_id ON trips (route_id);
`,
	"stop_times": `
CREATE TABLE IF NOT EXISTS stop_times (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    PRIMARY KEY(hash, trip_id, stop_sequence)
);
`,
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS feed;
DROP TABLE IF EXISTS stops;
DROP TABLE IF EXISTS stop_times;
DROP TABLE IF EXISTS routes;
DROP TABLE IF EXISTS trips;
`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    stops INTEGER NOT NULL,
    routes INTEGER NOT NULL,
    trips INTEGER NOT NULL,
    stop_times INTEGER NOT NULL,
    max_arrival TEXT NOT NULL,
    max_departure TEXT NOT NULL,
    PRIMARY KEY (hash, url)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	for name, query := range psqlTables {
		_, err := db.Exec(query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	query := `
SELECT
    hash,
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
	paramCount := 1

	if filter.URL != "" {
		conditions = append(conditions, fmt.Sprintf("url = $%d", paramCount))
		params = append(params, filter.URL)
		paramCount++
	}
	if filter.SHA256 != "" {
		conditions = append(conditions, fmt.Sprintf("hash = $%d", paramCount))
		params = append(params, filter.SHA256)
		paramCount++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(query, params...)
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
		feed.RetrievedAt = feed.RetrievedAt.UTC()
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *PSQLStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO feed (
    hash,
    url,
    retrieved_at,
    stops,
    routes,
    trips,
    stop_times,
    max_arrival,
    max_departure
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (hash, url) DO UPDATE SET
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

func (s *PSQLStorage) GetReader(hash string) (FeedReader, error) {
	return &PSQLFeedReader{
		id: hash,
		db: s.db,
	}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (FeedWriter, error) {
	// In case feed already exists, delete all records
	for name := range psqlTables {
		_, err := s.db.Exec(`DELETE FROM `+name+` WHERE hash = $1`, hash)
		if err != nil {
			return nil, fmt.Errorf("deleting %s records: %w", name, err)
		}
	}

	return &PSQLFeedWriter{
		id: hash,
		db: s.db,
	}, nil
}

func (w *PSQLFeedWriter) WriteStop(stop *model.Stop) error {
	var parentStation sql.NullString
	if stop.ParentStation != "" {
		parentStation = sql.NullString{
			String: stop.ParentStation,
			Valid:  true,
		}
	}
	_, err := w.db.Exec(`
INSERT INTO stops (hash, id, name, lat, lon, zone_id, location_type, parent_station)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.id,
		stop.ID,
		stop.Name,
		stop.Lat,
		stop.Lon,
		stop.ZoneID,
		stop.LocationType,
		parentStation,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteRoute(route *model.Route) error {
	fields, err := json.Marshal(route.Fields)
	if err != nil {
		return fmt.Errorf("marshaling route fields: %w", err)
	}

	_, err = w.db.Exec(`
INSERT INTO routes (hash, id, fields)
VALUES ($1, $2, $3)`,
		w.id,
		route.ID,
		string(fields),
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) BeginTrips() error {
	return nil
}

func (w *PSQLFeedWriter) WriteTrip(trip *model.Trip) error {
	w.tripBuf = append(w.tripBuf, *trip)

	if len(w.tripBuf) >= PSQLTripBatchSize {
		err := w.flushTrips()
		if err != nil {
			return fmt.Errorf("flushing trips: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndTrips() error {
	if len(w.tripBuf) > 0 {
		err := w.flushTrips()
		if err != nil {
			return fmt.Errorf("flushing trips: %w", err)
		}
	}
	return nil
}

// Runs a COPY of rows into table, in a transaction of its own.
func (w *PSQLFeedWriter) copyIn(table string, columns []string, rows [][]interface{}) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.Exec(row...)
		if err != nil {
			return fmt.Errorf("COPY %s: %w", table, err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) flushTrips() error {
	rows := make([][]interface{}, 0, len(w.tripBuf))
	for _, trip := range w.tripBuf {
		rows = append(rows, []interface{}{
			w.id, trip.ID, trip.RouteID, trip.ServiceID, trip.Headsign, trip.DirectionID, trip.ShapeID,
		})
	}

	err := w.copyIn(
		"trips",
		[]string{"hash", "id", "route_id", "service_id", "headsign", "direction_id", "shape_id"},
		rows,
	)
	if err != nil {
		return err
	}

	w.tripBuf = nil
	return nil
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	w.stopTimeBuf = append(w.stopTimeBuf, *stopTime)

	if len(w.stopTimeBuf) >= PSQLStopTimeBatchSize {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	if len(w.stopTimeBuf) > 0 {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushStopTimes() error {
	rows := make([][]interface{}, 0, len(w.stopTimeBuf))
	for _, st := range w.stopTimeBuf {
		rows = append(rows, []interface{}{
			w.id, st.TripID, st.StopID, st.StopSequence, st.Arrival, st.Departure,
		})
	}

	err := w.copyIn(
		"stop_times",
		[]string{"hash", "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time"},
		rows,
	)
	if err != nil {
		return err
	}

	w.stopTimeBuf = nil
	return nil
}

func (w *PSQLFeedWriter) Close() error {
	_, err := w.db.Exec(`ANALYZE`)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}

func (r *PSQLFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT id, name, lat, lon, zone_id, location_type, parent_station
FROM stops
WHERE hash = $1
ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		zoneID := sql.NullString{}
		parentStation := sql.NullString{}
		err := rows.Scan(
			&s.ID,
			&s.Name,
			&s.Lat,
			&s.Lon,
			&zoneID,
			&s.LocationType,
			&parentStation,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		s.ZoneID = zoneID.String
		s.ParentStation = parentStation.String

		stops = append(stops, s)
	}

	return stops, rows.Err()
}

func (r *PSQLFeedReader) Routes() ([]*model.Route, error) {
	rows, err := r.db.Query(`
SELECT id, fields
FROM routes
WHERE hash = $1
ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		route := &model.Route{}
		var fields []byte
		err := rows.Scan(&route.ID, &fields)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		err = json.Unmarshal(fields, &route.Fields)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling fields of route %s: %w", route.ID, err)
		}
		routes = append(routes, route)
	}

	return routes, rows.Err()
}

func (r *PSQLFeedReader) Trips() ([]*model.Trip, error) {
	rows, err := r.db.Query(`
SELECT id, route_id, service_id, headsign, direction_id, shape_id
FROM trips
WHERE hash = $1
ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		t := &model.Trip{}
		headsign := sql.NullString{}
		shapeID := sql.NullString{}
		err := rows.Scan(
			&t.ID,
			&t.RouteID,
			&t.ServiceID,
			&headsign,
			&t.DirectionID,
			&shapeID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		t.Headsign = headsign.String
		t.ShapeID = shapeID.String
		trips = append(trips, t)
	}

	return trips, rows.Err()
}

func (r *PSQLFeedReader) StopTimes() ([]*model.StopTime, error) {
	rows, err := r.db.Query(`
SELECT trip_id, stop_id, stop_sequence, arrival_time, departure_time
FROM stop_times
WHERE hash = $1
ORDER BY trip_id, stop_sequence`, r.id)
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
