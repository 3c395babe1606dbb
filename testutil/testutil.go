package testutil

// Helpers and configuration for tests.

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/parse"
	"github.com/Samcfuchs/mta-viz/storage"
)

// Postgres tests only run when this is set to a connection string.
const PostgresEnv = "MTAVIZ_TEST_POSTGRES"

func BuildStorage(t testing.TB, backend string) storage.Storage {
	var s storage.Storage
	var err error
	switch backend {
	case "memory":
		s = storage.NewMemoryStorage()
	case "sqlite":
		s, err = storage.NewSQLiteStorage()
		require.NoError(t, err)
	case "postgres":
		connStr := os.Getenv(PostgresEnv)
		if connStr == "" {
			t.Skipf("%s not set", PostgresEnv)
		}
		s, err = storage.NewPSQLStorage(connStr, true)
		require.NoError(t, err)
	}
	require.NotNil(t, s, "unknown backend %q", backend)

	return s
}

func LoadStatic(t testing.TB, backend string, buf []byte) *gtfs.Static {
	s := BuildStorage(t, backend)

	// Parse buf into storage
	feedWriter, err := s.GetWriter("test")
	require.NoError(t, err)

	metadata, err := parse.ParseStatic(feedWriter, buf)
	require.NoError(t, err)

	// Create Static
	reader, err := s.GetReader("test")
	require.NoError(t, err)

	static, err := gtfs.NewStatic(reader, metadata)
	require.NoError(t, err)

	return static
}

// Builds a Static from the given files. Required files left out are
// filled in with header-only dummies.
func BuildStatic(
	t testing.TB,
	backend string,
	files map[string][]string,
) *gtfs.Static {

	if files["routes.txt"] == nil {
		files["routes.txt"] = []string{"route_id"}
	}
	if files["trips.txt"] == nil {
		files["trips.txt"] = []string{"trip_id,route_id"}
	}
	if files["stops.txt"] == nil {
		files["stops.txt"] = []string{"stop_id"}
	}
	if files["stop_times.txt"] == nil {
		files["stop_times.txt"] = []string{"trip_id,stop_id,stop_sequence"}
	}

	buf := BuildZip(t, files)

	return LoadStatic(t, backend, buf)
}

func BuildZip(
	t testing.TB,
	files map[string][]string,
) []byte {

	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

// Marshals a full dataset GTFS-rt message holding entities.
func BuildFeed(t testing.TB, timestamp time.Time, entities ...*gtfsproto.FeedEntity) []byte {
	f := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsproto.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(timestamp.Unix())),
		},
		Entity: entities,
	}

	buf, err := proto.MarshalOptions{AllowPartial: true}.Marshal(f)
	require.NoError(t, err)

	return buf
}

func TripEntity(tripID string, routeID string, updates ...*gtfsproto.TripUpdate_StopTimeUpdate) *gtfsproto.FeedEntity {
	return &gtfsproto.FeedEntity{
		Id: proto.String(tripID),
		TripUpdate: &gtfsproto.TripUpdate{
			Trip: &gtfsproto.TripDescriptor{
				TripId:  proto.String(tripID),
				RouteId: proto.String(routeID),
			},
			StopTimeUpdate: updates,
		},
	}
}

// A stop time update with an arrival at the given unix time.
func StopTimeUpdate(stopID string, arrival int64) *gtfsproto.TripUpdate_StopTimeUpdate {
	return &gtfsproto.TripUpdate_StopTimeUpdate{
		StopId: proto.String(stopID),
		Arrival: &gtfsproto.TripUpdate_StopTimeEvent{
			Time: proto.Int64(arrival),
		},
	}
}

// Serves canned responses by path, and records requests.
type FeedServer struct {
	Server *httptest.Server

	mutex    sync.Mutex
	feeds    map[string][]byte
	status   map[string]int
	requests []string
}

func NewFeedServer(t testing.TB) *FeedServer {
	m := &FeedServer{
		feeds:  map[string][]byte{},
		status: map[string]int{},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handler))
	t.Cleanup(m.Server.Close)
	return m
}

func (m *FeedServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mutex.Lock()
	m.requests = append(m.requests, r.URL.Path)
	feed, found := m.feeds[r.URL.Path]
	status := m.status[r.URL.Path]
	m.mutex.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(feed)
}

func (m *FeedServer) SetFeed(path string, feed []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.feeds[path] = feed
	delete(m.status, path)
}

func (m *FeedServer) SetStatus(path string, status int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.status[path] = status
}

func (m *FeedServer) URL(path string) string {
	return m.Server.URL + path
}

func (m *FeedServer) Requests() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string{}, m.requests...)
}
