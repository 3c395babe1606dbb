package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gtfs "github.com/Samcfuchs/mta-viz"
	"github.com/Samcfuchs/mta-viz/api"
	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/testutil"
)

var epoch = time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)

type requestRecorder struct {
	requests []string
}

func (r *requestRecorder) Request(route string, code int) {
	r.requests = append(r.requests, route+" "+http.StatusText(code))
}

type fixture struct {
	Now     time.Time
	Store   *gtfs.Store
	Metrics *requestRecorder
	Handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	static := testutil.BuildStatic(t, "memory", map[string][]string{
		"routes.txt": {
			"route_id,route_short_name,route_color",
			"X1,X,EE352E",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"A,Main St,40.70,-73.95",
			"B,Elm St,40.71,-73.95",
			"C,Far Rd,41.50,-74.50",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign,direction_id",
			"T1,X1,Weekday,Uptown,0",
			"T9,X1,Weekday,Downtown,1",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"T1,08:00:00,08:00:30,A,1",
			"T1,08:05:00,08:05:30,B,2",
			"T9,10:00:00,10:00:00,B,1",
			"T9,10:10:00,10:10:00,A,2",
		},
	})

	f := &fixture{Now: epoch, Metrics: &requestRecorder{}}

	f.Store = gtfs.NewStore(5 * time.Minute)
	f.Store.TimeNow = func() time.Time { return f.Now }

	rt := gtfs.NewRealtime(static, f.Store, []model.LineGroup{
		{ID: "X", FeedURL: "http://feeds/x"},
		{ID: "Y", FeedURL: "http://feeds/y"},
	})

	s := api.NewServer(rt)
	s.Logger = zerolog.Nop()
	s.TimeNow = func() time.Time { return f.Now }
	s.Metrics = f.Metrics
	s.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})
	f.Handler = s.Handler()

	return f
}

func (f *fixture) apply(t *testing.T, line string, seq uint64, updates ...*model.TripUpdate) {
	_, err := f.Store.Apply(updates, line, seq)
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	w := httptest.NewRecorder()
	f.Handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

	body := map[string]interface{}{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w.Code, body
}

func update(tripID string, arrivals ...int64) *model.TripUpdate {
	u := &model.TripUpdate{TripID: tripID, RouteID: "X1", ObservedAt: epoch}
	for i, a := range arrivals {
		u.StopTimeUpdates = append(u.StopTimeUpdates, model.StopTimeUpdate{
			StopID:  []string{"A", "B"}[i%2],
			Arrival: &model.StopTimeEvent{Time: time.Unix(a, 0)},
		})
	}
	return u
}

func TestGetTripRealtime(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "X", 1, update("T1", 1709298000, 1709298300))

	code, body := f.get(t, "/trips/T1")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "T1", body["trip_id"])
	assert.Equal(t, "realtime", body["state"])
	assert.Equal(t, "X1", body["route_id"])
	assert.Equal(t, "X", body["route_name"])
	assert.Equal(t, "EE352E", body["route_color"])
	assert.Equal(t, "Uptown", body["headsign"])
	assert.Equal(t, "X", body["line"])
	assert.Equal(t, float64(1), body["sequence"])
	assert.Equal(t, float64(epoch.Unix()), body["observed_at"])

	stops := body["stops"].([]interface{})
	require.Equal(t, 2, len(stops))

	first := stops[0].(map[string]interface{})
	assert.Equal(t, "A", first["stop_id"])
	assert.Equal(t, "Main St", first["name"])
	assert.Equal(t, "08:00:00", first["scheduled_arrival"])
	assert.Equal(t, "08:00:30", first["scheduled_departure"])
	assert.Equal(t, float64(1709298000), first["arrival"].(map[string]interface{})["time"])
	assert.Equal(t, "SCHEDULED", first["schedule_relationship"])

	// Unknown departures are left out
	_, found := first["departure"]
	assert.False(t, found)
}

func TestGetTripStates(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "X", 1, update("T5", 1709298000))

	code, body := f.get(t, "/trips/T9")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "schedule_only", body["state"])
	assert.Equal(t, "Downtown", body["headsign"])
	assert.Equal(t, float64(1), body["direction_id"])
	assert.Equal(t, 2, len(body["stops"].([]interface{})))
	_, found := body["observed_at"]
	assert.False(t, found)

	code, body = f.get(t, "/trips/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["state"])

	f.Now = f.Now.Add(301 * time.Second)
	code, body = f.get(t, "/trips/T5")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "stale", body["state"])
}

func TestGetTripInvalid(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/trips/%20T1",
		"/trips/T%091",
		"/trips/" + strings.Repeat("a", gtfs.MaxTripIDLength+1),
	} {
		code, body := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.Contains(t, body["error"], "invalid trip id", path)
	}

	code, _ := f.get(t, "/trips/"+strings.Repeat("a", gtfs.MaxTripIDLength))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetRealtime(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "X", 1, update("T1", 1709298000), update("T2", 1709298100))
	f.apply(t, "Y", 1, update("T3", 1709298200))

	code, body := f.get(t, "/realtime")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(epoch.Unix()), body["timestamp"])

	ids := []string{}
	for _, trip := range body["trips"].([]interface{}) {
		ids = append(ids, trip.(map[string]interface{})["trip_id"].(string))
	}
	assert.Equal(t, []string{"T1", "T2", "T3"}, ids)

	code, body = f.get(t, "/realtime/Y")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Y", body["line"])
	assert.Equal(t, 1, len(body["trips"].([]interface{})))

	code, body = f.get(t, "/realtime/Z")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "unknown line group")

	// Nothing fresh is an empty list, not an error
	f.Now = f.Now.Add(10 * time.Minute)
	code, body = f.get(t, "/realtime/X")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, body["trips"])
}

func TestGetStops(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/stops")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, len(body["stops"].([]interface{})))

	code, body = f.get(t, "/stops?lat=40.705&lon=-73.95&limit=1")
	require.Equal(t, http.StatusOK, code)
	stops := body["stops"].([]interface{})
	require.Equal(t, 1, len(stops))
	assert.Contains(t, []string{"A", "B"}, stops[0].(map[string]interface{})["stop_id"])

	code, body = f.get(t, "/stops?lat=40.70&lon=-73.95")
	require.Equal(t, http.StatusOK, code)
	stops = body["stops"].([]interface{})
	require.Equal(t, 3, len(stops))
	assert.Equal(t, "A", stops[0].(map[string]interface{})["stop_id"])
	assert.Equal(t, "C", stops[2].(map[string]interface{})["stop_id"])

	for _, q := range []string{"lat=40", "lat=x&lon=1", "lat=91&lon=0", "lat=0&lon=0&limit=-1"} {
		code, _ = f.get(t, "/stops?"+q)
		assert.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "X", 4, update("T1", 1709298000))

	code, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	lines := body["lines"].([]interface{})
	require.Equal(t, 2, len(lines))

	x := lines[0].(map[string]interface{})
	assert.Equal(t, "X", x["id"])
	assert.Equal(t, float64(4), x["last_sequence"])
	assert.Equal(t, float64(1), x["trips"])

	y := lines[1].(map[string]interface{})
	assert.Equal(t, "Y", y["id"])
	assert.Equal(t, float64(0), y["last_sequence"])
}

func TestRequestMetrics(t *testing.T) {
	f := newFixture(t)

	f.get(t, "/trips/T1")
	f.get(t, "/trips/T9")
	f.get(t, "/realtime/Z")

	w := httptest.NewRecorder()
	f.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, "metrics", w.Body.String())

	assert.Equal(t, []string{
		"/trips/{trip_id} OK",
		"/trips/{trip_id} OK",
		"/realtime/{line} Not Found",
		"/metrics OK",
	}, f.Metrics.requests)
}
