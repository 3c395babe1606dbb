package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"github.com/Samcfuchs/mta-viz/storage"
)

// The files needed to join realtime data against the schedule. All
// are required, anything else in the archive is ignored.
var staticFiles = []string{"routes.txt", "trips.txt", "stops.txt", "stop_times.txt"}

func init() {
	// Lazy quotes, because NYCT's stop names aren't always quoted
	// properly. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

// Locates the static files in a GTFS archive. Some publishers nest
// them in a directory, so only the base name is matched.
func openArchive(buf []byte) (map[string]*zip.File, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	wanted := map[string]bool{}
	for _, name := range staticFiles {
		wanted[name] = true
	}

	files := map[string]*zip.File{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		if wanted[name] && files[name] == nil {
			files[name] = f
		}
	}

	for _, name := range staticFiles {
		if files[name] == nil {
			return nil, fmt.Errorf("missing %s", name)
		}
	}

	return files, nil
}

func withFile(f *zip.File, fn func(io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	err = fn(rc)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path.Base(f.Name), err)
	}
	return nil
}

// Parses a static GTFS archive, writing all records to writer.
//
// Only the files needed to join realtime data against the schedule
// are read. The returned metadata holds record counts. URL, hash and
// retrieval time are left to the caller.
func ParseStatic(writer storage.FeedWriter, buf []byte) (*storage.FeedMetadata, error) {
	files, err := openArchive(buf)
	if err != nil {
		return nil, err
	}

	var routes, trips, stops map[string]bool
	metadata := &storage.FeedMetadata{}

	err = withFile(files["routes.txt"], func(r io.Reader) (err error) {
		routes, err = ParseRoutes(writer, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := writer.BeginTrips(); err != nil {
		return nil, fmt.Errorf("beginning trips: %w", err)
	}
	err = withFile(files["trips.txt"], func(r io.Reader) (err error) {
		trips, err = ParseTrips(writer, r, routes)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := writer.EndTrips(); err != nil {
		return nil, fmt.Errorf("ending trips: %w", err)
	}

	err = withFile(files["stops.txt"], func(r io.Reader) (err error) {
		stops, err = ParseStops(writer, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := writer.BeginStopTimes(); err != nil {
		return nil, fmt.Errorf("beginning stop_times: %w", err)
	}
	err = withFile(files["stop_times.txt"], func(r io.Reader) (err error) {
		metadata.StopTimes, metadata.MaxArrival, metadata.MaxDeparture, err = ParseStopTimes(writer, r, trips, stops)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := writer.EndStopTimes(); err != nil {
		return nil, fmt.Errorf("ending stop_times: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing feed writer: %w", err)
	}

	metadata.Stops = len(stops)
	metadata.Routes = len(routes)
	metadata.Trips = len(trips)

	return metadata, nil
}
