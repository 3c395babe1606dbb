package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/storage"
)

// Routes are kept as published. Every column of the row ends up in
// Route.Fields, with empty values dropped.
func ParseRoutes(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	records, err := gocsv.LazyCSVReader(bom.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("unmarshaling routes: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty routes file")
	}

	header := records[0]
	routes := map[string]bool{}
	for _, record := range records[1:] {
		fields := make(map[string]string, len(header))
		for i, column := range header {
			if record[i] != "" {
				fields[column] = record[i]
			}
		}

		id := fields["route_id"]
		if id == "" {
			return nil, fmt.Errorf("route has no route_id")
		}
		if routes[id] {
			return nil, fmt.Errorf("repeated route_id: '%s'", id)
		}
		routes[id] = true

		err = writer.WriteRoute(&model.Route{ID: id, Fields: fields})
		if err != nil {
			return nil, fmt.Errorf("writing route: %w", err)
		}
	}

	return routes, nil
}
