package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/storage"
)

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	ZoneID        string  `csv:"zone_id"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
}

func ParseStops(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stopIDs := map[string]bool{}
	parentRef := map[string]string{}
	for _, st := range stopCsv {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stopIDs[st.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		stopIDs[st.ID] = true

		locationType := model.LocationType(st.LocationType)
		if locationType < model.LocationTypeStop || locationType > model.LocationTypeBoardingArea {
			return nil, fmt.Errorf("invalid location_type %d for stop_id '%s'", st.LocationType, st.ID)
		}

		if locationType != model.LocationTypeGenericNode && locationType != model.LocationTypeBoardingArea {
			// stop_name, stop_lat and stop_lon are optional
			// for generic nodes and boarding areas, and
			// otherwise required.
			if st.Name == "" {
				return nil, fmt.Errorf("empty stop_name for stop_id '%s'", st.ID)
			}
			if st.Lat == 0 || st.Lon == 0 {
				return nil, fmt.Errorf("empty stop_lat or stop_lon for stop_id '%s'", st.ID)
			}
		}

		if st.ParentStation != "" {
			parentRef[st.ID] = st.ParentStation
		}

		err := writer.WriteStop(&model.Stop{
			ID:            st.ID,
			Name:          st.Name,
			Lat:           st.Lat,
			Lon:           st.Lon,
			ZoneID:        st.ZoneID,
			LocationType:  locationType,
			ParentStation: st.ParentStation,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop '%s': %w", st.ID, err)
		}
	}

	// verify stops referenced by parent_station exist
	for stopID, parentID := range parentRef {
		if !stopIDs[parentID] {
			return nil, fmt.Errorf("stop '%s' references unknown parent_station '%s'", stopID, parentID)
		}
	}

	return stopIDs, nil
}
