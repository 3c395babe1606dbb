package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Samcfuchs/mta-viz/model"
	"github.com/Samcfuchs/mta-viz/storage"
)

func TestParseStops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		stops   []*model.Stop
		err     bool
	}{
		{
			"minimal_stop",
			`
stop_id,stop_name,stop_lat,stop_lon
s,name,1.1,2.2`,
			[]*model.Stop{&model.Stop{
				ID:   "s",
				Name: "name",
				Lat:  1.1,
				Lon:  2.2,
			}},
			false,
		},

		{
			"maximal_stop",
			`
location_type,stop_id,stop_name,stop_lat,stop_lon,zone_id,parent_station
0,s,Stop,1.1,2.2,z,ps
1,ps,Station,3.3,4.4,,
2,e,Entrance,5.5,6.6,,ps
3,g,Generic,,,,ps
4,b,,,,,ps
`,
			[]*model.Stop{
				&model.Stop{
					ID:            "b",
					ParentStation: "ps",
					LocationType:  model.LocationTypeBoardingArea,
				},
				&model.Stop{
					ID:            "e",
					Name:          "Entrance",
					Lat:           5.5,
					Lon:           6.6,
					ParentStation: "ps",
					LocationType:  model.LocationTypeEntranceExit,
				},
				&model.Stop{
					ID:            "g",
					Name:          "Generic",
					ParentStation: "ps",
					LocationType:  model.LocationTypeGenericNode,
				},
				&model.Stop{
					ID:           "ps",
					Name:         "Station",
					Lat:          3.3,
					Lon:          4.4,
					LocationType: model.LocationTypeStation,
				},
				&model.Stop{
					ID:            "s",
					Name:          "Stop",
					Lat:           1.1,
					Lon:           2.2,
					ZoneID:        "z",
					ParentStation: "ps",
					LocationType:  model.LocationTypeStop,
				},
			},
			false,
		},

		{
			"missing stop_id",
			`
stop_id,stop_name,stop_lat,stop_lon
,name,1.1,2.2`,
			nil,
			true,
		},

		{
			"repeated stop_id",
			`
stop_id,stop_name,stop_lat,stop_lon
s,name,1.1,2.2
s,name,1.1,2.2`,
			nil,
			true,
		},

		{
			"unknown parent_station",
			`
stop_id,stop_name,stop_lat,stop_lon,parent_station
s,name,1.1,2.2,nope`,
			nil,
			true,
		},

		{
			"invalid location_type",
			`
stop_id,stop_name,stop_lat,stop_lon,location_type
s,name,1.1,2.2,7`,
			nil,
			true,
		},

		{
			"missing coordinates for stop",
			`
stop_id,stop_name,stop_lat
s,name,1.1`,
			nil,
			true,
		},

		{
			"missing stop_name for station",
			`
stop_id,stop_lat,stop_lon,location_type
s,1.1,2.2,1`,
			nil,
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter("test")
			require.NoError(t, err)

			stopIDs, err := ParseStops(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)

			reader, err := s.GetReader("test")
			require.NoError(t, err)
			stops, err := reader.Stops()
			require.NoError(t, err)
			assert.Equal(t, tc.stops, stops)
			assert.Equal(t, len(tc.stops), len(stopIDs))
			for _, s := range stops {
				assert.True(t, stopIDs[s.ID])
			}
		})
	}
}
