package restapi

import (
	"context"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"bussim.transitsim.org/internal/fleet"
	"bussim.transitsim.org/internal/sim"
)

// vehiclePositionsHandler serves the buses on the road as a GTFS-realtime
// VehiclePositions feed. ?format=json answers with the JSON mapping of the
// same message.
func (api *RestAPI) vehiclePositionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var (
		buses []sim.BusSnapshot
		now   time.Time
	)
	err := api.Sim.Do(ctx, func() error {
		now = api.Sim.Clock().Now()
		for _, b := range api.Sim.Fleet().OnRoad() {
			buses = append(buses, sim.SnapshotBus(b))
		}
		return nil
	})
	if err != nil {
		api.simErrorResponse(w, r, err)
		return
	}

	feed := BuildVehiclePositionsFeed(buses, now)

	if r.URL.Query().Get("format") == "json" {
		b, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(feed)
		if err != nil {
			api.serverErrorResponse(w, r, err)
			return
		}
		setJSONResponseType(&w)
		_, _ = w.Write(b)
		return
	}

	b, err := proto.Marshal(feed)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(b)
}

// BuildVehiclePositionsFeed converts bus snapshots to a full-dataset feed
// stamped with the simulated time.
func BuildVehiclePositionsFeed(buses []sim.BusSnapshot, now time.Time) *gtfsrt.FeedMessage {
	ts := proto.Uint64(uint64(now.Unix()))
	feed := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsrt.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           ts,
		},
	}

	for _, b := range buses {
		vp := &gtfsrt.VehiclePosition{
			Vehicle: &gtfsrt.VehicleDescriptor{
				Id:           proto.String(b.Registration),
				Label:        proto.String(b.Registration),
				LicensePlate: proto.String(b.Registration),
			},
			Position: &gtfsrt.Position{
				Latitude:  proto.Float32(float32(b.Position.Lat)),
				Longitude: proto.Float32(float32(b.Position.Lon)),
				Bearing:   proto.Float32(float32(b.Heading)),
			},
			Timestamp: ts,
		}
		if b.Service != "" {
			vp.Trip = &gtfsrt.TripDescriptor{TripId: proto.String(b.Service)}
			if b.Route != "" {
				vp.Trip.RouteId = proto.String(b.Route)
			}
		}
		if b.Stop != "" {
			vp.StopId = proto.String(b.Stop)
			if b.Status == fleet.WaitingAtStop {
				vp.CurrentStatus = gtfsrt.VehiclePosition_STOPPED_AT.Enum()
			} else {
				vp.CurrentStatus = gtfsrt.VehiclePosition_IN_TRANSIT_TO.Enum()
			}
		}
		feed.Entity = append(feed.Entity, &gtfsrt.FeedEntity{
			Id:      proto.String(b.Registration),
			Vehicle: vp,
		})
	}
	return feed
}
