package aggregator

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

const measurement = "service_metrics"

// InfluxSink writes each snapshot as one point tagged by service.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

// newInfluxSinkWithAPI lets tests supply a fake write API.
func newInfluxSinkWithAPI(w api.WriteAPIBlocking) *InfluxSink {
	return &InfluxSink{writeAPI: w}
}

func (s *InfluxSink) Write(ctx context.Context, snap store.MetricsSnapshot) error {
	if len(snap.Values) == 0 {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("service_id", snap.ServiceID).
		SetTime(snap.Timestamp)
	for k, v := range snap.Values {
		p.AddField(k, v)
	}
	return s.writeAPI.WritePoint(ctx, p)
}

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
