package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/example/coride/internal/models"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (r *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		panic("write without deadline")
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error { r.closed = true; return nil }

func TestPublishUpdateKeysByDriver(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w)
	u := models.DriverUpdate{Online: true, Driver: models.Driver{ID: "driver_001", VehicleType: models.VehicleAuto, AvailableSeats: 2}}
	if err := p.PublishUpdate(context.Background(), u); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "driver_001" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.DriverUpdate
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "driver_001" || !got.Online || got.AvailableSeats != 2 {
		t.Fatalf("unexpected payload %+v", got)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}
