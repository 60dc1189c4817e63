package feed

import (
	"testing"
	"time"
)

var received = time.Date(2025, 6, 1, 8, 0, 5, 0, time.UTC)

func TestDecodeSample(t *testing.T) {
	payload := []byte(`{
		"vehicle_id": "bus-1",
		"lat": 39.9042,
		"lng": 116.4074,
		"speed_kmh": 42.5,
		"heading_deg": 180,
		"timestamp": "2025-06-01T08:00:00Z"
	}`)

	sample, err := DecodeSample(payload, received)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	if sample.VehicleID != "bus-1" {
		t.Fatalf("vehicle = %s, want bus-1", sample.VehicleID)
	}
	if sample.Lat != 39.9042 || sample.Lng != 116.4074 {
		t.Fatalf("position = (%f, %f)", sample.Lat, sample.Lng)
	}
	if sample.SpeedKmh == nil || *sample.SpeedKmh != 42.5 {
		t.Fatalf("speed = %v, want 42.5", sample.SpeedKmh)
	}
	if sample.AccuracyM != nil {
		t.Fatalf("accuracy should stay nil when absent")
	}
	want := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	if !sample.SourceTime.Equal(want) {
		t.Fatalf("source time = %v, want %v", sample.SourceTime, want)
	}
	if !sample.ReceivedTime.Equal(received) {
		t.Fatalf("received time = %v, want %v", sample.ReceivedTime, received)
	}
}

// Some trackers emit every field as a string; the decoder must not care.
func TestDecodeSampleStringNumbers(t *testing.T) {
	payload := []byte(`{
		"vehicle_id": "bus-2",
		"lat": "39.9",
		"lng": "116.4",
		"speed_kmh": "10",
		"timestamp": "1748764800"
	}`)

	sample, err := DecodeSample(payload, received)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	if sample.Lat != 39.9 || sample.Lng != 116.4 {
		t.Fatalf("position = (%f, %f)", sample.Lat, sample.Lng)
	}
	if sample.SourceTime.IsZero() {
		t.Fatalf("epoch timestamp was not parsed")
	}
}

func TestDecodeSampleMillisecondEpoch(t *testing.T) {
	payload := []byte(`{"vehicle_id":"bus-3","lat":1,"lng":1,"timestamp":"1748764800000"}`)
	sample, err := DecodeSample(payload, received)
	if err != nil {
		t.Fatalf("DecodeSample: %v", err)
	}
	want := time.Unix(1748764800, 0).UTC()
	if !sample.SourceTime.Equal(want) {
		t.Fatalf("source time = %v, want %v", sample.SourceTime, want)
	}
}

func TestDecodeSampleRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"not json":          []byte(`{{{{`),
		"missing vehicle":   []byte(`{"lat":1,"lng":2,"timestamp":"2025-06-01T08:00:00Z"}`),
		"missing timestamp": []byte(`{"vehicle_id":"x","lat":1,"lng":2}`),
		"bad timestamp":     []byte(`{"vehicle_id":"x","lat":1,"lng":2,"timestamp":"yesterday"}`),
		"bad latitude":      []byte(`{"vehicle_id":"x","lat":"north","lng":2,"timestamp":"2025-06-01T08:00:00Z"}`),
	}
	for name, payload := range cases {
		if _, err := DecodeSample(payload, received); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}
