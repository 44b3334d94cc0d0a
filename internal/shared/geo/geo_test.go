package geo

import "testing"

func TestHaversineKm(t *testing.T) {
	// Jakarta (-6.2, 106.816) to Bandung (-6.9175, 107.6191) ~ 115-120 km
	d := HaversineKm(-6.2, 106.816, -6.9175, 107.6191)
	if d < 100 || d > 140 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestHaversineMetersSamePoint(t *testing.T) {
	if d := HaversineMeters(4.711, -74.072, 4.711, -74.072); d != 0 {
		t.Fatalf("expected zero distance, got %v", d)
	}
}

func TestHaversineMetersShortHop(t *testing.T) {
	// 0.001 deg of latitude is ~111 m
	d := HaversineMeters(4.711, -74.072, 4.712, -74.072)
	if d < 105 || d > 117 {
		t.Fatalf("unexpected distance: %v", d)
	}
}

func TestWithin(t *testing.T) {
	if !Within(4.711, -74.072, 150, 4.712, -74.072) {
		t.Fatalf("expected point inside radius")
	}
	if Within(4.711, -74.072, 100, 4.712, -74.072) {
		t.Fatalf("expected point outside radius")
	}
}
