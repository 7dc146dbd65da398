package db

import "testing"

func TestCounters_Record(t *testing.T) {
	var c Counters
	for _, s := range []string{
		DeliverySent, DeliverySent, DeliveryBlocked, DeliveryDeactivated,
		DeliveryThrottled, DeliveryNotFound, DeliveryUnknown, DeliveryFailed,
	} {
		c.Record(s)
	}

	if c.Sent != 2 {
		t.Errorf("expected sent 2, got %d", c.Sent)
	}
	if c.Blocked != 1 || c.Deactivated != 1 {
		t.Errorf("expected blocked 1 deactivated 1, got %d %d", c.Blocked, c.Deactivated)
	}
	if c.Error != 4 {
		t.Errorf("expected error 4, got %d", c.Error)
	}
	if c.Failed != c.Blocked+c.Deactivated+c.Error {
		t.Errorf("failed %d does not equal blocked+deactivated+error", c.Failed)
	}
}

func TestCounters_Percentage(t *testing.T) {
	tests := []struct {
		name string
		c    Counters
		want float64
	}{
		{"empty job", Counters{}, 0},
		{"half done", Counters{Total: 10, Sent: 4, Failed: 1}, 50},
		{"rounded", Counters{Total: 3, Sent: 1}, 33.33},
		{"complete", Counters{Total: 5, Sent: 4, Failed: 1}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Percentage(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCounters_Summary(t *testing.T) {
	c := Counters{Sent: 182, Failed: 14, Blocked: 9, Deactivated: 3, Error: 2}
	want := "sent: 182, failed: 14 (blocked: 9, deactivated: 3, error: 2)"
	if got := c.Summary(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCounterDelta(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		want     Counters
	}{
		{"retry succeeded", DeliveryThrottled, DeliverySent, Counters{Sent: 1, Failed: -1, Error: -1}},
		{"retry became blocked", DeliveryTransient, DeliveryBlocked, Counters{Blocked: 1, Error: -1}},
		{"retry exhausted", DeliveryUnknown, DeliveryFailed, Counters{}},
		{"same bucket", DeliveryThrottled, DeliveryTransient, Counters{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CounterDelta(tt.from, tt.to)
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
