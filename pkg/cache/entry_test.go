package cache

import (
	"testing"
	"time"
)

func TestEntry_IsExpiredAt(t *testing.T) {
	inserted := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	entry := NewEntry("meetings_2024", "payload", inserted, time.Hour)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at insertion", inserted, false},
		{"before expiry", inserted.Add(59 * time.Minute), false},
		{"exactly at expiry", inserted.Add(time.Hour), true},
		{"after expiry", inserted.Add(time.Hour + time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entry.IsExpiredAt(tt.at); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_TTLAt(t *testing.T) {
	inserted := time.Now()
	entry := NewEntry("grid_9158", 1, inserted, 5*time.Minute)

	if got := entry.TTLAt(inserted.Add(time.Minute)); got != 4*time.Minute {
		t.Errorf("TTLAt() = %v, want 4m", got)
	}
	if got := entry.TTLAt(inserted.Add(10 * time.Minute)); got != 0 {
		t.Errorf("TTLAt() after expiry = %v, want 0", got)
	}
	if !entry.CachedAt.Equal(inserted) {
		t.Errorf("CachedAt = %v, want %v", entry.CachedAt, inserted)
	}
}
