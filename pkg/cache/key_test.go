package cache

import "testing"

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "single param",
			key:  NewKey("meetings", 2024),
			want: "meetings_2024",
		},
		{
			name: "two params keep order",
			key:  NewKey("laps", 123, 44),
			want: "laps_123_44",
		},
		{
			name: "no params",
			key:  CacheKey{Resource: "meetings"},
			want: "meetings",
		},
		{
			name: "whitespace trimmed",
			key:  CacheKey{Resource: " stints ", Params: []string{" 9161", "1 "}},
			want: "stints_9161_1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := NewKey("positions", 9161, 1).String()
	b := NewKey("positions", "9161", "1").String()
	if a != b {
		t.Errorf("Keys differ: %q vs %q", a, b)
	}

	if NewKey("positions", 1, 9161).String() == a {
		t.Error("Parameter order must be significant")
	}
}
