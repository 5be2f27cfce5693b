package utils

import (
	"testing"
	"time"
)

func TestCoalesceString(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"empty slice", []string{}, ""},
		{"all empty", []string{"", "", ""}, ""},
		{"first non-empty", []string{"a", "", "c"}, "a"},
		{"second non-empty", []string{"", "b", "c"}, "b"},
		{"single", []string{"x"}, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoalesceString(tt.in...)
			if got != tt.want {
				t.Errorf("CoalesceString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultInt(t *testing.T) {
	tests := []struct {
		v, defaultVal, want int
	}{
		{0, 10, 10},
		{1, 10, 1},
		{-1, 10, -1},
		{100, 5, 100},
	}
	for _, tt := range tests {
		got := DefaultInt(tt.v, tt.defaultVal)
		if got != tt.want {
			t.Errorf("DefaultInt(%d, %d) = %d, want %d", tt.v, tt.defaultVal, got, tt.want)
		}
	}
}

func TestParseDurationOr(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Second, time.Second},
		{"5s", time.Second, 5 * time.Second},
		{"bogus", 2 * time.Second, 2 * time.Second},
		{"-1s", time.Minute, time.Minute},
		{"150ms", time.Second, 150 * time.Millisecond},
	}
	for _, tt := range tests {
		got := ParseDurationOr(tt.in, tt.def)
		if got != tt.want {
			t.Errorf("ParseDurationOr(%q, %v) = %v, want %v", tt.in, tt.def, got, tt.want)
		}
	}
}
