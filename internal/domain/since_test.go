package domain

import "testing"

func TestSinceEncoding(t *testing.T) {
	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"absolute block", SinceFromAbsoluteBlockNumber(100), 100},
		{"relative block", SinceFromRelativeBlockNumber(100), 0x8000000000000064},
		{"absolute timestamp", SinceFromAbsoluteTimestamp(1), 0x4000000000000001},
		{"relative timestamp", SinceFromRelativeTimestamp(1), 0xc000000000000001},
		{"absolute epoch", SinceFromAbsoluteEpoch(5), 0x2000000000000005},
		{"relative epoch", SinceFromRelativeEpoch(5), 0xa000000000000005},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
}

func TestEpochNumberWithFraction(t *testing.T) {
	got := EpochNumberWithFraction(10, 3, 1000)
	want := uint64(1000)<<40 | uint64(3)<<24 | 10
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
	if EpochNumberWithFraction(1<<24, 0, 0) != 0 {
		t.Fatal("epoch number should be masked to 24 bits")
	}
}
