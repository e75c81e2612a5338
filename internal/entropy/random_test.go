package entropy

import "testing"

func TestSequenceWraps(t *testing.T) {
	s := NewSequence(0.1, 0.2, 0.3)
	want := []float64{0.1, 0.2, 0.3, 0.1}
	for i, w := range want {
		if got := s.Float(); got != w {
			t.Errorf("draw %d = %v, want %v", i, got, w)
		}
	}
	if got := NewSequence().Float(); got != 0 {
		t.Errorf("empty sequence = %v, want 0", got)
	}
}

func TestSeededIsDeterministic(t *testing.T) {
	a, b := NewSeeded(42), NewSeeded(42)
	for i := 0; i < 100; i++ {
		x, y := a.Float(), b.Float()
		if x != y {
			t.Fatalf("draw %d differs: %v vs %v", i, x, y)
		}
		if x < 0 || x >= 1 {
			t.Fatalf("draw %d out of range: %v", i, x)
		}
	}
}

func TestUniform(t *testing.T) {
	s := NewSequence(0, 0.5)
	if got := Uniform(s, 10, 20); got != 10 {
		t.Errorf("Uniform lo = %v", got)
	}
	if got := Uniform(s, 10, 20); got != 15 {
		t.Errorf("Uniform mid = %v", got)
	}
}

func TestSelect(t *testing.T) {
	if _, ok := Select("", 7).(*Seeded); !ok {
		t.Error("seed should select Seeded")
	}
	if _, ok := Select("", 0).(Crypto); !ok {
		t.Error("no seed should select Crypto")
	}
	c, ok := Select("key", 7).(*Client)
	if !ok {
		t.Fatal("api key should select Client")
	}
	if _, ok := c.Fallback.(*Seeded); !ok {
		t.Error("client should fall back to the seeded source")
	}
	if v := (Crypto{}).Float(); v < 0 || v >= 1 {
		t.Errorf("crypto float out of range: %v", v)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		v, want float64
	}{
		{-0.2, 0}, {0.5, 0.5}, {1.4, 1},
	}
	for _, tt := range tests {
		if got := Clamp(tt.v, 0, 1); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
	if got := Clamp(12, 1, 10); got != 10 {
		t.Errorf("int clamp = %d", got)
	}
}
