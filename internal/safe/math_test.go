package safe

import (
	"errors"
	"math"
	"testing"
)

func TestCheckedUnsigned(t *testing.T) {
	tests := []struct {
		name    string
		op      func(a, b uint64) (uint64, error)
		a, b    uint64
		want    uint64
		wantErr error
	}{
		{"Add", Add, 10, 20, 30, nil},
		{"Add Boundary", Add, math.MaxUint64 - 1, 1, math.MaxUint64, nil},
		{"Add Overflow", Add, math.MaxUint64, 1, 0, ErrOverflow},
		{"Sub", Sub, 30, 10, 20, nil},
		{"Sub To Zero", Sub, 7, 7, 0, nil},
		{"Sub Underflow", Sub, 1, 2, 0, ErrUnderflow},
		{"Mul", Mul, 50, 5, 250, nil},
		{"Mul Zero", Mul, 0, math.MaxUint64, 0, nil},
		{"Mul Boundary", Mul, math.MaxUint64, 1, math.MaxUint64, nil},
		{"Mul Overflow", Mul, 1 << 32, 1 << 32, 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op(tt.a, tt.b)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckedSigned(t *testing.T) {
	if got, err := AddInt64(-5, 10); err != nil || got != 5 {
		t.Errorf("AddInt64(-5, 10) = %d, %v", got, err)
	}
	if _, err := AddInt64(math.MaxInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := AddInt64(math.MinInt64, -1); !errors.Is(err, ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
	if got, err := SubInt64(0, 100); err != nil || got != -100 {
		t.Errorf("SubInt64(0, 100) = %d, %v", got, err)
	}
	if _, err := SubInt64(math.MinInt64, 1); !errors.Is(err, ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
	if _, err := SubInt64(math.MaxInt64, -1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestToInt64(t *testing.T) {
	if v, err := ToInt64(math.MaxInt64); err != nil || v != math.MaxInt64 {
		t.Errorf("ToInt64(MaxInt64) = %d, %v", v, err)
	}
	if _, err := ToInt64(math.MaxInt64 + 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}
