package loader

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func TestGeneratorDeterministicForSeed(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g1 := NewGenerator(42, start, 30)
	g2 := NewGenerator(42, start, 30)

	if a, b := g1.Take(20), g2.Take(20); !reflect.DeepEqual(a, b) {
		t.Fatalf("rows differ for equal seeds")
	}
}

func TestGeneratorRowsAreConsistent(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 10)
	g := NewGenerator(7, start, 10)

	for i, row := range g.Take(200) {
		if row.OrderID != int64(i+1) {
			t.Fatalf("order_id = %d, want %d", row.OrderID, i+1)
		}
		date, err := time.Parse(time.DateOnly, row.OrderDate)
		if err != nil {
			t.Fatalf("order_date %q: %v", row.OrderDate, err)
		}
		if date.Before(start) || !date.Before(end) {
			t.Fatalf("order_date %s outside [%s, %s)", row.OrderDate, start.Format(time.DateOnly), end.Format(time.DateOnly))
		}
		if row.Quantity <= 0 {
			t.Fatalf("quantity = %d", row.Quantity)
		}
		if want := round2(row.UnitPrice * float64(row.Quantity)); math.Abs(row.Amount-want) > 1e-9 {
			t.Fatalf("amount = %v, want %v", row.Amount, want)
		}
	}
}
