package loader

import (
	"math"
	"math/rand"
	"time"
)

// SaleRow is one order line of the demo sales table.
type SaleRow struct {
	OrderID   int64   `parquet:"order_id"`
	OrderDate string  `parquet:"order_date"`
	Region    string  `parquet:"region"`
	Product   string  `parquet:"product"`
	Category  string  `parquet:"category"`
	Quantity  int32   `parquet:"quantity"`
	UnitPrice float64 `parquet:"unit_price"`
	Amount    float64 `parquet:"amount"`
}

type product struct {
	name     string
	category string
	price    float64
}

var (
	regions  = []string{"north", "south", "east", "west"}
	products = []product{
		{name: "notebook", category: "stationery", price: 4.5},
		{name: "pen", category: "stationery", price: 1.2},
		{name: "desk lamp", category: "furniture", price: 34},
		{name: "office chair", category: "furniture", price: 189},
		{name: "monitor", category: "electronics", price: 229},
		{name: "keyboard", category: "electronics", price: 59},
		{name: "headset", category: "electronics", price: 89},
	}
)

type Generator struct {
	rnd      *rand.Rand
	start    time.Time
	days     int
	sequence int64
}

func NewGenerator(seed int64, start time.Time, days int) *Generator {
	if days <= 0 {
		days = 1
	}
	return &Generator{
		rnd:   rand.New(rand.NewSource(seed)),
		start: start.UTC().Truncate(24 * time.Hour),
		days:  days,
	}
}

func (g *Generator) NextSale() SaleRow {
	g.sequence++
	item := products[g.rnd.Intn(len(products))]
	quantity := g.pickQuantity(item)
	// Prices jitter by up to 10% per order.
	price := round2(item.price * (0.9 + 0.2*g.rnd.Float64()))

	return SaleRow{
		OrderID:   g.sequence,
		OrderDate: g.start.AddDate(0, 0, g.rnd.Intn(g.days)).Format(time.DateOnly),
		Region:    pickOne(g.rnd, regions),
		Product:   item.name,
		Category:  item.category,
		Quantity:  quantity,
		UnitPrice: price,
		Amount:    round2(price * float64(quantity)),
	}
}

func (g *Generator) Take(n int) []SaleRow {
	rows := make([]SaleRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, g.NextSale())
	}
	return rows
}

func (g *Generator) pickQuantity(item product) int32 {
	if item.price > 100 {
		return int32(1 + g.rnd.Intn(2))
	}
	return int32(1 + g.rnd.Intn(12))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
