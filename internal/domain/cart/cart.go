// Package cart describes the cart snapshot handed to the promotion engine by
// the order service. All monetary values are integers in the smallest
// currency unit.
package cart

// Item is a single cart line.
type Item struct {
	ProductID  string
	CategoryID string
	UnitPrice  int64
	Quantity   int
}

// LineTotal returns UnitPrice * Quantity.
func (i Item) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Snapshot is the cart contents at the time of a promotion decision.
type Snapshot struct {
	Items        []Item
	ShippingCost int64
}

// Subtotal returns the sum of line totals across all items.
func (s Snapshot) Subtotal() int64 {
	return Subtotal(s.Items)
}

// Subtotal returns the sum of line totals of the given items.
func Subtotal(items []Item) int64 {
	var sum int64
	for _, item := range items {
		sum += item.LineTotal()
	}
	return sum
}

// TotalQuantity returns the number of units across the given items.
func TotalQuantity(items []Item) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}
