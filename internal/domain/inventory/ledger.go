// Package inventory guards product stock: availability checks before a
// checkout session is created and the conditional decrement applied when an
// order is fulfilled.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrOversell is returned by Ledger.Decrement when the product does not
// have enough stock left. Stock is never driven negative.
var ErrOversell = errors.New("insufficient stock to decrement")

// InsufficientStockError names the available count so the shopper can adjust.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	if e.Available <= 0 {
		return fmt.Sprintf("%s is out of stock", e.Name)
	}
	return fmt.Sprintf("only %d of %s available, requested %d", e.Available, e.Name, e.Requested)
}

// Ledger reads and mutates stock counts.
type Ledger interface {
	// Available returns the current stock of productID.
	Available(ctx context.Context, productID string) (int, error)
	// Decrement subtracts quantity from productID's stock only if at least
	// quantity remains, otherwise it returns ErrOversell and changes nothing.
	Decrement(ctx context.Context, productID string, quantity int) error
}

// Line is a product and the quantity wanted of it.
type Line struct {
	ProductID string
	Name      string
	Quantity  int
}

// CheckAvailable reports whether productID has at least quantity in stock.
func CheckAvailable(ctx context.Context, l Ledger, productID string, quantity int) (bool, error) {
	stock, err := l.Available(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("get stock for %q: %w", productID, err)
	}
	return stock >= quantity, nil
}

// Require fails with *InsufficientStockError on the first line whose stock
// is short. Quantities for the same product are summed first.
func Require(ctx context.Context, l Ledger, lines []Line) error {
	want := make(map[string]int, len(lines))
	order := make([]Line, 0, len(lines))
	for _, ln := range lines {
		if _, seen := want[ln.ProductID]; !seen {
			order = append(order, ln)
		}
		want[ln.ProductID] += ln.Quantity
	}

	for _, ln := range order {
		stock, err := l.Available(ctx, ln.ProductID)
		if err != nil {
			return fmt.Errorf("get stock for %q: %w", ln.ProductID, err)
		}
		if stock < want[ln.ProductID] {
			return &InsufficientStockError{
				ProductID: ln.ProductID,
				Name:      ln.Name,
				Available: stock,
				Requested: want[ln.ProductID],
			}
		}
	}
	return nil
}
