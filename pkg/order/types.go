// Package order defines the immutable business objects the submission core
// receives from the point of sale: finalized order snapshots and end-of-day
// closings. The core never computes prices or taxes; amounts arrive as
// decimal strings with at most two fractional digits.
package order

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category tags the fiscal nature of an order.
type Category string

const (
	CategorySale         Category = "ENR" // original sale
	CategoryCancellation Category = "ANN" // full cancellation
	CategoryCorrection   Category = "MOD" // correction of a prior sale
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySale, CategoryCancellation, CategoryCorrection:
		return true
	}
	return false
}

// Line is one itemised order line.
type Line struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
}

// Snapshot is a finalized order as handed to the core.
type Snapshot struct {
	OrderID       string    `json:"order_id"`
	TenantID      string    `json:"tenant_id"`
	BranchID      string    `json:"branch_id"`
	DeviceID      string    `json:"device_id"`
	Category      Category  `json:"category"`
	Timestamp     time.Time `json:"timestamp"`
	Lines         []Line    `json:"lines"`
	Subtotal      string    `json:"subtotal"`
	GST           string    `json:"gst"`
	QST           string    `json:"qst"`
	Tip           string    `json:"tip"`
	Total         string    `json:"total"`
	PaymentMethod string    `json:"payment_method"`
	ServiceType   string    `json:"service_type"`
}

// Closing is an end-of-day closing summary for one device.
type Closing struct {
	ClosingID        string    `json:"closing_id"`
	TenantID         string    `json:"tenant_id"`
	BranchID         string    `json:"branch_id"`
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
	TransactionCount int       `json:"transaction_count"`
	GrossTotal       string    `json:"gross_total"`
	GSTTotal         string    `json:"gst_total"`
	QSTTotal         string    `json:"qst_total"`
}

// Submission is the common view the worker operates on after dispatching the
// order-vs-closing variant once.
type Submission interface {
	EntityID() string
	TransactionTime() time.Time
	TotalCents() (int64, error)
	Branch() string
	Device() string
}

func (s *Snapshot) EntityID() string           { return s.OrderID }
func (s *Snapshot) TransactionTime() time.Time { return s.Timestamp }
func (s *Snapshot) Branch() string             { return s.BranchID }
func (s *Snapshot) Device() string             { return s.DeviceID }

// TotalCents converts the grand total to integer cents.
func (s *Snapshot) TotalCents() (int64, error) { return Cents(s.Total) }

func (c *Closing) EntityID() string           { return c.ClosingID }
func (c *Closing) TransactionTime() time.Time { return c.Timestamp }
func (c *Closing) Branch() string             { return c.BranchID }
func (c *Closing) Device() string             { return c.DeviceID }

func (c *Closing) TotalCents() (int64, error) { return Cents(c.GrossTotal) }

// Cents parses a decimal amount with at most two fractional digits into
// integer cents. Negative amounts are allowed (cancellations carry negated
// totals).
func Cents(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, fmt.Errorf("order: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("order: amount %q has more than two fractional digits", amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order: bad amount %q: %w", amount, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order: bad amount %q: %w", amount, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

// FormatCents renders integer cents back to a two-decimal string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
