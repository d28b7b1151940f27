// Package receipt lays out order receipts and renders them as PDF or plain text.
package receipt

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/platform/textutil"
)

const (
	defaultBrandName = "Meem"
	timestampLayout  = "2006-01-02 15:04:05 MST"
)

// Options brands the receipt and selects the zone used for timestamps.
type Options struct {
	BrandName string
	Footer    string
	Location  *time.Location
}

// Section is a headed block of receipt lines.
type Section struct {
	Heading string
	Lines   []string
}

// Document is the renderer-independent content of a receipt. Two orders with identical data
// always produce identical documents.
type Document struct {
	Title     string
	Sections  []Section
	Footer    string
	OrderID   string
	CreatedAt time.Time
}

// Build lays out the receipt for order.
func Build(order domain.Order, opts Options) Document {
	brand := textutil.NormalizeText(opts.BrandName)
	if brand == "" {
		brand = defaultBrandName
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	footer := textutil.NormalizeText(opts.Footer)
	if footer == "" {
		footer = fmt.Sprintf("Thank you for shopping with %s.", brand)
	}

	status := order.Status
	if status == "" {
		status = domain.OrderStatusCreated
	}
	ident := []string{fmt.Sprintf("Order ID: %s", order.ID)}
	if !order.CreatedAt.IsZero() {
		ident = append(ident, fmt.Sprintf("Date: %s", order.CreatedAt.In(loc).Format(timestampLayout)))
	}
	if order.PaymentSessionID != "" {
		ident = append(ident, fmt.Sprintf("Payment Session ID: %s", order.PaymentSessionID))
	}
	ident = append(ident, fmt.Sprintf("Status: %s", status))

	addr := order.Address
	cityLine := textutil.NormalizeText(addr.City)
	if state := textutil.NormalizeText(addr.State); state != "" {
		cityLine += ", " + state
	}
	shipping := []string{
		"Name: " + textutil.NormalizeText(addr.FullName),
		"Phone: " + textutil.NormalizeText(addr.Phone),
		"Street: " + textutil.NormalizeText(addr.Street),
		"City/State: " + cityLine,
		"Postal Code: " + textutil.NormalizeText(addr.PostalCode),
		"Country: " + textutil.NormalizeText(addr.Country),
	}

	items := make([]string, 0, len(order.Items))
	for i, item := range order.Items {
		items = append(items, fmt.Sprintf("%d. %s  |  Qty: %d  |  Price: $%s  |  Line total: $%s",
			i+1,
			textutil.NormalizeText(item.Name),
			item.Quantity,
			domain.FormatAmount(item.Price),
			domain.FormatAmount(item.LineTotal()),
		))
	}

	return Document{
		Title: fmt.Sprintf("%s - Order Receipt", brand),
		Sections: []Section{
			{Lines: ident},
			{Heading: "Shipping Details", Lines: shipping},
			{Heading: "Items", Lines: items},
			{Heading: "Total", Lines: []string{fmt.Sprintf("Order Total: $%s", domain.FormatAmount(order.Total()))}},
		},
		Footer:    footer,
		OrderID:   order.ID,
		CreatedAt: order.CreatedAt.UTC(),
	}
}

// Lines flattens the document into the plain lines a text renderer prints.
func (d Document) Lines() []string {
	lines := []string{d.Title, ""}
	for _, section := range d.Sections {
		if section.Heading != "" {
			lines = append(lines, section.Heading, strings.Repeat("-", len(section.Heading)))
		}
		lines = append(lines, section.Lines...)
		lines = append(lines, "")
	}
	return append(lines, d.Footer)
}
