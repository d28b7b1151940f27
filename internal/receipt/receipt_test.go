package receipt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
)

func sampleOrder() domain.Order {
	return domain.Order{
		ID: "ord_01HZX",
		Items: []domain.LineItem{
			{Name: "Denim Jacket", Price: decimal.RequireFromString("49.99"), Quantity: 1},
			{Name: "White Sneakers", Price: decimal.RequireFromString("59.99"), Quantity: 2},
		},
		Address: domain.Address{
			FullName: "Ali Khan",
			Phone:    "0300-0000000",
			Street:   "1 Campus Rd",
			City:     "Lahore",
		},
		TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("169.97")),
		Currency:         "usd",
		PaymentSessionID: "cs_test_123",
		Status:           domain.OrderStatusCreated,
		CreatedAt:        time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		UpdatedAt:        time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestBuildLaysOutReceipt(t *testing.T) {
	doc := Build(sampleOrder(), Options{BrandName: "Meem"})

	if doc.Title != "Meem - Order Receipt" {
		t.Fatalf("unexpected title %q", doc.Title)
	}
	text := strings.Join(doc.Lines(), "\n")
	for _, want := range []string{
		"Order ID: ord_01HZX",
		"Date: 2026-03-14 09:26:53 UTC",
		"Payment Session ID: cs_test_123",
		"Status: created",
		"Name: Ali Khan",
		"City/State: Lahore",
		"Postal Code: ",
		"1. Denim Jacket  |  Qty: 1  |  Price: $49.99  |  Line total: $49.99",
		"2. White Sneakers  |  Qty: 2  |  Price: $59.99  |  Line total: $119.98",
		"Order Total: $169.97",
		"Thank you for shopping with Meem.",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("receipt missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "undefined") || strings.Contains(text, "<nil>") {
		t.Fatalf("receipt must render missing fields blank:\n%s", text)
	}
}

func TestBuildRecomputesMissingTotal(t *testing.T) {
	order := sampleOrder()
	order.TotalAmount = decimal.NullDecimal{}
	order.Items = []domain.LineItem{{Name: "Pin", Price: decimal.RequireFromString("0.125"), Quantity: 3}}

	doc := Build(order, Options{})
	total := doc.Sections[len(doc.Sections)-1].Lines[0]
	want := fmt.Sprintf("Order Total: $%s", domain.FormatAmount(domain.OrderTotal(order.Items)))
	if total != want {
		t.Fatalf("expected %q, got %q", want, total)
	}
	if total != "Order Total: $0.38" {
		t.Fatalf("expected half-up rounding, got %q", total)
	}
}

func TestBuildUsesConfiguredZoneAndState(t *testing.T) {
	order := sampleOrder()
	order.Address.State = "Punjab"
	loc := time.FixedZone("PKT", 5*60*60)

	doc := Build(order, Options{Location: loc, Footer: "Sandbox receipt."})
	text := strings.Join(doc.Lines(), "\n")
	if !strings.Contains(text, "Date: 2026-03-14 14:26:53 PKT") {
		t.Fatalf("expected local timestamp:\n%s", text)
	}
	if !strings.Contains(text, "City/State: Lahore, Punjab") {
		t.Fatalf("expected state appended:\n%s", text)
	}
	if doc.Footer != "Sandbox receipt." {
		t.Fatalf("unexpected footer %q", doc.Footer)
	}
}

func TestPDFRendererIsDeterministic(t *testing.T) {
	renderer := NewPDFRenderer()
	doc := Build(sampleOrder(), Options{BrandName: "Meem"})

	first, err := renderer.Render(doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := renderer.Render(Build(sampleOrder(), Options{BrandName: "Meem"}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(first, []byte("%PDF-")) {
		t.Fatalf("expected pdf header, got %q", first[:8])
	}
	if !bytes.Equal(first, second) {
		t.Fatal("identical orders must render identical bytes")
	}
	if renderer.ContentType() != "application/pdf" || renderer.Extension() != "pdf" {
		t.Fatal("unexpected pdf metadata")
	}
}

func TestPDFRendererHandlesLongOrders(t *testing.T) {
	order := sampleOrder()
	order.TotalAmount = decimal.NullDecimal{}
	order.Items = nil
	for i := 0; i < 120; i++ {
		order.Items = append(order.Items, domain.LineItem{
			Name:     fmt.Sprintf("Caf\u00e9 mug %d", i),
			Price:    decimal.RequireFromString("4.50"),
			Quantity: 1,
		})
	}
	out, err := NewPDFRenderer().Render(Build(order, Options{}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected pdf bytes")
	}
}

func utf16BE(s string) []byte {
	var out []byte
	for _, r := range s {
		out = append(out, byte(r>>8), byte(r))
	}
	return out
}

func TestPDFRendererKeepsNonLatinText(t *testing.T) {
	order := sampleOrder()
	order.Address.FullName = "Łukasz Żółć"
	order.Items[0].Name = "Çay bardağı"

	out, err := (&PDFRenderer{uncompressed: true}).Render(Build(order, Options{}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, text := range []string{"Łukasz Żółć", "Çay bardağı"} {
		if !bytes.Contains(out, utf16BE(text)) {
			t.Fatalf("expected %q to be set in the unicode font", text)
		}
	}
	if bytes.Contains(out, []byte("?ukasz")) {
		t.Fatal("glyphs outside Latin-1 must not be replaced")
	}
	if !bytes.Contains(out, []byte("/FontFile2")) {
		t.Fatal("expected an embedded TrueType font")
	}
}

func TestTextRenderer(t *testing.T) {
	out, err := NewTextRenderer().Render(Build(sampleOrder(), Options{BrandName: "Meem"}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	text := string(out)
	if !strings.HasPrefix(text, "Meem - Order Receipt\n") {
		t.Fatalf("unexpected text receipt:\n%s", text)
	}
	if !strings.Contains(text, "Items\n-----\n1. Denim Jacket") {
		t.Fatalf("expected underlined items heading:\n%s", text)
	}
}
