package receipt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Renderer turns a Document into downloadable bytes.
type Renderer interface {
	Render(doc Document) ([]byte, error)
	ContentType() string
	Extension() string
}

const (
	pdfFont        = "DejaVu"
	pdfMargin      = 18.0
	pdfBottomSpace = 20.0
	pdfCreator     = "checkout-api"
)

//go:embed fonts/*.ttf
var fontFiles embed.FS

// pdfFontFaces maps fpdf styles to the embedded DejaVu faces. Underline is drawn by fpdf, not the font.
var pdfFontFaces = map[string]string{
	"":  "fonts/DejaVuSansCondensed.ttf",
	"B": "fonts/DejaVuSansCondensed-Bold.ttf",
	"I": "fonts/DejaVuSansCondensed-Oblique.ttf",
}

// PDFRenderer produces A4 receipts with numbered pages. Document dates are pinned to the order's
// creation time and catalog entries are sorted, so equal documents render to equal bytes.
// Text is set in an embedded Unicode font, so names and addresses outside Latin-1 keep their glyphs.
type PDFRenderer struct {
	uncompressed bool
}

// NewPDFRenderer returns the PDF renderer.
func NewPDFRenderer() *PDFRenderer { return &PDFRenderer{} }

func (r *PDFRenderer) ContentType() string { return "application/pdf" }

func (r *PDFRenderer) Extension() string { return "pdf" }

func (r *PDFRenderer) Render(doc Document) ([]byte, error) {
	stamp := doc.CreatedAt
	if stamp.IsZero() {
		stamp = time.Unix(0, 0).UTC()
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(stamp)
	pdf.SetModificationDate(stamp)
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfBottomSpace)
	pdf.AliasNbPages("")
	if r.uncompressed {
		pdf.SetCompression(false)
	}
	for _, style := range []string{"", "B", "I"} {
		face, err := fontFiles.ReadFile(pdfFontFaces[style])
		if err != nil {
			return nil, fmt.Errorf("receipt: load font %q: %w", style, err)
		}
		pdf.AddUTF8FontFromBytes(pdfFont, style, face)
	}

	pdf.SetTitle(doc.Title, true)
	pdf.SetSubject("Order "+doc.OrderID, true)
	pdf.SetCreator(pdfCreator, false)

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(pdfFont, "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont(pdfFont, "B", 20)
	pdf.MultiCell(0, 10, doc.Title, "", "C", false)
	pdf.Ln(4)

	for _, section := range doc.Sections {
		if section.Heading != "" {
			pdf.SetFont(pdfFont, "BU", 14)
			pdf.MultiCell(0, 8, section.Heading, "", "L", false)
			pdf.Ln(1)
		}
		pdf.SetFont(pdfFont, "", 11)
		for _, line := range section.Lines {
			pdf.MultiCell(0, 6, line, "", "L", false)
		}
		pdf.Ln(4)
	}

	pdf.Ln(6)
	pdf.SetFont(pdfFont, "I", 10)
	pdf.MultiCell(0, 6, doc.Footer, "", "C", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("receipt: render pdf for order %s: %w", doc.OrderID, err)
	}
	return buf.Bytes(), nil
}

// TextRenderer produces a UTF-8 plain text receipt.
type TextRenderer struct{}

// NewTextRenderer returns the plain text renderer.
func NewTextRenderer() *TextRenderer { return &TextRenderer{} }

func (r *TextRenderer) ContentType() string { return "text/plain; charset=utf-8" }

func (r *TextRenderer) Extension() string { return "txt" }

func (r *TextRenderer) Render(doc Document) ([]byte, error) {
	return []byte(strings.Join(doc.Lines(), "\n") + "\n"), nil
}
