package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meem-store/checkout-api/internal/receipt"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const defaultReceiptPrefix = "meem"

// ReceiptServiceDeps wires the dependencies required by the receipt service.
type ReceiptServiceDeps struct {
	Orders         repositories.OrderRepository
	Renderers      map[ReceiptFormat]receipt.Renderer
	Options        receipt.Options
	FilenamePrefix string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type receiptService struct {
	orders    repositories.OrderRepository
	renderers map[ReceiptFormat]receipt.Renderer
	options   receipt.Options
	prefix    string
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewReceiptService constructs a ReceiptService. PDF and text renderers are registered when none
// are supplied.
func NewReceiptService(deps ReceiptServiceDeps) (ReceiptService, error) {
	if deps.Orders == nil {
		return nil, errors.New("receipt service: order repository is required")
	}
	renderers := deps.Renderers
	if len(renderers) == 0 {
		renderers = map[ReceiptFormat]receipt.Renderer{
			ReceiptFormatPDF:  receipt.NewPDFRenderer(),
			ReceiptFormatText: receipt.NewTextRenderer(),
		}
	}
	prefix := strings.TrimSpace(deps.FilenamePrefix)
	if prefix == "" {
		prefix = defaultReceiptPrefix
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &receiptService{
		orders:    deps.Orders,
		renderers: renderers,
		options:   deps.Options,
		prefix:    prefix,
		logger:    logger,
	}, nil
}

// Render loads the order and renders the whole receipt in memory, so a missing order or a
// rendering failure is reported before any byte reaches the client.
func (s *receiptService) Render(ctx context.Context, cmd RenderReceiptCommand) (Receipt, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Receipt{}, newValidationError(msgOrderIDRequired, "id")
	}
	format := ReceiptFormat(strings.ToLower(strings.TrimSpace(string(cmd.Format))))
	if format == "" {
		format = ReceiptFormatPDF
	}
	renderer, ok := s.renderers[format]
	if !ok {
		return Receipt{}, newValidationError(fmt.Sprintf("Unsupported receipt format %q.", format), "format")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Receipt{}, mapRepositoryError(err, msgOrderNotFound)
	}

	body, err := renderer.Render(receipt.Build(order, s.options))
	if err != nil {
		s.logger(ctx, "receipt.render_failed", map[string]any{
			"orderID": order.ID,
			"format":  string(format),
			"error":   err.Error(),
		})
		return Receipt{}, fmt.Errorf("receipt: render order %s: %w", order.ID, err)
	}

	return Receipt{
		Filename:    fmt.Sprintf("%s-order-%s.%s", s.prefix, order.ID, renderer.Extension()),
		ContentType: renderer.ContentType(),
		Body:        body,
	}, nil
}
