package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/signalhub-api/internal/dto"
	"github.com/noah-isme/signalhub-api/internal/models"
	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
	"github.com/noah-isme/signalhub-api/pkg/export"
)

// maxExportRows bounds a single export.
const maxExportRows = 10000

type signalExportRepository interface {
	ListForExport(ctx context.Context, filter models.SignalFilter) ([]models.Signal, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered document ready to stream.
type ExportFile struct {
	Filename    string
	ContentType string
	Payload     []byte
	Rows        int
}

// ExportService renders signal lists as CSV or PDF.
type ExportService struct {
	repo   signalExportRepository
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService constructs an ExportService; nil renderers fall back to the defaults.
func NewExportService(repo signalExportRepository, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{repo: repo, csv: csv, pdf: pdf, logger: logger, now: time.Now}
}

var signalExportHeaders = []string{"ID", "Owner", "Symbol", "Direction", "Entry", "Target", "Stop", "Timeframe", "Confidence", "Status", "Created"}

// ExportSignals renders every signal matching filter in the requested format.
func (s *ExportService) ExportSignals(ctx context.Context, filter models.SignalFilter, format dto.ExportFormat) (*ExportFile, error) {
	if format != dto.ExportFormatCSV && format != dto.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	signals, err := s.repo.ListForExport(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load signals")
	}
	if len(signals) > maxExportRows {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("export limited to %d rows, narrow the filter", maxExportRows))
	}

	dataset := export.Dataset{Title: "Trading signals", Headers: signalExportHeaders, Rows: make([][]string, 0, len(signals))}
	for _, sig := range signals {
		dataset.Rows = append(dataset.Rows, []string{
			sig.ID,
			sig.UserID,
			sig.Symbol,
			string(sig.Direction),
			formatPrice(sig.EntryPrice),
			formatPrice(sig.TargetPrice),
			formatPrice(sig.StopLoss),
			sig.Timeframe,
			strconv.Itoa(sig.Confidence),
			string(sig.Status),
			sig.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	file := &ExportFile{Rows: len(signals)}
	stamp := s.now().UTC().Format("20060102-150405")
	switch format {
	case dto.ExportFormatCSV:
		file.Payload, err = s.csv.Render(dataset)
		file.ContentType = "text/csv"
	case dto.ExportFormatPDF:
		file.Payload, err = s.pdf.Render(dataset)
		file.ContentType = "application/pdf"
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	file.Filename = fmt.Sprintf("signals-%s.%s", stamp, format)

	s.logger.Info("signals exported", zap.String("format", string(format)), zap.Int("rows", file.Rows))
	return file, nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
