package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/ingest"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

const (
	sheet         = "Submissions"
	maxCellLength = 32767
)

// fixed columns written before the per-field columns
var baseHeaders = []string{
	"Submission ID",
	"Received At",
	"Status",
	"IP Address",
	"Document ID",
	"Signed Document",
}

// Service produces XLSX workbooks of a form's submissions.
type Service struct {
	forms  repository.FormRepository
	subs   repository.SubmissionRepository
	meta   repository.SubmissionMetaRepository
	logger *slog.Logger
}

func NewService(forms repository.FormRepository, subs repository.SubmissionRepository, meta repository.SubmissionMetaRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{forms: forms, subs: subs, meta: meta, logger: logger}
}

// SubmissionsXLSX returns the workbook bytes for formID.
// If only from is provided -> from..now.
// If only to is provided   -> beginning..to (inclusive day).
// If neither is provided   -> every submission of the form.
func (s *Service) SubmissionsXLSX(ctx context.Context, formID int64, from, to *time.Time) ([]byte, error) {
	start := time.Now()

	form, err := s.forms.GetByID(ctx, formID)
	if err != nil {
		return nil, err
	}

	var until *time.Time
	if to != nil {
		// to is a date: include the whole day
		end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		until = &end
	}
	subs, err := s.subs.ListByForm(ctx, form.ID, from, until)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}

	rows := make([]map[string]any, len(subs))
	fieldSet := map[string]struct{}{}
	for i, sub := range subs {
		data, err := ingest.DecodePayload(sub)
		if err != nil {
			s.logger.Warn("export.payload.undecodable", "submission_id", sub.ID.String(), "error", err)
			continue
		}
		rows[i] = data
		for k := range data {
			fieldSet[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}
	_ = f.DeleteSheet("Sheet1")
	idx, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(idx)

	headers := append(append([]string{}, baseHeaders...), fields...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, sub := range subs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		docID, _ := s.meta.Get(ctx, sub.ID, constants.MetaDocumentID)
		signedURL, _ := s.meta.Get(ctx, sub.ID, constants.MetaSignedURL)

		write(1, sub.ID.String())
		write(2, sub.CreatedAt.UTC().Format(time.RFC3339))
		write(3, string(sub.Status))
		write(4, sub.IPAddress)
		write(5, docID)
		write(6, signedURL)
		for j, name := range fields {
			v, ok := rows[i][name]
			if !ok {
				continue
			}
			write(len(baseHeaders)+j+1, cellValue(v))
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // id
	_ = f.SetColWidth(sheet, "B", "B", 22)
	_ = f.SetColWidth(sheet, "C", "E", 18)
	_ = f.SetColWidth(sheet, "F", "F", 60) // signed url
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"form_id", form.ID,
		"rows", len(subs),
		"fields", len(fields),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ParseDate parses an optional YYYY-MM-DD query value.
func ParseDate(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, common.ValidationErrorf("%s must be YYYY-MM-DD", name)
	}
	return &t, nil
}

func cellValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case bool, float64, int, int64:
		return x
	case string:
		return truncate(x, maxCellLength)
	default:
		return truncate(fmt.Sprintf("%v", x), maxCellLength)
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
