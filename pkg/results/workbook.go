package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

// Sheet names used by analysis workbooks.
const (
	SummarySheet  = "Summary"
	FindingsSheet = "Findings"
	MetricsSheet  = "Metrics"
)

// exportHeaders are the Findings columns written by ExportWorkbook.
var exportHeaders = []string{
	"study_uid",
	"series_uid",
	"probability_of_pathology",
	"probability_of_anomaly",
	"most_dangerous_pathology_type",
	"processing_time",
}

// ReadWorkbook reads an analysis workbook into its raw form: a Summary sheet
// of key/value rows under a header row, and Findings/Metrics sheets whose
// first row holds column names. Missing sheets are treated as empty. Blank
// rows are skipped.
func ReadWorkbook(data []byte) (map[string]any, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, joberr.Wrap("ReadWorkbook", "", joberr.ErrParse, fmt.Errorf("open workbook: %w", err))
	}
	defer func() { _ = f.Close() }()

	return map[string]any{
		"summary":  readSummary(f),
		"findings": readTable(f, FindingsSheet),
		"metrics":  readTable(f, MetricsSheet),
	}, nil
}

// ParseWorkbook reads an analysis workbook and normalizes it.
func (n *Normalizer) ParseWorkbook(data []byte, parsedAt time.Time) (*jobregistry.ResultsPayload, error) {
	raw, err := ReadWorkbook(data)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, joberr.Wrap("ParseWorkbook", "", joberr.ErrParse, err)
	}
	return n.Normalize(b, parsedAt)
}

// ParseWorkbook reads a workbook with a default Normalizer.
func ParseWorkbook(data []byte, parsedAt time.Time) (*jobregistry.ResultsPayload, error) {
	return NewNormalizer(nil).ParseWorkbook(data, parsedAt)
}

func hasSheet(f *excelize.File, name string) bool {
	idx, err := f.GetSheetIndex(name)
	return err == nil && idx >= 0
}

func readSummary(f *excelize.File) map[string]any {
	out := map[string]any{}
	if !hasSheet(f, SummarySheet) {
		return out
	}
	rows, err := f.GetRows(SummarySheet)
	if err != nil {
		return out
	}
	for i, row := range rows {
		if i == 0 || blank(row) {
			continue
		}
		key := strings.TrimSpace(row[0])
		if key == "" {
			continue
		}
		if len(row) > 1 {
			out[key] = row[1]
		} else {
			out[key] = nil
		}
	}
	return out
}

func readTable(f *excelize.File, sheet string) []any {
	out := []any{}
	if !hasSheet(f, sheet) {
		return out
	}
	rows, err := f.GetRows(sheet)
	if err != nil || len(rows) == 0 {
		return out
	}
	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		record := map[string]any{}
		for i, h := range headers {
			if h == "" {
				continue
			}
			if i < len(row) && row[i] != "" {
				record[h] = row[i]
			} else {
				record[h] = nil
			}
		}
		out = append(out, record)
	}
	return out
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ExportWorkbook writes p as a workbook with Summary and Findings sheets
// that ParseWorkbook reads back.
func ExportWorkbook(p *jobregistry.ResultsPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("no results to export")
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(FindingsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(SummarySheet, "A1", "Key")
	_ = f.SetCellValue(SummarySheet, "B1", "Value")
	keys := make([]string, 0, len(p.Summary))
	for k := range p.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		row := i + 2
		_ = f.SetCellValue(SummarySheet, cellName(1, row), k)
		_ = f.SetCellValue(SummarySheet, cellName(2, row), p.Summary[k])
	}

	for i, h := range exportHeaders {
		_ = f.SetCellValue(FindingsSheet, cellName(i+1, 1), h)
	}
	for r, row := range p.Rows {
		values := []any{
			strOrEmpty(row.StudyUID),
			strOrEmpty(row.SeriesUID),
			floatOrEmpty(row.ProbabilityOfPathology),
			floatOrEmpty(row.ProbabilityOfAnomaly),
			strOrEmpty(row.MostDangerousPathologyType),
			floatOrEmpty(row.ProcessingTime),
		}
		for c, v := range values {
			_ = f.SetCellValue(FindingsSheet, cellName(c+1, r+2), v)
		}
	}

	_ = f.SetColWidth(SummarySheet, "A", "B", 28)
	_ = f.SetColWidth(FindingsSheet, "A", "B", 40)
	_ = f.SetColWidth(FindingsSheet, "C", "F", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatOrEmpty(f *float64) any {
	if f == nil {
		return ""
	}
	return *f
}
