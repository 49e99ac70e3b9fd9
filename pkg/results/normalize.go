// Package results turns the backend's analysis output into the fixed
// ResultsPayload schema and fetches it once a job succeeds.
//
// The backend has produced results under several key spellings over time
// (camelCase, snake_case, spreadsheet headers). Each normalized field has a
// priority list of candidate keys; the first candidate that is present,
// non-null and non-empty wins.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

// Candidate keys per field, highest priority first.
var (
	StudyUIDKeys = []string{
		"studyUid", "study_uid", "StudyInstanceUID", "study_instance_uid", "Study UID", "study_id",
	}
	SeriesUIDKeys = []string{
		"seriesUid", "series_uid", "SeriesInstanceUID", "series_instance_uid", "Series UID", "series_id",
	}
	ProbabilityOfPathologyKeys = []string{
		"probabilityOfPathology", "probability_of_pathology", "pathology_probability",
		"prob_pathology", "Probability of pathology", "pathology_score",
	}
	ProbabilityOfAnomalyKeys = []string{
		"probabilityOfAnomaly", "probability_of_anomaly", "anomaly_probability",
		"prob_anomaly", "Probability of anomaly", "anomaly_score",
	}
	MostDangerousPathologyTypeKeys = []string{
		"mostDangerousPathologyType", "most_dangerous_pathology_type", "pathology_type",
		"Most dangerous pathology type", "pathology", "finding",
	}
	ProcessingTimeKeys = []string{
		"processingTime", "processing_time", "processing_time_sec", "Processing time",
		"time_of_processing", "duration_seconds",
	}

	// rowListKeys are the result sections that may carry rows, in order.
	rowListKeys = []string{"rows", "findings", "metrics"}
)

// Normalizer converts raw results into a ResultsPayload.
type Normalizer struct {
	log *zap.Logger
}

// NewNormalizer returns a Normalizer. A nil logger disables diagnostics.
func NewNormalizer(log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{log: log}
}

// Normalize converts raw results with a default Normalizer.
func Normalize(raw json.RawMessage, parsedAt time.Time) (*jobregistry.ResultsPayload, error) {
	return NewNormalizer(nil).Normalize(raw, parsedAt)
}

// Normalize converts raw into a payload. raw may be the results object
// itself, a JSON string containing it, or a {"results": {...}} wrapper.
//
// Rows come from the first non-empty list among "rows", "findings" and
// "metrics". Malformed rows are dropped and logged; the rest are kept.
func (n *Normalizer) Normalize(raw json.RawMessage, parsedAt time.Time) (*jobregistry.ResultsPayload, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, joberr.Wrap("NormalizeResults", "", joberr.ErrParse, err)
	}
	if inner, ok := obj["results"].(map[string]any); ok {
		if parsedAt.IsZero() {
			if s, ok := obj["parsed_at"].(string); ok {
				parsedAt, _ = apiclient.ParseTime(s)
			}
		}
		obj = inner
	}
	if parsedAt.IsZero() {
		if s, ok := obj["parsed_at"].(string); ok {
			parsedAt, _ = apiclient.ParseTime(s)
		}
	}

	payload := &jobregistry.ResultsPayload{
		Summary: summarize(obj["summary"]),
		Rows:    []jobregistry.ResultRow{},
	}
	if !parsedAt.IsZero() {
		t := parsedAt.UTC()
		payload.ParsedAt = &t
	}

	for i, item := range rowList(obj) {
		row, err := normalizeRow(item)
		if err != nil {
			n.log.Warn("Dropping malformed result row", zap.Int("row", i), zap.Error(err))
			continue
		}
		payload.Rows = append(payload.Rows, row)
	}
	return payload, nil
}

// FromDocument converts a job document's embedded results, if any.
func FromDocument(doc apiclient.JobDocument) (*jobregistry.ResultsPayload, bool) {
	if !doc.HasResults() {
		return nil, false
	}
	payload, err := Normalize(doc.ResultsPayload, doc.ResultsParsedAt.Time)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// PatchFromDocument converts doc into a registry patch including any
// embedded results.
func PatchFromDocument(doc apiclient.JobDocument) jobregistry.Patch {
	p := doc.Patch()
	if payload, ok := FromDocument(doc); ok {
		p.Results = payload
	}
	return p
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("results payload is empty")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = []byte(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("results payload is not an object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("results payload is empty")
	}
	return obj, nil
}

func rowList(obj map[string]any) []any {
	for _, key := range rowListKeys {
		if list, ok := obj[key].([]any); ok && len(list) > 0 {
			return list
		}
	}
	return nil
}

func summarize(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := stringify(m[k]); ok {
			out[strings.TrimSpace(k)] = s
		}
	}
	return out
}

// stringify renders a JSON value as text. Nulls are skipped.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func normalizeRow(item any) (jobregistry.ResultRow, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return jobregistry.ResultRow{}, fmt.Errorf("row is %T, not an object", item)
	}

	var row jobregistry.ResultRow
	var err error

	row.StudyUID = pickString(m, StudyUIDKeys)
	row.SeriesUID = pickString(m, SeriesUIDKeys)
	row.MostDangerousPathologyType = pickString(m, MostDangerousPathologyTypeKeys)

	if row.ProbabilityOfPathology, err = pickFloat(m, ProbabilityOfPathologyKeys); err != nil {
		return jobregistry.ResultRow{}, err
	}
	if row.ProbabilityOfAnomaly, err = pickFloat(m, ProbabilityOfAnomalyKeys); err != nil {
		return jobregistry.ResultRow{}, err
	}
	if row.ProcessingTime, err = pickFloat(m, ProcessingTimeKeys); err != nil {
		return jobregistry.ResultRow{}, err
	}
	return row, nil
}

// pick returns the first candidate that is present, non-null and non-empty.
func pick(m map[string]any, keys []string) (string, any, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return k, v, true
	}
	return "", nil, false
}

func pickString(m map[string]any, keys []string) *string {
	_, v, ok := pick(m, keys)
	if !ok {
		return nil
	}
	s, ok := stringify(v)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	return &s
}

func pickFloat(m map[string]any, keys []string) (*float64, error) {
	k, v, ok := pick(m, keys)
	if !ok {
		return nil, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", k, err)
	}
	return &f, nil
}

// toFloat accepts numbers and numeric strings. A trailing '%' divides by 100.
func toFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(t)
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		s = strings.Replace(s, ",", ".", 1)
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		if percent {
			parsed /= 100
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}
