package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

func decode(t *testing.T, line []byte, payload any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	if payload != nil {
		require.NoError(t, json.Unmarshal(record.Data, payload))
	}
	return record
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "watch")

	assert.NotNil(t, w)
	assert.Equal(t, "session-1", w.sessionID)
	assert.Equal(t, "watch", w.source)
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "jobs")

	created := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	job := jobregistry.Job{
		ID:         jobregistry.Assigned("42"),
		Status:     jobregistry.StatusRunning,
		Progress:   55,
		Title:      "Head CT",
		CreatedAt:  created,
		TotalFiles: 12,
	}
	require.NoError(t, w.WriteJob(context.Background(), JobFrom(job)))

	var data JobRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeJob, record.Type)
	assert.Equal(t, "session-1", record.SessionID)
	assert.Equal(t, "jobs", record.Source)
	assert.Equal(t, "42", record.JobID)
	assert.False(t, record.TS.IsZero())

	assert.Equal(t, "running", data.Status)
	assert.Equal(t, 55.0, data.Progress)
	assert.Equal(t, 12, data.TotalFiles)
	assert.False(t, data.Pending)
	assert.False(t, data.HasResults)
	require.NotNil(t, data.CreatedAt)
	assert.Equal(t, created, *data.CreatedAt)
	assert.Nil(t, data.UpdatedAt)
}

func TestJobFrom_Placeholder(t *testing.T) {
	rec := JobFrom(jobregistry.Job{ID: jobregistry.Pending("local-1"), Status: jobregistry.StatusQueued})
	assert.True(t, rec.Pending)
	assert.Equal(t, "local-1", rec.JobID)
}

func TestJSONLWriter_WriteResults(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "results")

	payload := &jobregistry.ResultsPayload{
		Summary: map[string]string{"model": "v2"},
		Rows:    []jobregistry.ResultRow{{StudyUID: jobregistry.Ptr("1.2.3"), ProbabilityOfPathology: jobregistry.Ptr(0.8)}},
	}
	require.NoError(t, w.WriteResults(context.Background(), ResultsFrom(jobregistry.Assigned("42"), payload)))

	var data ResultsRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeResults, record.Type)
	assert.Equal(t, "v2", data.Summary["model"])
	require.Len(t, data.Rows, 1)
	assert.Equal(t, "1.2.3", *data.Rows[0].StudyUID)
}

func TestResultsFrom_Nil(t *testing.T) {
	rec := ResultsFrom(jobregistry.Assigned("1"), nil)
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"summary":{}`)
	assert.Contains(t, string(b), `"rows":[]`)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "upload")

	prog := &ProgressRecord{
		JobID:      "local-abc",
		Phase:      PhaseUploading,
		Percent:    40,
		BytesTotal: 52428800,
		ETASeconds: jobregistry.Ptr(12.5),
	}
	require.NoError(t, w.WriteProgress(context.Background(), prog))

	var data ProgressRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeProgress, record.Type)
	assert.Equal(t, "local-abc", record.JobID)
	assert.Equal(t, PhaseUploading, data.Phase)
	assert.Equal(t, 40.0, data.Percent)
	assert.Equal(t, 12.5, *data.ETASeconds)
}

func TestJSONLWriter_WriteChannelAndFile(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "watch")

	require.NoError(t, w.WriteChannel(context.Background(), &ChannelRecord{JobID: "42", State: "reconnecting"}))
	require.NoError(t, w.WriteFile(context.Background(), &FileRecord{Name: "a.dcm", Size: 10, SniffedAsImage: true}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var ch ChannelRecord
	assert.Equal(t, TypeChannel, decode(t, []byte(lines[0]), &ch).Type)
	assert.Equal(t, "reconnecting", ch.State)

	var file FileRecord
	record := decode(t, []byte(lines[1]), &file)
	assert.Equal(t, TypeFile, record.Type)
	assert.Empty(t, record.JobID)
	assert.True(t, file.SniffedAsImage)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "upload")

	err := joberr.Wrap("CreateJob", "", joberr.ErrTransport, errors.New("connection refused"))
	require.NoError(t, w.WriteError(context.Background(), ErrorFrom("local-1", err)))

	var data ErrorRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeError, record.Type)
	assert.Equal(t, ErrCodeTransport, data.Code)
	assert.Equal(t, "local-1", data.JobID)
	assert.Contains(t, data.Message, "connection refused")
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{joberr.Validation("Op", "bad"), ErrCodeValidation},
		{joberr.Wrap("Op", "", joberr.ErrTransport, context.Canceled), ErrCodeCancelled},
		{joberr.Wrap("Op", "", joberr.ErrNotFound, errors.New("x")), ErrCodeNotFound},
		{joberr.Wrap("Op", "", joberr.ErrParse, errors.New("x")), ErrCodeParse},
		{joberr.Wrap("Op", "", joberr.ErrTransport, errors.New("x")), ErrCodeTransport},
		{errors.New("plain"), ErrCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "jobs")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{JobID: "1"}))
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{JobID: "2"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "jobs")

	require.NoError(t, w.Close())
	err := w.WriteJob(context.Background(), &JobRecord{JobID: "1"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "watch")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteProgress(context.Background(), &ProgressRecord{
					JobID:      "local-1",
					Phase:      PhaseUploading,
					BytesTotal: int64(writerID*writesPerWriter + j),
				})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "jobs")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{JobID: "1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "session-1", "jobs")

	err := w.WriteJob(context.Background(), &JobRecord{JobID: "1"})
	require.Error(t, err)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "session-1", "jobs")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{JobID: "42", Status: "running", Title: "Head CT"}))

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	require.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeJob, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "session-1", "jobs")

	err := w.WriteJob(context.Background(), &JobRecord{JobID: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := min(len(p), sw.bytesPerWrite)
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "job_id")
	assert.NotContains(t, string(data), "details")
}

func BenchmarkJSONLWriter_WriteJob(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "session-1", "jobs")
	rec := &JobRecord{JobID: "42", Status: "running", Progress: 50, Title: "Head CT", Tags: []string{"ct", "urgent"}}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteJob(ctx, rec)
	}
}
