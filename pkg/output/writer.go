package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	WriteResults(ctx context.Context, res *ResultsRecord) error
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteChannel(ctx context.Context, ch *ChannelRecord) error
	WriteFile(ctx context.Context, file *FileRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w         io.Writer
	sessionID string
	source    string
	now       func() time.Time
	mu        sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - sessionID: Correlation ID for this command invocation
//   - source: The command emitting records (e.g., "watch")
func NewJSONLWriter(w io.Writer, sessionID, source string) *JSONLWriter {
	return &JSONLWriter{
		w:         w,
		sessionID: sessionID,
		source:    source,
		now:       time.Now,
	}
}

// WriteJob emits a job record.
func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job.JobID, job)
}

// WriteResults emits a results record.
func (jw *JSONLWriter) WriteResults(ctx context.Context, res *ResultsRecord) error {
	return jw.writeRecord(ctx, TypeResults, res.JobID, res)
}

// WriteProgress emits a progress record.
func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog.JobID, prog)
}

// WriteChannel emits a channel state record.
func (jw *JSONLWriter) WriteChannel(ctx context.Context, ch *ChannelRecord) error {
	return jw.writeRecord(ctx, TypeChannel, ch.JobID, ch)
}

// WriteFile emits an extracted file record.
func (jw *JSONLWriter) WriteFile(ctx context.Context, file *FileRecord) error {
	return jw.writeRecord(ctx, TypeFile, "", file)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err.JobID, err)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while holding
// the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:      recordType,
		TS:        jw.now().UTC(),
		SessionID: jw.sessionID,
		Source:    jw.source,
		JobID:     jobID,
		Data:      dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error, which would silently
	// truncate the line.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
