package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/3leaps/studyflow/pkg/joberr"
)

// ProgressFunc receives upload progress. loaded counts bytes of the primary
// file consumed so far; total is its size (0 when unknown).
type ProgressFunc func(loaded, total int64)

// CreateRequest describes one job submission.
type CreateRequest struct {
	// FileName is the primary file's name as sent to the server.
	FileName string

	// Body streams the primary file.
	Body io.Reader

	// Size is the primary file's size in bytes, used for progress.
	Size int64

	Title       string
	Description string
}

// CreateJob streams req as multipart/form-data to POST /jobs and returns the
// created job. progress, if set, is called from the upload goroutine as bytes
// are consumed. Cancelling ctx aborts the transfer.
func (c *Client) CreateJob(ctx context.Context, req CreateRequest, progress ProgressFunc) (*JobDocument, error) {
	const op = "CreateJob"

	if req.Body == nil || strings.TrimSpace(req.FileName) == "" {
		return nil, joberr.Validation(op, "a named primary file is required")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		_ = pw.CloseWithError(writeForm(mw, req, progress))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("jobs"), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, joberr.Wrap(op, "", joberr.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.send(op, "", httpReq)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var doc JobDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, joberr.Wrap(op, "", joberr.ErrParse, fmt.Errorf("decode response: %w", err))
	}
	if doc.JobID() == "" {
		return nil, joberr.Wrap(op, "", joberr.ErrParse, fmt.Errorf("response carries neither id nor uuid"))
	}
	return &doc, nil
}

func writeForm(mw *multipart.Writer, req CreateRequest, progress ProgressFunc) error {
	if req.Title != "" {
		if err := mw.WriteField("title", req.Title); err != nil {
			return err
		}
	}
	if req.Description != "" {
		if err := mw.WriteField("description", req.Description); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return err
	}
	body := req.Body
	if progress != nil {
		body = &countingReader{r: req.Body, total: req.Size, fn: progress}
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

// countingReader reports cumulative bytes read.
type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.fn(c.n, c.total)
	}
	return n, err
}

// FetchJob returns GET /jobs/{id}.
func (c *Client) FetchJob(ctx context.Context, jobID string) (*JobDocument, error) {
	var doc JobDocument
	if err := c.getJSON(ctx, "FetchJob", jobID, &doc, "jobs", jobID); err != nil {
		return nil, err
	}
	if doc.JobID() == "" {
		doc.ID = FlexID(jobID)
	}
	return &doc, nil
}

// ListJobs returns GET /jobs.
func (c *Client) ListJobs(ctx context.Context) ([]JobDocument, error) {
	var docs jobList
	if err := c.getJSON(ctx, "ListJobs", "", &docs, "jobs"); err != nil {
		return nil, err
	}
	return docs, nil
}

// FetchResults returns GET /jobs/{id}/results. A 404 (results not yet
// materialized) is reported as joberr.ErrNotFound.
func (c *Client) FetchResults(ctx context.Context, jobID string) (*ResultsDocument, error) {
	var doc ResultsDocument
	if err := c.getJSON(ctx, "FetchResults", jobID, &doc, "jobs", jobID, "results"); err != nil {
		return nil, err
	}
	return &doc, nil
}

// JobFile is a downloaded job resource.
type JobFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// FetchJobFile downloads GET /jobs/{id}/file.
func (c *Client) FetchJobFile(ctx context.Context, jobID string) (*JobFile, error) {
	const op = "FetchJobFile"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("jobs", jobID, "file"), nil)
	if err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, err)
	}
	resp, err := c.send(op, jobID, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, joberr.Wrap(op, jobID, joberr.ErrTransport, fmt.Errorf("read body: %w", err))
	}
	return &JobFile{
		Name:        attachmentName(resp.Header.Get("Content-Disposition"), jobID),
		ContentType: resp.Header.Get("Content-Type"),
		Data:        buf.Bytes(),
	}, nil
}

func attachmentName(disposition, fallback string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return name
			}
		}
	}
	return fallback
}
