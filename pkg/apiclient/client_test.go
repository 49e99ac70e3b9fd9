package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

func newTestClient(t *testing.T, r chi.Router, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Tokens: tokens, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing base", Config{}, true},
		{"bad scheme", Config{BaseURL: "ftp://x"}, true},
		{"bad ws scheme", Config{BaseURL: "http://x", WSURL: "http://y"}, true},
		{"ok", Config{BaseURL: "http://localhost:8000/"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	c, err := New(Config{BaseURL: "https://api.example.com/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/v1/ws/jobs/42", c.WebsocketURL("42"))

	c, err = New(Config{BaseURL: "http://localhost:8000", WSURL: "ws://push:9000"})
	require.NoError(t, err)
	assert.Equal(t, "ws://push:9000/ws/jobs/abc", c.WebsocketURL("abc"))
}

func TestCreateJob_StreamsMultipartWithProgress(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		require.NoError(t, req.ParseMultipartForm(1<<20))
		assert.Equal(t, "Head CT", req.FormValue("title"))
		f, hdr, err := req.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "study.zip", hdr.Filename)
		assert.Len(t, data, 4096)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "status": "queued", "created_at": "2026-02-01T10:00:00.123456"}`))
	})
	c := newTestClient(t, r, StaticToken("secret"))

	var last, calls int64
	doc, err := c.CreateJob(context.Background(), CreateRequest{
		FileName: "study.zip",
		Body:     strings.NewReader(strings.Repeat("x", 4096)),
		Size:     4096,
		Title:    "Head CT",
	}, func(loaded, total int64) {
		assert.GreaterOrEqual(t, loaded, last)
		assert.Equal(t, int64(4096), total)
		last = loaded
		calls++
	})
	require.NoError(t, err)
	assert.Equal(t, "42", doc.JobID())
	assert.Equal(t, int64(4096), last)
	assert.Positive(t, calls)

	p := doc.Patch()
	assert.Equal(t, jobregistry.Assigned("42"), p.ID)
	require.NotNil(t, p.Status)
	assert.Equal(t, jobregistry.StatusQueued, *p.Status)
	require.NotNil(t, p.CreatedAt)
	assert.Equal(t, 2026, p.CreatedAt.Year())
}

func TestCreateJob_UUIDKey(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"uuid": "7f1c", "status": "pending"}`))
	})
	c := newTestClient(t, r, nil)

	doc, err := c.CreateJob(context.Background(), CreateRequest{FileName: "a.dcm", Body: strings.NewReader("x"), Size: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "7f1c", doc.JobID())
}

func TestCreateJob_MissingID(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"status": "queued"}`))
	})
	c := newTestClient(t, r, nil)

	_, err := c.CreateJob(context.Background(), CreateRequest{FileName: "a.dcm", Body: strings.NewReader("x")}, nil)
	require.Error(t, err)
	assert.True(t, joberr.IsParse(err))
}

func TestCreateJob_ServerError(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.Copy(io.Discard, req.Body)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "invalid zip"}`))
	})
	c := newTestClient(t, r, nil)

	_, err := c.CreateJob(context.Background(), CreateRequest{FileName: "a.zip", Body: strings.NewReader("x")}, nil)
	require.Error(t, err)
	assert.True(t, joberr.IsTransport(err))
	assert.Contains(t, err.Error(), "invalid zip")

	var je *joberr.Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, http.StatusBadRequest, je.Status)
}

func TestCreateJob_RequiresFile(t *testing.T) {
	c, err := New(Config{BaseURL: "http://localhost"})
	require.NoError(t, err)
	_, err = c.CreateJob(context.Background(), CreateRequest{}, nil)
	assert.True(t, joberr.IsValidation(err))
}

func TestCreateJob_Cancelled(t *testing.T) {
	release := make(chan struct{})
	r := chi.NewRouter()
	r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
		<-release
	})
	c := newTestClient(t, r, nil)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.CreateJob(ctx, CreateRequest{FileName: "a.dcm", Body: strings.NewReader("x")}, nil)
	require.Error(t, err)
	assert.True(t, joberr.IsCancelled(err))
}

func TestListJobs_AcceptsBothShapes(t *testing.T) {
	for name, body := range map[string]string{
		"bare":    `[{"id": "1", "status": "running"}, {"id": 2, "status": "succeeded"}]`,
		"wrapped": `{"results": [{"id": "1", "status": "running"}, {"uuid": "2", "status": "succeeded"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			c := newTestClient(t, r, nil)

			docs, err := c.ListJobs(context.Background())
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "1", docs[0].JobID())
			assert.Equal(t, "2", docs[1].JobID())
		})
	}
}

func TestFetchResults_NotFound(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/jobs/{id}/results", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"detail": "not ready"}`, http.StatusNotFound)
	})
	c := newTestClient(t, r, nil)

	_, err := c.FetchResults(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, joberr.IsNotFound(err))
	assert.False(t, joberr.IsTransport(err))
}

func TestFetchResults_Decodes(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/jobs/{id}/results", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "42", chi.URLParam(req, "id"))
		_, _ = w.Write([]byte(`{"job_id": "42", "parsed_at": "2026-02-01T10:00:00Z", "results": {"summary": {}, "rows": []}}`))
	})
	c := newTestClient(t, r, nil)

	doc, err := c.FetchResults(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, FlexID("42"), doc.JobID)
	assert.False(t, doc.ParsedAt.IsZero())

	var v map[string]any
	require.NoError(t, json.Unmarshal(doc.Results, &v))
	assert.Contains(t, v, "rows")
}

func TestFetchJobFile(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/jobs/{id}/file", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=study.zip")
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK"))
	})
	c := newTestClient(t, r, nil)

	f, err := c.FetchJobFile(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "study.zip", f.Name)
	assert.Equal(t, []byte("PK"), f.Data)
}

func TestJobDocument_Patch_UnknownStatusOmitted(t *testing.T) {
	doc := JobDocument{ID: "9", Status: "weird"}
	p := doc.Patch()
	assert.Nil(t, p.Status)
	assert.Nil(t, p.Progress)
	assert.Nil(t, p.Tags)
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2026-02-01T10:00:00Z",
		"2026-02-01T10:00:00.5+02:00",
		"2026-02-01T10:00:00.123456",
		"2026-02-01 10:00:00",
	} {
		v, err := ParseTime(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2026, v.Year(), s)
	}
	_, err := ParseTime("yesterday")
	assert.Error(t, err)
}
