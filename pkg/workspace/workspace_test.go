package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/studyflow/pkg/apiclient"
	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/manifest"
	"github.com/3leaps/studyflow/pkg/realtime"
	"github.com/3leaps/studyflow/pkg/resource"
	"github.com/3leaps/studyflow/pkg/upload"
)

type fakeAPI struct {
	mu       sync.Mutex
	nextID   int
	creates  [][]byte
	createFn func(n int) error
	jobs     map[string]apiclient.JobDocument
	results  map[string]string
	files    map[string]*apiclient.JobFile
	listErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nextID:  41,
		jobs:    make(map[string]apiclient.JobDocument),
		results: make(map[string]string),
		files:   make(map[string]*apiclient.JobFile),
	}
}

func (f *fakeAPI) CreateJob(ctx context.Context, req apiclient.CreateRequest, progress apiclient.ProgressFunc) (*apiclient.JobDocument, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(int64(len(body)), req.Size)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.creates)
	f.creates = append(f.creates, body)
	if f.createFn != nil {
		if err := f.createFn(n); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.nextID++
	doc := apiclient.JobDocument{ID: apiclient.FlexID(itoa(f.nextID)), Status: "queued", FileName: req.FileName}
	f.jobs[string(doc.ID)] = doc
	return &doc, nil
}

func (f *fakeAPI) FetchJob(_ context.Context, jobID string) (*apiclient.JobDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.jobs[jobID]
	if !ok {
		return nil, &joberr.Error{Op: "FetchJob", JobID: jobID, Status: 404, Err: joberr.ErrNotFound}
	}
	return &doc, nil
}

func (f *fakeAPI) ListJobs(context.Context) ([]apiclient.JobDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]apiclient.JobDocument, 0, len(f.jobs))
	for _, d := range f.jobs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeAPI) FetchResults(_ context.Context, jobID string) (*apiclient.ResultsDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.results[jobID]
	if !ok {
		return nil, &joberr.Error{Op: "FetchResults", JobID: jobID, Status: 404, Err: joberr.ErrNotFound}
	}
	return &apiclient.ResultsDocument{JobID: apiclient.FlexID(jobID), Results: json.RawMessage(body)}, nil
}

func (f *fakeAPI) FetchJobFile(_ context.Context, jobID string) (*apiclient.JobFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[jobID]
	if !ok {
		return nil, &joberr.Error{Op: "FetchJobFile", JobID: jobID, Status: 404, Err: joberr.ErrNotFound}
	}
	return file, nil
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type fakeConn struct {
	msgs chan []byte
	done chan struct{}
	once sync.Once
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, jobID string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{msgs: make(chan []byte, 16), done: make(chan struct{})}
	d.conns[jobID] = c
	return c, nil
}

func (d *fakeDialer) conn(jobID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[jobID]
}

type fixture struct {
	ws     *Workspace
	api    *fakeAPI
	dialer *fakeDialer
	store  *jobregistry.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		api:    newFakeAPI(),
		dialer: &fakeDialer{conns: make(map[string]*fakeConn)},
		store:  jobregistry.NewStore(t.TempDir()),
	}
	opts = append([]Option{
		WithStore(f.store),
		WithSyncOptions(realtime.WithBackoff(10 * time.Millisecond)),
	}, opts...)
	f.ws = New(eventloop.New(), f.api, f.dialer, opts...)
	f.ws.Start(context.Background())
	t.Cleanup(func() { _ = f.ws.Close() })
	return f
}

func (f *fixture) push(t *testing.T, jobID, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.dialer.conn(jobID) != nil }, 2*time.Second, 5*time.Millisecond)
	f.dialer.conn(jobID).msgs <- []byte(msg)
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func writeDicom(t *testing.T, dir, name, body string) upload.File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return upload.File{Name: name, Path: path, Data: []byte(body)}
}

func TestUpload_ThroughResults(t *testing.T) {
	f := newFixture(t)
	f.api.results["42"] = `{"summary":{"model":"v2"},"rows":[{"study_uid":"1.2","probability_of_pathology":0.8,"most_dangerous_pathology_type":"hemorrhage"}]}`

	file := writeDicom(t, t.TempDir(), "head.dcm", "DICM")
	a, err := f.ws.Upload(ctx(t), upload.Request{Files: []upload.File{file}, Title: "Head CT"})
	require.NoError(t, err)

	res, err := a.Wait(ctx(t))
	require.NoError(t, err)
	require.Equal(t, upload.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, jobregistry.Assigned("42"), res.ID)

	f.push(t, "42", `{"type":"job.update","job":{"id":"42","status":"processing","progress":60}}`)
	f.push(t, "42", `{"type":"job.update","job":{"id":"42","status":"succeeded","progress":100}}`)

	job, err := f.ws.WaitFor(ctx(t), a.Placeholder(), func(j jobregistry.Job) bool { return j.Results != nil })
	require.NoError(t, err)
	assert.Equal(t, jobregistry.Assigned("42"), job.ID)
	assert.Equal(t, jobregistry.StatusSucceeded, job.Status)
	assert.Equal(t, "Head CT", job.Title)
	require.Len(t, job.Results.Rows, 1)

	jobs, err := f.ws.Jobs(ctx(t))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	history, err := f.ws.History(ctx(t))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []jobregistry.RankedPathology{{Type: "hemorrhage", Probability: 0.8}}, history[0].Pathologies)

	require.Eventually(t, func() bool {
		cached, err := f.store.Get("42")
		return err == nil && cached.Results != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(f.store.SubmissionPath("42"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpload_RollbackIsObservable(t *testing.T) {
	f := newFixture(t)
	f.api.createFn = func(int) error {
		return joberr.Wrap("CreateJob", "", joberr.ErrTransport, errors.New("connection refused"))
	}

	a, err := f.ws.Upload(ctx(t), upload.Request{Files: []upload.File{{Name: "a.dcm", Data: []byte("x")}}})
	require.NoError(t, err)

	_, err = f.ws.WaitFor(ctx(t), a.Placeholder(), func(jobregistry.Job) bool { return false })
	assert.ErrorIs(t, err, ErrRemoved)

	res, err := a.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, upload.OutcomeFailed, res.Outcome)
	assert.Equal(t, "Upload failed: server unreachable", res.Message)
}

func TestUpload_ValidationCreatesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.ws.Upload(ctx(t), upload.Request{Files: []upload.File{{Name: "notes.txt"}}})
	assert.True(t, joberr.IsValidation(err))

	jobs, err := f.ws.Jobs(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRetry_InSessionAttempt(t *testing.T) {
	f := newFixture(t)
	f.api.createFn = func(n int) error {
		if n == 0 {
			return &joberr.Error{Op: "CreateJob", Status: 503, Err: joberr.ErrTransport}
		}
		return nil
	}

	a, err := f.ws.Upload(ctx(t), upload.Request{Files: []upload.File{{Name: "a.dcm", Data: []byte("payload")}}})
	require.NoError(t, err)
	res, err := a.Wait(ctx(t))
	require.NoError(t, err)
	require.Equal(t, upload.OutcomeFailed, res.Outcome)

	again, err := f.ws.Retry(ctx(t), a.Placeholder())
	require.NoError(t, err)
	res, err = again.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, upload.OutcomeSucceeded, res.Outcome)

	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	require.Len(t, f.api.creates, 2)
	assert.Equal(t, f.api.creates[0], f.api.creates[1])
}

func TestUpload_ForgetsOldSettledAttempts(t *testing.T) {
	f := newFixture(t, WithSettledAttempts(2))

	var attempts []*upload.Attempt
	for i := 0; i < 5; i++ {
		a, err := f.ws.Upload(ctx(t), upload.Request{Files: []upload.File{{Name: "a.dcm", Data: []byte("payload")}}})
		require.NoError(t, err)
		_, err = a.Wait(ctx(t))
		require.NoError(t, err)
		attempts = append(attempts, a)
	}

	f.ws.mu.Lock()
	tracked := len(f.ws.attempts)
	f.ws.mu.Unlock()
	assert.LessOrEqual(t, tracked, 3)

	assert.Nil(t, f.ws.attemptFor(attempts[0].Placeholder()))
	assert.NotNil(t, f.ws.attemptFor(attempts[3].Placeholder()))

	_, err := f.ws.Retry(ctx(t), attempts[0].Placeholder())
	assert.True(t, joberr.IsValidation(err))
}

func TestRetry_FromRecordedSubmission(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	file := writeDicom(t, dir, "a.dcm", "original")

	sub := &manifest.Submission{
		JobID:       "7",
		SubmittedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Title:       "Chest",
		Primary:     manifest.PrimaryFile{Name: "a.dcm", Size: int64(len(file.Data))},
		Files:       []manifest.FileEntry{manifest.Entry(file.Path, file.Data)},
	}
	require.NoError(t, manifest.Save(f.store.SubmissionPath("7"), sub))

	a, err := f.ws.Retry(ctx(t), jobregistry.Assigned("7"))
	require.NoError(t, err)
	res, err := a.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, upload.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "Chest", a.Request().Title)

	require.NoError(t, os.WriteFile(file.Path, []byte("modified"), 0o644))
	_, err = f.ws.Retry(ctx(t), jobregistry.Assigned("7"))
	assert.True(t, joberr.IsValidation(err))

	_, err = f.ws.Retry(ctx(t), jobregistry.Assigned("unknown"))
	assert.True(t, joberr.IsValidation(err))
}

func TestOpen_FetchesUnknownJobAndWatches(t *testing.T) {
	f := newFixture(t)
	f.api.jobs["9"] = apiclient.JobDocument{ID: "9", Status: "processing", Title: "Knee"}

	job, err := f.ws.Open(ctx(t), jobregistry.Assigned("9"))
	require.NoError(t, err)
	assert.Equal(t, "Knee", job.Title)
	assert.Equal(t, jobregistry.StatusRunning, job.Status)

	active, err := f.ws.Active(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, jobregistry.Assigned("9"), active)

	require.Eventually(t, func() bool {
		state, err := f.ws.SyncState(ctx(t), jobregistry.Assigned("9"))
		return err == nil && state == realtime.StateOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpen_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ws.Open(ctx(t), jobregistry.Assigned("missing"))
	assert.True(t, joberr.IsNotFound(err))

	_, err = f.ws.Open(ctx(t), jobregistry.Pending("local-1"))
	assert.True(t, joberr.IsValidation(err))
}

func TestHydrate_CacheThenServer(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Write(jobregistry.Job{
		ID: jobregistry.Assigned("1"), Status: jobregistry.StatusRunning, Progress: 30, CreatedAt: created, Title: "cached",
	}))
	f.api.jobs["1"] = apiclient.JobDocument{ID: "1", Status: "completed"}
	f.api.jobs["2"] = apiclient.JobDocument{ID: "2", Status: "queued"}

	require.NoError(t, f.ws.Hydrate(ctx(t)))

	one, ok, err := f.ws.Get(ctx(t), jobregistry.Assigned("1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobregistry.StatusSucceeded, one.Status)
	assert.Equal(t, "cached", one.Title)

	_, ok, err = f.ws.Get(ctx(t), jobregistry.Assigned("2"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHydrate_OfflineKeepsCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(jobregistry.Job{ID: jobregistry.Assigned("1"), Status: jobregistry.StatusQueued}))
	f.api.listErr = joberr.Wrap("ListJobs", "", joberr.ErrTransport, errors.New("offline"))

	err := f.ws.Hydrate(ctx(t))
	assert.True(t, joberr.IsTransport(err))

	jobs, err := f.ws.Jobs(ctx(t))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMerge_AppliesDocument(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Write(jobregistry.Job{ID: jobregistry.Assigned("4"), Status: jobregistry.StatusQueued, Title: "cached"}))
	_, err := f.ws.LoadCache(ctx(t))
	require.NoError(t, err)

	require.NoError(t, f.ws.Merge(ctx(t), apiclient.JobDocument{ID: "4", Status: "processing", Progress: jobregistry.Ptr(40.0)}))
	job, ok, err := f.ws.Get(ctx(t), jobregistry.Assigned("4"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobregistry.StatusRunning, job.Status)
	assert.Equal(t, "cached", job.Title)

	assert.True(t, joberr.IsValidation(f.ws.Merge(ctx(t), apiclient.JobDocument{})))
}

func TestResults_FetchesOnDemand(t *testing.T) {
	f := newFixture(t)
	f.api.results["5"] = `{"rows":[{"studyUid":"9.9"}]}`

	payload, err := f.ws.Results(ctx(t), jobregistry.Assigned("5"))
	require.NoError(t, err)
	require.Len(t, payload.Rows, 1)
	assert.Equal(t, "9.9", *payload.Rows[0].StudyUID)

	_, err = f.ws.Results(ctx(t), jobregistry.Assigned("6"))
	assert.True(t, joberr.IsNotFound(err))
}

func TestResources_ExtractsJobFile(t *testing.T) {
	f := newFixture(t)
	zipped, err := archive.Bundle([]archive.Blob{{Name: "x/a.dcm", Data: []byte("a")}, {Name: "b.dcm", Data: []byte("b")}})
	require.NoError(t, err)
	f.api.files["3"] = &apiclient.JobFile{Name: "study.zip", Data: zipped}

	files, err := f.ws.Resources(ctx(t), resource.Ref{Kind: resource.KindJob, JobID: "3"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.dcm", files[0].Name)
	assert.True(t, files[0].SniffedAsImage)
}

func TestReset_ClearsRegistryAndCache(t *testing.T) {
	f := newFixture(t)
	f.api.jobs["9"] = apiclient.JobDocument{ID: "9", Status: "processing"}
	_, err := f.ws.Open(ctx(t), jobregistry.Assigned("9"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := f.store.Get("9")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.ws.Reset(ctx(t)))

	jobs, err := f.ws.Jobs(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, jobs)
	state, err := f.ws.SyncState(ctx(t), jobregistry.Assigned("9"))
	require.NoError(t, err)
	assert.Equal(t, realtime.StateIdle, state)
	_, err = f.store.Get("9")
	assert.Error(t, err)
}

func TestCancel_ByPlaceholder(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.api.createFn = func(int) error {
		<-release
		return nil
	}

	a, err := f.ws.Upload(ctx(t), upload.Request{Files: []upload.File{{Name: "a.dcm", Data: []byte("x")}}})
	require.NoError(t, err)
	assert.True(t, f.ws.Cancel(a.Placeholder()))
	assert.False(t, f.ws.Cancel(jobregistry.Pending("local-none")))
	close(release)

	res, err := a.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, upload.OutcomeCancelled, res.Outcome)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ws.Close())
	require.NoError(t, f.ws.Close())

	ws := New(eventloop.New(), newFakeAPI(), &fakeDialer{conns: map[string]*fakeConn{}})
	assert.NoError(t, ws.Close())
}
