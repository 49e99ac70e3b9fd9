package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/studyflow/pkg/joberr"
)

func TestStore_CreateAndLookup(t *testing.T) {
	s := NewStore()
	var seen []Job
	s.OnChange(func(j Job) { seen = append(seen, j) })

	job := s.Create(Submission{FileName: "study.zip", Data: []byte("zip"), TotalFiles: 3})
	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, "study.zip", job.Title)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, int64(3), job.FileSize)
	require.Len(t, seen, 1)

	byID, ok := s.Lookup("1")
	require.True(t, ok)
	byUUID, ok := s.Lookup(job.UUID)
	require.True(t, ok)
	assert.Equal(t, byID, byUUID)

	_, err := s.Get("nope")
	assert.True(t, joberr.IsNotFound(err))
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := NewStore()
	s.Create(Submission{FileName: "a.dcm"})
	s.Create(Submission{FileName: "b.dcm", Title: "second"})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Title)
}

func TestStore_TerminalJobsAreFrozen(t *testing.T) {
	s := NewStore()
	job := s.Create(Submission{FileName: "a.dcm"})

	_, ok := s.Update(job.ID, func(j *Job) { j.Status = StatusFailed })
	require.True(t, ok)
	_, ok = s.Update(job.ID, func(j *Job) { j.Status = StatusSucceeded })
	assert.False(t, ok)

	got, _ := s.Lookup("1")
	assert.Equal(t, StatusFailed, got.Status)
}

func TestStore_ResultsParsedOnceThenCached(t *testing.T) {
	s := NewStore()
	sim := NewSimulator(s, WithSeed(3))
	defer sim.Close()

	job := s.Create(Submission{FileName: "study.zip"})
	_, err := s.Results("1")
	require.Error(t, err)
	assert.True(t, joberr.IsNotFound(err), "results are not ready before the workbook exists")

	wb, err := sim.workbook(job, []string{"a.dcm", "b.dcm"})
	require.NoError(t, err)
	s.SetWorkbook(job.ID, wb)

	var broadcasts int
	s.OnChange(func(Job) { broadcasts++ })

	doc, err := s.Results("1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", doc.Source)
	assert.Equal(t, 1, broadcasts, "caching the payload is broadcast")

	var raw map[string]any
	require.NoError(t, json.Unmarshal(doc.Results, &raw))
	findings, ok := raw["findings"].([]any)
	require.True(t, ok)
	assert.Len(t, findings, 2)
	row := findings[0].(map[string]any)
	assert.Contains(t, row, "study_instance_uid", "odd job ids use the snake_case layout")

	doc, err = s.Results(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, "cached", doc.Source)
}

func TestSimulator_RunsToSuccess(t *testing.T) {
	s := NewStore()
	sim := NewSimulator(s, WithStep(time.Millisecond), WithSteps(3), WithSeed(1))
	defer sim.Close()

	var mu sync.Mutex
	var statuses []string
	s.OnChange(func(j Job) {
		mu.Lock()
		statuses = append(statuses, j.Status)
		mu.Unlock()
	})

	job := s.Create(Submission{FileName: "a.dcm"})
	sim.Start(job, []string{"a.dcm"})

	require.Eventually(t, func() bool {
		got, _ := s.Lookup("1")
		return got.Status == StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := s.Lookup("1")
	assert.Equal(t, 100.0, got.Progress)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusQueued, statuses[0])
	assert.Contains(t, statuses, StatusProcessing)
}

func TestSimulator_CloseStopsJobs(t *testing.T) {
	s := NewStore()
	sim := NewSimulator(s, WithStep(time.Hour))
	job := s.Create(Submission{FileName: "a.dcm"})
	sim.Start(job, nil)

	sim.Close()
	got, _ := s.Lookup("1")
	assert.Equal(t, StatusQueued, got.Status)
	assert.Error(t, sim.CheckHealth(t.Context()))
}

func dialHub(t *testing.T, h *Hub, key string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, key)
	}))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHub_SnapshotThenUpdatesThenClose(t *testing.T) {
	s := NewStore()
	h := NewHub(s, nil)
	job := s.Create(Submission{FileName: "a.dcm"})

	conn := dialHub(t, h, "1")
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeJobUpdate, env.Type)
	assert.Equal(t, StatusQueued, env.Job.Status)

	require.Eventually(t, func() bool { return h.Subscribers(job.ID) == 1 }, time.Second, 5*time.Millisecond)

	s.Update(job.ID, func(j *Job) { j.Status = StatusProcessing; j.Progress = 50 })
	env = readEnvelope(t, conn)
	assert.Equal(t, 50.0, env.Job.Progress)

	s.Update(job.ID, func(j *Job) { j.Status = StatusSucceeded; j.Progress = 100 })
	env = readEnvelope(t, conn)
	assert.Equal(t, StatusSucceeded, env.Job.Status)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, h.Subscribers(job.ID))
}

func TestHub_UnknownJob(t *testing.T) {
	h := NewHub(NewStore(), nil)
	conn := dialHub(t, h, "42")

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeJobNotFound, env.Type)
	assert.Equal(t, "42", env.JobID)
	assert.Nil(t, env.Job)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	s := NewStore()
	h := NewHub(s, nil)
	job := s.Create(Submission{FileName: "a.dcm"})

	conn := dialHub(t, h, "1")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return h.Subscribers(job.ID) == 1 }, time.Second, 5*time.Millisecond)

	h.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
