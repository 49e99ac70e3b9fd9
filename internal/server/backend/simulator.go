package backend

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/3leaps/studyflow/pkg/results"
)

// Simulator defaults.
const (
	DefaultStep  = 500 * time.Millisecond
	DefaultSteps = 5
)

var pathologyTypes = []string{"hemorrhage", "fracture", "ischemia", "mass", "none"}

// headerSets are the Findings column spellings the simulator rotates
// through, so clients see more than one layout.
var headerSets = [][]string{
	{"Study UID", "Series UID", "Probability of pathology", "Probability of anomaly", "Most dangerous pathology type", "Processing time"},
	{"study_instance_uid", "series_instance_uid", "pathology_probability", "anomaly_probability", "pathology_type", "processing_time_sec"},
}

// Simulator walks queued jobs through processing to a terminal status and
// attaches a results workbook to jobs that succeed.
type Simulator struct {
	store       *Store
	step        time.Duration
	steps       int
	failureRate float64
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithStep sets the delay between progress updates.
func WithStep(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d > 0 {
			s.step = d
		}
	}
}

// WithSteps sets how many progress updates precede completion.
func WithSteps(n int) SimulatorOption {
	return func(s *Simulator) {
		if n > 0 {
			s.steps = n
		}
	}
}

// WithFailureRate sets the probability in [0,1] that a job fails.
func WithFailureRate(p float64) SimulatorOption {
	return func(s *Simulator) {
		if p >= 0 && p <= 1 {
			s.failureRate = p
		}
	}
}

// WithSeed makes outcomes and generated findings reproducible.
func WithSeed(seed uint64) SimulatorOption {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithSimulatorLogger sets the logger.
func WithSimulatorLogger(log *zap.Logger) SimulatorOption {
	return func(s *Simulator) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSimulator creates a simulator driving jobs in store.
func NewSimulator(store *Store, opts ...SimulatorOption) *Simulator {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		store:  store,
		step:   DefaultStep,
		steps:  DefaultSteps,
		log:    zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start processes job in the background. entries names the images the job
// was submitted with; one finding is produced per entry.
func (s *Simulator) Start(job Job, entries []string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(job, entries)
	}()
}

// Close stops in-flight jobs where they are and waits for them.
func (s *Simulator) Close() {
	s.cancel()
	s.wg.Wait()
}

// CheckHealth fails once the simulator is closed.
func (s *Simulator) CheckHealth(context.Context) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("simulator stopped: %w", err)
	}
	return nil
}

func (s *Simulator) wait() bool {
	t := time.NewTimer(s.step)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Simulator) run(job Job, entries []string) {
	log := s.log.With(zap.Int64("job_id", job.ID))

	if !s.wait() {
		return
	}
	s.store.Update(job.ID, func(j *Job) {
		j.Status = StatusProcessing
		j.Progress = 0
		j.ETASeconds = eta(s.steps, s.step)
	})
	log.Debug("Job processing")

	for i := 1; i < s.steps; i++ {
		if !s.wait() {
			return
		}
		remaining := s.steps - i
		s.store.Update(job.ID, func(j *Job) {
			j.Progress = float64(i*100) / float64(s.steps)
			j.ETASeconds = eta(remaining, s.step)
		})
	}
	if !s.wait() {
		return
	}

	if s.float() < s.failureRate {
		s.store.Update(job.ID, func(j *Job) {
			j.Status = StatusFailed
			j.Message = "inference failed"
			j.ETASeconds = nil
		})
		log.Info("Job failed")
		return
	}

	workbook, err := s.workbook(job, entries)
	if err != nil {
		s.store.Update(job.ID, func(j *Job) {
			j.Status = StatusFailed
			j.Message = "could not write results: " + err.Error()
			j.ETASeconds = nil
		})
		log.Warn("Results workbook failed", zap.Error(err))
		return
	}
	s.store.SetWorkbook(job.ID, workbook)
	s.store.Update(job.ID, func(j *Job) {
		j.Status = StatusSucceeded
		j.Progress = 100
		j.ETASeconds = nil
	})
	log.Info("Job succeeded", zap.Int("findings", len(entries)))
}

func eta(steps int, step time.Duration) *float64 {
	v := float64(steps) * step.Seconds()
	return &v
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// workbook builds the analysis workbook for job: a Summary sheet and one
// Findings row per entry, under a header spelling chosen by job id.
func (s *Simulator) workbook(job Job, entries []string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", results.SummarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(results.FindingsSheet); err != nil {
		return nil, err
	}

	summary := [][]any{
		{"Key", "Value"},
		{"model", "studyflow-sim"},
		{"job", job.UUID},
		{"files", len(entries)},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(results.SummarySheet, cell(1, i+1), &row); err != nil {
			return nil, err
		}
	}

	headers := headerSets[int(job.ID)%len(headerSets)]
	if err := f.SetSheetRow(results.FindingsSheet, "A1", &headers); err != nil {
		return nil, err
	}
	study := uid(job.UUID)
	for i, name := range entries {
		row := []any{
			study,
			uid(job.UUID + "/" + name),
			round(s.float()),
			round(s.float()),
			pathologyTypes[s.intn(len(pathologyTypes))],
			round(0.5 + 4*s.float()),
		}
		if err := f.SetSheetRow(results.FindingsSheet, cell(1, i+2), &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func round(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

// uid derives a stable DICOM-style uid from seed under the 2.25 root.
func uid(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	n := new(big.Int).SetBytes(sum[:16])
	return "2.25." + n.String()
}
