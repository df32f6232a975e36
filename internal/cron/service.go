// Package cron runs periodic maintenance jobs on robfig/cron schedules.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const stopTimeout = 5 * time.Second

// Job is a named task run on a cron expression with seconds.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

type JobState struct {
	Name       string    `json:"name"`
	Expr       string    `json:"expr"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Service struct {
	mu       sync.Mutex
	jobs     map[string]Job
	state    map[string]*JobState
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	logger   zerolog.Logger
}

func NewService(logger zerolog.Logger) *Service {
	return &Service{
		jobs:     make(map[string]Job),
		state:    make(map[string]*JobState),
		entryMap: make(map[string]rcron.EntryID),
		logger:   logger.With().Str("component", "cron").Logger(),
	}
}

// AddJob registers job, replacing one with the same name. The expression is
// validated immediately.
func (s *Service) AddJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if _, err := parser.Parse(job.Expr); err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", job.Expr, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(job.Name)
	s.jobs[job.Name] = job
	s.state[job.Name] = &JobState{Name: job.Name, Expr: job.Expr}
	if s.cron != nil {
		return s.registerJob(job)
	}
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return false
	}
	s.removeLocked(name)
	return true
}

func (s *Service) removeLocked(name string) {
	if entryID, ok := s.entryMap[name]; ok && s.cron != nil {
		s.cron.Remove(entryID)
	}
	delete(s.entryMap, name)
	delete(s.jobs, name)
	delete(s.state, name)
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for _, job := range s.jobs {
		if err := s.registerJob(job); err != nil {
			s.mu.Unlock()
			cancel()
			return err
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Int("jobs", count).Msg("started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) registerJob(job Job) error {
	id, err := s.cron.AddFunc(job.Expr, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", job.Name, job.Expr, err)
	}
	s.entryMap[job.Name] = id
	return nil
}

func (s *Service) executeJob(job Job) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	err := job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[job.Name]
	if !ok {
		return
	}
	st.Runs++
	st.LastRunAt = time.Now()
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		s.logger.Error().Err(err).Str("job", job.Name).Msg("job failed")
		return
	}
	st.LastStatus = "ok"
	st.LastError = ""
	s.logger.Debug().Str("job", job.Name).Msg("job finished")
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	s.executeJob(job)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(stopTimeout):
			s.logger.Warn().Msg("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info().Msg("stopped")
}

// ListJobs returns a snapshot of every job's run state, sorted by name.
func (s *Service) ListJobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.state))
	for _, st := range s.state {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
