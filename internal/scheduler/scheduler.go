// Package scheduler creates crawl runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"

	"go-civitai-crawler/internal/crawler"
	"go-civitai-crawler/internal/models"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// RunCreator is what a schedule fires into.
type RunCreator interface {
	Create(ctx context.Context, query crawler.Query, target, priority int) (models.Run, error)
}

type job struct {
	schedule models.Schedule
	query    crawler.Query
	priority int
}

// Scheduler holds the configured recurring crawls.
type Scheduler struct {
	cron            *cron.Cron
	creator         RunCreator
	pageSize        int
	defaultPriority int
	jobs            map[cron.EntryID]job
	log             *log.Entry
}

// New builds a scheduler. Schedules without a Priority use defaultPriority.
func New(creator RunCreator, pageSize, defaultPriority int) *Scheduler {
	return &Scheduler{
		cron:            cron.New(),
		creator:         creator,
		pageSize:        pageSize,
		defaultPriority: defaultPriority,
		jobs:            make(map[cron.EntryID]job),
		log:             log.WithField("component", "scheduler"),
	}
}

// Add validates s and registers it. Runs created by the schedule use ctx.
func (s *Scheduler) Add(ctx context.Context, sched models.Schedule) error {
	if sched.Target <= 0 {
		return fmt.Errorf("schedule %q: Target must be positive", sched.Name)
	}
	q, err := crawler.FromSchedule(sched, s.pageSize)
	if err != nil {
		return err
	}
	j := job{schedule: sched, query: q, priority: s.defaultPriority}
	if sched.Priority != nil {
		j.priority = *sched.Priority
	}
	entry, err := s.cron.AddFunc(sched.Cron, func() { s.fire(ctx, j) })
	if err != nil {
		return fmt.Errorf("schedule %q: invalid cron spec %q: %w", sched.Name, sched.Cron, err)
	}
	s.jobs[entry] = j
	s.log.WithField("schedule", sched.Name).Infof("Registered %s crawl at %q", sched.Kind, sched.Cron)
	return nil
}

// RunNow fires the named schedule immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) (models.Run, error) {
	for _, j := range s.jobs {
		if j.schedule.Name == name {
			return s.creator.Create(ctx, j.query, j.schedule.Target, j.priority)
		}
	}
	return models.Run{}, fmt.Errorf("no schedule named %q", name)
}

func (s *Scheduler) fire(ctx context.Context, j job) {
	entry := s.log.WithField("schedule", j.schedule.Name)
	run, err := s.creator.Create(ctx, j.query, j.schedule.Target, j.priority)
	if err != nil {
		entry.WithError(err).Error("Scheduled crawl could not be created")
		return
	}
	entry.WithField("run", run.ID).Info("Scheduled crawl created")
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int { return len(s.jobs) }

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
