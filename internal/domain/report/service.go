package report

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
)

// DefaultURLTTL is how long a presigned download link stays valid.
const DefaultURLTTL = 15 * time.Minute

// Service starts exports. The data is read and authorized synchronously so
// that callers see access and validation errors immediately; rendering and
// upload run in the background and are reported through the job.
type Service struct {
	billing *billing.Service
	jobs    JobStore
	objects ObjectStore
	audit   audit.Sink
	logger  zerolog.Logger

	urlTTL time.Duration
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewService(b *billing.Service, jobs JobStore, objects ObjectStore, sink audit.Sink, logger zerolog.Logger) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		billing: b,
		jobs:    jobs,
		objects: objects,
		audit:   sink,
		logger:  logger.With().Str("component", "report").Logger(),
		urlTTL:  DefaultURLTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetURLTTL(d time.Duration)     { s.urlTTL = d }
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Wait blocks until all background renders have finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RenderRevenue builds the revenue workbook without storing it.
func (s *Service) RenderRevenue(ctx context.Context, actor auth.Actor, from, to time.Time) ([]byte, error) {
	rev, err := s.billing.GetRevenueByPeriod(ctx, actor, from, to)
	if err != nil {
		return nil, err
	}
	return RevenueWorkbook(rev, actor.String())
}

func (s *Service) StartRevenueExport(ctx context.Context, actor auth.Actor, from, to time.Time) (*Job, error) {
	rev, err := s.billing.GetRevenueByPeriod(ctx, actor, from, to)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"from": from.UTC().Format(time.RFC3339),
		"to":   to.UTC().Format(time.RFC3339),
	}
	return s.start(ctx, actor, KindRevenue, params, func() ([]byte, error) {
		return RevenueWorkbook(rev, actor.String())
	})
}

func (s *Service) StartPatientCostExport(ctx context.Context, actor auth.Actor, record visit.PatientRecordID, year int) (*Job, error) {
	pc, err := s.billing.GetPatientCostByYear(ctx, actor, record, year)
	if err != nil {
		return nil, err
	}
	params := map[string]string{
		"patient_record": record.String(),
		"year":           strconv.Itoa(year),
	}
	return s.start(ctx, actor, KindPatientCost, params, func() ([]byte, error) {
		return PatientCostWorkbook(pc, actor.String())
	})
}

func (s *Service) start(ctx context.Context, actor auth.Actor, kind Kind, params map[string]string, render func() ([]byte, error)) (*Job, error) {
	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		ActorID:   actor.ID,
		Params:    params,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, err
	}
	s.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ActorRole: string(actor.Role),
		Action:    "report.start",
		Details:   map[string]string{"report_id": job.ID, "kind": string(kind)},
		RequestID: audit.RequestIDFromContext(ctx),
	})

	queued := *job
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), &queued, render)
	}()
	return job, nil
}

func (s *Service) run(ctx context.Context, job *Job, render func() ([]byte, error)) {
	log := s.logger.With().Str("report_id", job.ID).Str("kind", string(job.Kind)).Logger()
	update := func(status JobStatus, progress int) {
		job.Status, job.Progress, job.UpdatedAt = status, progress, s.now()
		if err := s.jobs.Save(ctx, job); err != nil {
			log.Warn().Err(err).Str("status", string(status)).Msg("could not save report status")
		}
	}
	fail := func(err error) {
		log.Error().Err(err).Msg("report export failed")
		job.Error = apperr.PublicMessage(err)
		update(JobFailed, 100)
	}

	update(JobRunning, 10)
	data, err := render()
	if err != nil {
		fail(fmt.Errorf("render: %w", err))
		return
	}
	update(JobRunning, 60)

	key := fmt.Sprintf("%s/%s_%s.xlsx", job.Kind, job.CreatedAt.Format("20060102_150405"), job.ID[:8])
	if err := s.objects.Upload(ctx, key, data); err != nil {
		fail(err)
		return
	}
	job.FileKey = key
	update(JobRunning, 90)

	url, err := s.objects.PresignedURL(ctx, key, s.urlTTL)
	if err != nil {
		fail(err)
		return
	}
	job.URL = url
	update(JobReady, 100)
	log.Info().Int("bytes", len(data)).Msg("report ready")
}

// GetJob returns a job owned by the actor. Administrators see every job.
// Links of finished jobs are re-signed so they stay usable.
func (s *Service) GetJob(ctx context.Context, actor auth.Actor, id string) (*Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.ActorID != actor.ID && actor.Role != auth.RoleAdministrator {
		return nil, apperr.NotFound("report", id)
	}
	if job.Status == JobReady && job.FileKey != "" {
		if url, err := s.objects.PresignedURL(ctx, job.FileKey, s.urlTTL); err == nil {
			job.URL = url
		} else {
			s.logger.Warn().Err(err).Str("report_id", id).Msg("could not refresh download link")
		}
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, actor auth.Actor) ([]*Job, error) {
	if actor.Role == auth.RoleGuest {
		return nil, apperr.Unauthorized("%s cannot list reports", actor)
	}
	return s.jobs.ListByActor(ctx, actor.ID)
}
