// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/events"
	"github.com/unclebandit/promo-mailer-backend/internal/lock"
	"github.com/unclebandit/promo-mailer-backend/internal/mailer"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
	"github.com/unclebandit/promo-mailer-backend/internal/repository"
)

const outcomeUnknown = "outcome unknown: dispatcher stopped before recording a result"

type DispatchConfig struct {
	Concurrency int
	// RatePerSec caps send attempts across all workers of one campaign.
	// Zero or negative disables the limit.
	RatePerSec  float64
	SendTimeout time.Duration
	LeaseTTL    time.Duration
	// FailureThreshold consecutive transport failures pause every worker
	// of the campaign for an exponentially growing cooldown.
	FailureThreshold int
	CooldownInitial  time.Duration
	CooldownMax      time.Duration
}

type Dispatcher struct {
	repo     repository.CampaignRepositoryInterface
	sender   mailer.Sender
	renderer *mailer.Renderer
	locker   lock.Locker
	events   events.Publisher
	log      *zap.Logger
	cfg      DispatchConfig
	metrics  *Metrics
}

// Metrics counts dispatch activity for the lifetime of the process.
type Metrics struct {
	mu             sync.RWMutex
	TotalSent      int64
	TotalFailed    int64
	TotalCampaigns int64
	Reconciled     int64
	LastSendAt     time.Time
}

type MetricsData struct {
	TotalSent      int64
	TotalFailed    int64
	TotalCampaigns int64
	Reconciled     int64
	LastSendAt     time.Time
}

func NewDispatcher(
	repo repository.CampaignRepositoryInterface,
	sender mailer.Sender,
	renderer *mailer.Renderer,
	locker lock.Locker,
	publisher events.Publisher,
	log *zap.Logger,
	cfg DispatchConfig,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.CooldownInitial <= 0 {
		cfg.CooldownInitial = 5 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 2 * time.Minute
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		repo:     repo,
		sender:   sender,
		renderer: renderer,
		locker:   locker,
		events:   publisher,
		log:      log,
		cfg:      cfg,
		metrics:  &Metrics{},
	}
}

// Dispatch attempts delivery to every recipient of the campaign that has not
// been attempted yet. It is safe to call repeatedly and from several
// processes: a per-campaign lease admits one runner at a time and each
// recipient is claimed at most once.
//
// A nil return means the job needs no retry. That covers unknown and
// already completed campaigns, a lease held elsewhere and an interrupted
// run, which the sweeper resumes.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID string) (err error) {
	log := d.log.With(zap.String("campaign_id", campaignID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("dispatch %s panicked: %v", campaignID, r)
		}
	}()

	campaign, err := d.repo.GetByID(ctx, campaignID)
	if err != nil {
		var nf *appErrors.NotFoundError
		if errors.As(err, &nf) {
			log.Warn("dispatch requested for unknown campaign")
			return nil
		}
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.IsCompleted {
		log.Debug("campaign already completed")
		return nil
	}

	lease, err := d.locker.TryAcquire(ctx, campaignID, d.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Info("campaign is being dispatched elsewhere")
			return nil
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := lease.Release(releaseCtx); rerr != nil {
			log.Warn("failed to release lease", zap.Error(rerr))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		d.keepAlive(runCtx, lease, func() {
			lost.Store(true)
			cancel()
		})
	}()

	d.metrics.incrementCampaigns()
	log.Info("dispatch started",
		zap.Int("total_recipients", campaign.SendStats.TotalRecipients),
		zap.Int("already_attempted", campaign.SendStats.Attempted()))

	runErr := d.run(runCtx, log, campaign)
	cancel()
	<-keepAliveDone

	switch {
	case lost.Load():
		log.Warn("lease lost, stopping dispatch")
		return nil
	case ctx.Err() != nil:
		log.Info("dispatch interrupted", zap.Error(ctx.Err()))
		return nil
	case runErr != nil:
		return runErr
	}

	st, err := d.repo.GetStatus(context.WithoutCancel(ctx), campaignID)
	if err != nil {
		log.Warn("failed to read final status", zap.Error(err))
		return nil
	}
	log.Info("dispatch finished",
		zap.Bool("is_completed", st.IsCompleted),
		zap.Int("sent", st.SendStats.Sent),
		zap.Int("failed", st.SendStats.Failed),
		zap.Int("total_recipients", st.SendStats.TotalRecipients))
	return nil
}

func (d *Dispatcher) keepAlive(ctx context.Context, lease lock.Lease, onLost func()) {
	ticker := time.NewTicker(d.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, lock.ErrLeaseLost) {
					onLost()
					return
				}
				d.log.Warn("lease refresh failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, log *zap.Logger, campaign *model.Campaign) error {
	if err := d.reconcile(ctx, log, campaign.ID); err != nil {
		return err
	}

	limit := rate.Inf
	if d.cfg.RatePerSec > 0 {
		limit = rate.Limit(d.cfg.RatePerSec)
	}
	limiter := rate.NewLimiter(limit, 1)
	breaker := newCooldown(d.cfg.FailureThreshold, d.cfg.CooldownInitial, d.cfg.CooldownMax)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Concurrency; i++ {
		g.Go(func() error {
			return d.worker(gctx, log, campaign, limiter, breaker)
		})
	}
	return g.Wait()
}

// reconcile settles messages a previous runner claimed but never recorded.
// Whether those emails went out is unknown, so they count as failed rather
// than being sent again.
func (d *Dispatcher) reconcile(ctx context.Context, log *zap.Logger, campaignID string) error {
	stuck, err := d.repo.ListSending(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list in-flight messages: %w", err)
	}
	for _, msg := range stuck {
		st, applied, err := d.repo.RecordOutcome(ctx, msg, model.MessageStatusFailed, outcomeUnknown)
		if err != nil {
			return fmt.Errorf("reconcile message %d: %w", msg.ID, err)
		}
		if !applied {
			continue
		}
		d.metrics.addReconciled()
		log.Warn("reconciled interrupted send", zap.Int64("message_id", msg.ID), zap.String("email", msg.Email))
		d.afterOutcome(ctx, log, st)
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, log *zap.Logger, campaign *model.Campaign, limiter *rate.Limiter, breaker *cooldown) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := breaker.wait(ctx); err != nil {
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		msg, err := d.repo.ClaimNextPending(ctx, campaign.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim next recipient: %w", err)
		}
		if msg == nil {
			return nil
		}

		status, lastError := model.MessageStatusSent, ""
		if err := d.deliver(ctx, campaign, msg); err != nil {
			status, lastError = model.MessageStatusFailed, err.Error()
			if breaker.failure() {
				log.Warn("too many consecutive delivery failures, cooling down",
					zap.Duration("cooldown", breaker.remaining()))
			}
			log.Debug("delivery failed", zap.String("email", msg.Email), zap.Error(err))
		} else {
			breaker.success()
		}

		if err := d.record(ctx, log, msg, status, lastError); err != nil {
			return err
		}
	}
}

// deliver renders and sends one message. The send is detached from ctx so a
// shutdown lets in-flight sends finish within SendTimeout.
func (d *Dispatcher) deliver(ctx context.Context, campaign *model.Campaign, msg *model.OutboundMessage) error {
	subject, sections := personalize(campaign.Subject, campaign.Sections, msg)

	html, text, err := d.renderer.Render(subject, sections)
	if err != nil {
		return appErrors.NewTransport(msg.Email, err)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	err = d.sender.Send(sendCtx, mailer.Message{
		To:      msg.Email,
		ToName:  fullName(msg),
		Subject: subject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		return appErrors.NewTransport(msg.Email, err)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, msg *model.OutboundMessage, status, lastError string) error {
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	st, applied, err := d.repo.RecordOutcome(recCtx, msg, status, lastError)
	if err != nil {
		if errors.Is(err, repository.ErrCounterRejected) {
			log.Error("counter update rejected", zap.Int64("message_id", msg.ID), zap.String("status", status))
			return nil
		}
		// The message stays in "sending" and is reconciled on the next run.
		return fmt.Errorf("record outcome for message %d: %w", msg.ID, err)
	}
	if !applied {
		return nil
	}

	if status == model.MessageStatusSent {
		d.metrics.addSent()
	} else {
		d.metrics.addFailed()
	}
	d.afterOutcome(recCtx, log, st)
	return nil
}

func (d *Dispatcher) afterOutcome(ctx context.Context, log *zap.Logger, st *model.CampaignStatus) {
	if st == nil || !st.IsCompleted {
		return
	}
	log.Info("campaign completed",
		zap.Int("sent", st.SendStats.Sent),
		zap.Int("failed", st.SendStats.Failed))

	at := time.Now().UTC()
	if st.SendCompletedAt != nil {
		at = *st.SendCompletedAt
	}
	err := d.events.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       events.TypeCampaignCompleted,
		CampaignID: st.ID,
		SendStats:  st.SendStats,
		OccurredAt: at,
	})
	if err != nil {
		log.Warn("failed to publish campaign event", zap.Error(err))
	}
}

func fullName(msg *model.OutboundMessage) string {
	switch {
	case msg.FirstName != "" && msg.LastName != "":
		return msg.FirstName + " " + msg.LastName
	case msg.FirstName != "":
		return msg.FirstName
	}
	return msg.LastName
}

// GetMetrics returns a snapshot of the dispatch counters.
func (d *Dispatcher) GetMetrics() MetricsData {
	d.metrics.mu.RLock()
	defer d.metrics.mu.RUnlock()
	return MetricsData{
		TotalSent:      d.metrics.TotalSent,
		TotalFailed:    d.metrics.TotalFailed,
		TotalCampaigns: d.metrics.TotalCampaigns,
		Reconciled:     d.metrics.Reconciled,
		LastSendAt:     d.metrics.LastSendAt,
	}
}

// ReportMetrics logs the dispatch counters every interval until ctx ends,
// then logs them once more.
func (d *Dispatcher) ReportMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.logMetrics("dispatch metrics")
		case <-ctx.Done():
			d.logMetrics("final dispatch metrics")
			return
		}
	}
}

func (d *Dispatcher) logMetrics(msg string) {
	m := d.GetMetrics()
	fields := []zap.Field{
		zap.Int64("campaigns", m.TotalCampaigns),
		zap.Int64("sent", m.TotalSent),
		zap.Int64("failed", m.TotalFailed),
		zap.Int64("reconciled", m.Reconciled),
	}
	if attempted := m.TotalSent + m.TotalFailed; attempted > 0 {
		fields = append(fields, zap.Float64("success_rate", float64(m.TotalSent)/float64(attempted)*100))
	}
	if !m.LastSendAt.IsZero() {
		fields = append(fields, zap.Time("last_send_at", m.LastSendAt))
	}
	d.log.Info(msg, fields...)
}

func (m *Metrics) addSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalSent++
	m.LastSendAt = time.Now()
}

func (m *Metrics) addFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalFailed++
	m.LastSendAt = time.Now()
}

func (m *Metrics) addReconciled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconciled++
}

func (m *Metrics) incrementCampaigns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCampaigns++
}

// cooldown pauses a campaign's workers after a run of transport failures.
// Each trip without an intervening success doubles the pause.
type cooldown struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	bo          *backoff.ExponentialBackOff
	until       time.Time
}

func newCooldown(threshold int, initial, max time.Duration) *cooldown {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &cooldown{threshold: threshold, bo: bo}
}

// failure records a transport failure and reports whether it tripped a pause.
func (c *cooldown) failure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive++
	if c.consecutive < c.threshold {
		return false
	}
	c.consecutive = 0
	c.until = time.Now().Add(c.bo.NextBackOff())
	return true
}

func (c *cooldown) success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consecutive == 0 && c.until.IsZero() {
		return
	}
	c.consecutive = 0
	c.until = time.Time{}
	c.bo.Reset()
}

func (c *cooldown) remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Until(c.until)
}

func (c *cooldown) wait(ctx context.Context) error {
	d := c.remaining()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
