package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/samikshajagne/minicrisp/internal/attachment"
	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/message"
	"github.com/samikshajagne/minicrisp/internal/thread"
)

// pollOverlap is re-scanned on every poll. IMAP SINCE is day-granular and
// keyed deduplication makes the overlap free.
const pollOverlap = 10 * time.Minute

// MessageFetcher pulls raw messages for one account.
type MessageFetcher interface {
	FetchSince(ctx context.Context, account Account, since time.Time) ([]RawMessage, error)
}

// IdentityInferrer determines the visitor a mailbox message belongs to.
type IdentityInferrer interface {
	InferIdentity(ctx context.Context, in thread.InferInput) (customer.Identity, error)
}

// BlobCorrelator persists binary parts and rewrites inline references.
type BlobCorrelator interface {
	Correlate(ctx context.Context, parts []attachment.Part, bodyHTML string) (attachment.Report, string)
}

// Ingestor is the ingestion pipeline entry point.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.Input) (ingest.Result, error)
}

// Manager polls every active account on a fixed schedule and feeds the
// results through identity inference into the ingestion pipeline.
type Manager struct {
	store    Store
	fetcher  MessageFetcher
	threads  IdentityInferrer
	blobs    BlobCorrelator
	ingestor Ingestor
	cfg      config.MailConfig
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time

	wg sync.WaitGroup

	mu       sync.Mutex
	runCtx   context.Context
	lastPoll map[int64]time.Time
}

// NewManager creates the polling manager.
func NewManager(
	log *slog.Logger,
	store Store,
	fetcher MessageFetcher,
	threads IdentityInferrer,
	blobs BlobCorrelator,
	ingestor Ingestor,
	cfg config.MailConfig,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		fetcher:  fetcher,
		threads:  threads,
		blobs:    blobs,
		ingestor: ingestor,
		cfg:      cfg,
		logger:   log.With(slog.String("service", "mailbox")),
		now:      func() time.Time { return time.Now().UTC() },
		lastPoll: map[int64]time.Time{},
	}
}

// Start schedules the poll loop and kicks off an immediate first pass.
func (m *Manager) Start(ctx context.Context) error {
	interval := m.cfg.PollIntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %ds", interval), func() {
		m.PollAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule mailbox polling: %w", err)
	}
	m.cron.Start()
	go m.PollAll(ctx)
	m.logger.Info("mailbox polling started", slog.Int("interval_seconds", interval))
	return nil
}

// Stop halts the schedule and waits for running polls and detached scans to
// finish.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.wg.Wait()
}

// ScanAccount scans one account immediately, detached from the caller but
// bound to the manager's run context: shutdown cancels the scan and Stop
// waits for it. Used for the backfill of a newly registered account.
func (m *Manager) ScanAccount(account Account) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if ctx.Err() != nil {
			return
		}
		if _, err := m.PollAccount(ctx, account); err != nil {
			m.logger.Error("account scan failed",
				slog.String("account", account.Address),
				slog.Any("error", err),
			)
		}
	}()
}

// PollAll scans every active account. One account's failure never stops the
// others.
func (m *Manager) PollAll(ctx context.Context) {
	accounts, err := m.store.ListActive(ctx)
	if err != nil {
		m.logger.Error("list active accounts", slog.Any("error", err))
		return
	}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		ingested, err := m.PollAccount(ctx, account)
		if err != nil {
			m.logger.Error("account poll failed",
				slog.String("account", account.Address),
				slog.Any("error", err),
			)
			continue
		}
		if ingested > 0 {
			m.logger.Info("account poll completed",
				slog.String("account", account.Address),
				slog.Int("ingested", ingested),
			)
		}
	}
}

// PollAccount fetches and ingests one account's new messages. The first poll
// backfills the configured history window; later polls scan from the last
// successful poll.
func (m *Manager) PollAccount(ctx context.Context, account Account) (int, error) {
	start := m.now()
	msgs, err := m.fetcher.FetchSince(ctx, account, m.sinceFor(account.ID))
	if err != nil {
		return 0, err
	}

	ingested := 0
	for _, raw := range msgs {
		if err := m.process(ctx, account, raw); err != nil {
			m.logger.Warn("message skipped",
				slog.String("account", account.Address),
				slog.String("folder", raw.Folder),
				slog.Uint64("uid", uint64(raw.UID)),
				slog.Any("error", err),
			)
			continue
		}
		ingested++
	}

	m.mu.Lock()
	m.lastPoll[account.ID] = start
	m.mu.Unlock()
	return ingested, nil
}

func (m *Manager) sinceFor(accountID int64) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastPoll[accountID]; ok {
		return last.Add(-pollOverlap)
	}
	days := m.cfg.BackfillDays
	if days <= 0 {
		days = 30
	}
	return m.now().AddDate(0, 0, -days)
}

func (m *Manager) process(ctx context.Context, account Account, raw RawMessage) error {
	parsed, err := ParseMessage(raw.Raw)
	if err != nil {
		return err
	}
	if parsed.MessageID == "" {
		// Without a stable key every poll would duplicate the message.
		return errors.New("message has no message-id")
	}

	self := strings.ToLower(strings.TrimSpace(account.Address))
	fromSelf := raw.FromSent || thread.ExtractAddress(parsed.From) == self

	identity, err := m.threads.InferIdentity(ctx, thread.InferInput{
		InReplyTo:   parsed.InReplyTo,
		Subject:     parsed.Subject,
		From:        parsed.From,
		To:          parsed.To,
		SelfAddress: self,
		FromSelf:    fromSelf,
	})
	if errors.Is(err, thread.ErrCorrelationAmbiguous) {
		m.logger.Debug("uncorrelated message dropped",
			slog.String("account", account.Address),
			slog.String("subject", parsed.Subject),
		)
		return nil
	}
	if err != nil {
		return err
	}

	report, bodyHTML := m.blobs.Correlate(ctx, parsed.Parts, parsed.BodyHTML)

	direction := message.DirectionVisitor
	if fromSelf {
		direction = message.DirectionAdmin
	}
	_, err = m.ingestor.Ingest(ctx, ingest.Input{
		Identity:    identity,
		Direction:   direction,
		Channel:     message.ChannelMail,
		MessageKey:  parsed.MessageID,
		BodyText:    parsed.BodyText,
		BodyHTML:    bodyHTML,
		Subject:     parsed.Subject,
		Account:     self,
		Timestamp:   parsed.Date,
		Attachments: report.Stored,
	})
	return err
}
