package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samikshajagne/minicrisp/internal/attachment"
	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/message"
	"github.com/samikshajagne/minicrisp/internal/thread"
)

type fakeFetcher struct {
	mu     sync.Mutex
	msgs   []RawMessage
	sinces []time.Time
}

func (f *fakeFetcher) FetchSince(_ context.Context, _ Account, since time.Time) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	return f.msgs, nil
}

// passthroughInferrer applies the real self-loop rule but no thread lookups.
type passthroughInferrer struct{}

func (passthroughInferrer) InferIdentity(_ context.Context, in thread.InferInput) (customer.Identity, error) {
	from := thread.ExtractAddress(in.From)
	if in.FromSelf {
		to := thread.ExtractAddress(in.To)
		if to == "" || to == in.SelfAddress {
			return customer.Identity{}, thread.ErrCorrelationAmbiguous
		}
		return customer.Identity{Email: to}, nil
	}
	if from == "" || from == in.SelfAddress {
		return customer.Identity{}, thread.ErrCorrelationAmbiguous
	}
	return customer.Identity{Email: from}, nil
}

type noopBlobs struct{}

func (noopBlobs) Correlate(_ context.Context, parts []attachment.Part, bodyHTML string) (attachment.Report, string) {
	report := attachment.Report{}
	for _, p := range parts {
		report.Stored = append(report.Stored, message.Attachment{
			Filename:   p.Filename,
			StorageKey: "mem/" + p.Filename,
		})
	}
	return report, bodyHTML
}

type recordingIngestor struct {
	mu     sync.Mutex
	inputs []ingest.Input
}

func (r *recordingIngestor) Ingest(_ context.Context, in ingest.Input) (ingest.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return ingest.Result{Outcome: ingest.OutcomeCreated}, nil
}

func testManager(fetcher *fakeFetcher, ingestor *recordingIngestor) *Manager {
	return NewManager(
		nil,
		nil, // account store unused by PollAccount
		fetcher,
		passthroughInferrer{},
		noopBlobs{},
		ingestor,
		config.MailConfig{PollIntervalSeconds: 60, BackfillDays: 30},
	)
}

func rawMail(lines ...string) []byte {
	return crlf(lines...)
}

func TestPollAccount_IngestsInboxMessage(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{msgs: []RawMessage{{
		Folder: "INBOX",
		UID:    1,
		Raw: rawMail(
			`From: Visitor <b@y.com>`,
			`To: support@x.com`,
			`Subject: help`,
			`Message-Id: <mid-1@remote>`,
			`Content-Type: text/plain`,
			``,
			`hello`,
			``,
		),
	}}}
	ingestor := &recordingIngestor{}
	m := testManager(fetcher, ingestor)

	account := Account{ID: 1, Address: "support@x.com"}
	_, err := m.PollAccount(context.Background(), account)
	require.NoError(t, err)

	require.Len(t, ingestor.inputs, 1)
	in := ingestor.inputs[0]
	require.Equal(t, "b@y.com", in.Identity.Email)
	require.Equal(t, message.DirectionVisitor, in.Direction)
	require.Equal(t, message.ChannelMail, in.Channel)
	require.Equal(t, "mid-1@remote", in.MessageKey)
	require.Equal(t, "hello", in.BodyText)
	require.Equal(t, "support@x.com", in.Account)
}

func TestPollAccount_SentFolderBecomesAdmin(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{msgs: []RawMessage{{
		Folder:   "[Gmail]/Sent Mail",
		FromSent: true,
		UID:      2,
		Raw: rawMail(
			`From: support@x.com`,
			`To: b@y.com`,
			`Subject: re: help`,
			`Message-Id: <mid-2@local>`,
			`Content-Type: text/plain`,
			``,
			`we are on it`,
			``,
		),
	}}}
	ingestor := &recordingIngestor{}
	m := testManager(fetcher, ingestor)

	_, err := m.PollAccount(context.Background(), Account{ID: 1, Address: "support@x.com"})
	require.NoError(t, err)

	require.Len(t, ingestor.inputs, 1)
	require.Equal(t, message.DirectionAdmin, ingestor.inputs[0].Direction)
	require.Equal(t, "b@y.com", ingestor.inputs[0].Identity.Email)
}

func TestPollAccount_DropsUncorrelatedAndKeyless(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{msgs: []RawMessage{
		{
			// Self-loop: the account mailing itself.
			Folder: "INBOX",
			UID:    3,
			Raw: rawMail(
				`From: support@x.com`,
				`To: support@x.com`,
				`Message-Id: <mid-3@local>`,
				`Content-Type: text/plain`,
				``,
				`note to self`,
				``,
			),
		},
		{
			// No Message-Id, would duplicate on every poll.
			Folder: "INBOX",
			UID:    4,
			Raw: rawMail(
				`From: b@y.com`,
				`Content-Type: text/plain`,
				``,
				`keyless`,
				``,
			),
		},
	}}
	ingestor := &recordingIngestor{}
	m := testManager(fetcher, ingestor)

	_, err := m.PollAccount(context.Background(), Account{ID: 1, Address: "support@x.com"})
	require.NoError(t, err)
	require.Empty(t, ingestor.inputs)
}

func TestScanAccount_IngestsDetached(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{msgs: []RawMessage{{
		Folder: "INBOX",
		UID:    9,
		Raw: rawMail(
			`From: b@y.com`,
			`To: support@x.com`,
			`Message-Id: <mid-9@remote>`,
			`Content-Type: text/plain`,
			``,
			`backfilled`,
			``,
		),
	}}}
	ingestor := &recordingIngestor{}
	m := testManager(fetcher, ingestor)

	m.ScanAccount(Account{ID: 1, Address: "support@x.com"})
	m.Stop()

	require.Len(t, ingestor.inputs, 1)
	require.Equal(t, "mid-9@remote", ingestor.inputs[0].MessageKey)
}

func TestScanAccount_CanceledRunContextSkipsScan(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{msgs: []RawMessage{{Folder: "INBOX", UID: 10, Raw: rawMail(
		`From: b@y.com`,
		`Message-Id: <mid-10@remote>`,
		`Content-Type: text/plain`,
		``,
		`too late`,
		``,
	)}}}
	ingestor := &recordingIngestor{}
	m := testManager(fetcher, ingestor)

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
	cancel()

	// A scan requested after shutdown began must not touch the mailbox.
	m.ScanAccount(Account{ID: 1, Address: "support@x.com"})
	m.Stop()

	require.Empty(t, fetcher.sinces)
	require.Empty(t, ingestor.inputs)
}

func TestPollAccount_BackfillThenIncremental(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{}
	m := testManager(fetcher, &recordingIngestor{})
	account := Account{ID: 1, Address: "support@x.com"}
	ctx := context.Background()

	_, err := m.PollAccount(ctx, account)
	require.NoError(t, err)
	_, err = m.PollAccount(ctx, account)
	require.NoError(t, err)

	require.Len(t, fetcher.sinces, 2)
	// First poll reaches back the whole backfill window.
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), fetcher.sinces[0], time.Minute)
	// Second poll scans from the first poll, minus the overlap.
	require.WithinDuration(t, time.Now().UTC().Add(-pollOverlap), fetcher.sinces[1], time.Minute)
}
