package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/event"
	"github.com/samikshajagne/minicrisp/internal/message"
)

// memResolver hands out one customer id per identity key.
type memResolver struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]customer.Customer
}

func newMemResolver() *memResolver {
	return &memResolver{nextID: 1, byKey: map[string]customer.Customer{}}
}

func (r *memResolver) Resolve(_ context.Context, identity customer.Identity) (customer.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity = identity.Normalize()
	if cust, ok := r.byKey[identity.Key()]; ok {
		return cust, nil
	}
	cust := customer.Customer{ID: r.nextID, Email: identity.Email, Phone: identity.Phone}
	r.nextID++
	r.byKey[identity.Key()] = cust
	return cust, nil
}

// memMessageStore mirrors the Postgres store's semantics: partial uniqueness
// on (channel, key), fill-missing-only merges, storage-key attachment dedup.
type memMessageStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*message.Message

	// failFirstKeyLookups simulates the window where a concurrent insert is
	// not yet visible to the dedup lookup.
	failFirstKeyLookups int
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{nextID: 1, messages: map[int64]*message.Message{}}
}

func (s *memMessageStore) Create(_ context.Context, input message.CreateInput) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input.MessageKey != "" {
		for _, m := range s.messages {
			if m.Channel == input.Channel && m.MessageKey == input.MessageKey {
				return message.Message{}, message.ErrDuplicateKey
			}
		}
	}
	msg := &message.Message{
		ID:         s.nextID,
		CustomerID: input.CustomerID,
		Direction:  input.Direction,
		Channel:    input.Channel,
		MessageKey: input.MessageKey,
		BodyText:   input.BodyText,
		BodyHTML:   input.BodyHTML,
		Subject:    input.Subject,
		Account:    input.Account,
		Timestamp:  input.Timestamp,
		CreatedAt:  time.Now().UTC(),
	}
	s.nextID++
	s.messages[msg.ID] = msg
	return *msg, nil
}

func (s *memMessageStore) FindByChannelKey(_ context.Context, channel message.Channel, key string) (message.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirstKeyLookups > 0 {
		s.failFirstKeyLookups--
		return message.Message{}, false, nil
	}
	for _, m := range s.messages {
		if m.Channel == channel && m.MessageKey == key {
			return *m, true, nil
		}
	}
	return message.Message{}, false, nil
}

func (s *memMessageStore) Merge(_ context.Context, messageID int64, input message.MergeInput) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[messageID]
	if m.BodyHTML == "" {
		m.BodyHTML = input.BodyHTML
	}
	s.addAttachmentsLocked(m, input.Attachments)
	return *m, nil
}

func (s *memMessageStore) AddAttachments(_ context.Context, messageID int64, attachments []message.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addAttachmentsLocked(s.messages[messageID], attachments)
	return nil
}

func (s *memMessageStore) addAttachmentsLocked(m *message.Message, attachments []message.Attachment) {
	for _, a := range attachments {
		dup := false
		for _, existing := range m.Attachments {
			if existing.StorageKey == a.StorageKey {
				dup = true
				break
			}
		}
		if !dup {
			m.Attachments = append(m.Attachments, a)
		}
	}
}

func (s *memMessageStore) ListByCustomer(_ context.Context, customerID int64) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for id := int64(1); id < s.nextID; id++ {
		if m, ok := s.messages[id]; ok && m.CustomerID == customerID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memMessageStore) ListByCustomerChannel(_ context.Context, customerID int64, channel message.Channel) ([]message.Message, error) {
	all, _ := s.ListByCustomer(nil, customerID)
	var out []message.Message
	for _, m := range all {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out, nil
}

func newPipeline(store *memMessageStore, hub Publisher) *Pipeline {
	return NewPipeline(nil, newMemResolver(), store, hub)
}

func TestIngest_CreatesTimelineEntry(t *testing.T) {
	t.Parallel()
	store := newMemMessageStore()
	p := newPipeline(store, nil)

	res, err := p.Ingest(context.Background(), Input{
		Identity:  customer.Identity{Email: "a@x.com"},
		Direction: message.DirectionVisitor,
		Channel:   message.ChannelChat,
		BodyText:  "hello",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, res.Outcome)
	require.Equal(t, res.Customer.ID, res.Message.CustomerID)
	require.False(t, res.Message.Timestamp.IsZero())

	timeline, err := store.ListByCustomer(context.Background(), res.Customer.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
}

func TestIngest_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()
	p := newPipeline(newMemMessageStore(), nil)

	_, err := p.Ingest(context.Background(), Input{
		Direction: message.DirectionVisitor,
		Channel:   message.ChannelChat,
		BodyText:  "anonymous",
	})
	require.ErrorIs(t, err, customer.ErrInvalidIdentity)
}

func TestIngest_KeyedReingestMergesOnce(t *testing.T) {
	t.Parallel()
	store := newMemMessageStore()
	p := newPipeline(store, nil)
	ctx := context.Background()

	base := Input{
		Identity:   customer.Identity{Email: "a@x.com"},
		Direction:  message.DirectionVisitor,
		Channel:    message.ChannelMail,
		MessageKey: "<mid-1@remote>",
		BodyText:   "plain body",
		Subject:    "hi",
	}
	first, err := p.Ingest(ctx, base)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)
	require.Equal(t, "mid-1@remote", first.Message.MessageKey)

	// Second sighting carries the HTML body and an attachment.
	richer := base
	richer.BodyHTML = "<p>plain body</p>"
	richer.Attachments = []message.Attachment{{Filename: "a.pdf", StorageKey: "2026/01/a"}}
	second, err := p.Ingest(ctx, richer)
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, second.Outcome)
	require.Equal(t, first.Message.ID, second.Message.ID)
	require.Equal(t, "<p>plain body</p>", second.Message.BodyHTML)
	require.Len(t, second.Message.Attachments, 1)

	// A third identical sighting changes nothing.
	third, err := p.Ingest(ctx, richer)
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, third.Outcome)
	require.Len(t, third.Message.Attachments, 1)

	timeline, err := store.ListByCustomer(ctx, first.Customer.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
}

func TestIngest_MergeNeverOverwrites(t *testing.T) {
	t.Parallel()
	p := newPipeline(newMemMessageStore(), nil)
	ctx := context.Background()

	base := Input{
		Identity:   customer.Identity{Email: "a@x.com"},
		Direction:  message.DirectionVisitor,
		Channel:    message.ChannelMail,
		MessageKey: "mid-2",
		BodyText:   "body",
		BodyHTML:   "<p>original</p>",
	}
	_, err := p.Ingest(ctx, base)
	require.NoError(t, err)

	conflicting := base
	conflicting.BodyHTML = "<p>changed</p>"
	res, err := p.Ingest(ctx, conflicting)
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Outcome)
	require.Equal(t, "<p>original</p>", res.Message.BodyHTML)
}

func TestIngest_LostInsertRaceMerges(t *testing.T) {
	t.Parallel()
	store := newMemMessageStore()
	p := newPipeline(store, nil)
	ctx := context.Background()

	in := Input{
		Identity:   customer.Identity{Email: "a@x.com"},
		Direction:  message.DirectionVisitor,
		Channel:    message.ChannelMail,
		MessageKey: "mid-3",
		BodyText:   "body",
	}
	first, err := p.Ingest(ctx, in)
	require.NoError(t, err)

	// The dedup lookup misses, the insert hits the unique index, and the
	// pipeline falls back to merging into the winner's row.
	store.failFirstKeyLookups = 1
	res, err := p.Ingest(ctx, in)
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Outcome)
	require.Equal(t, first.Message.ID, res.Message.ID)
}

func TestIngest_UnkeyedMessagesNeverDedup(t *testing.T) {
	t.Parallel()
	store := newMemMessageStore()
	p := newPipeline(store, nil)
	ctx := context.Background()

	in := Input{
		Identity:  customer.Identity{Email: "a@x.com"},
		Direction: message.DirectionVisitor,
		Channel:   message.ChannelChat,
		BodyText:  "same text twice",
	}
	first, err := p.Ingest(ctx, in)
	require.NoError(t, err)
	second, err := p.Ingest(ctx, in)
	require.NoError(t, err)
	require.NotEqual(t, first.Message.ID, second.Message.ID)
}

func TestIngest_PublishesToSubscribers(t *testing.T) {
	t.Parallel()
	hub := event.NewHub(nil)
	p := newPipeline(newMemMessageStore(), hub)
	sub := hub.Subscribe("a@x.com")
	defer hub.Unsubscribe(sub)

	res, err := p.Ingest(context.Background(), Input{
		Identity:  customer.Identity{Email: "A@X.com"},
		Direction: message.DirectionAdmin,
		Channel:   message.ChannelChat,
		BodyText:  "live",
	})
	require.NoError(t, err)

	select {
	case note := <-sub.C():
		require.Equal(t, res.Customer.ID, note.CustomerID)
		require.Equal(t, "live", note.Message.BodyText)
	case <-time.After(time.Second):
		t.Fatal("expected a live notification")
	}
}

func TestIngest_MergeDoesNotRepublish(t *testing.T) {
	t.Parallel()
	hub := event.NewHub(nil)
	p := newPipeline(newMemMessageStore(), hub)
	sub := hub.Subscribe("a@x.com")
	defer hub.Unsubscribe(sub)
	ctx := context.Background()

	in := Input{
		Identity:   customer.Identity{Email: "a@x.com"},
		Direction:  message.DirectionVisitor,
		Channel:    message.ChannelMail,
		MessageKey: "mid-4",
		BodyText:   "body",
	}
	_, err := p.Ingest(ctx, in)
	require.NoError(t, err)
	_, err = p.Ingest(ctx, in)
	require.NoError(t, err)

	require.Len(t, drain(sub.C()), 1)
}

func drain(ch <-chan event.Notification) []event.Notification {
	var out []event.Notification
	for {
		select {
		case note := <-ch:
			out = append(out, note)
		default:
			return out
		}
	}
}
