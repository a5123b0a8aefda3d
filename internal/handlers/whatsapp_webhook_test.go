package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/samikshajagne/minicrisp/internal/config"
	"github.com/samikshajagne/minicrisp/internal/customer"
	"github.com/samikshajagne/minicrisp/internal/ingest"
	"github.com/samikshajagne/minicrisp/internal/message"
)

func newWebhookFixture() (*WhatsAppHandler, *customer.Resolver, *memMessages) {
	resolver := customer.NewResolver(nil, newMemCustomerStore())
	messages := newMemMessages()
	pipeline := ingest.NewPipeline(nil, resolver, messages, nil)
	h := NewWhatsAppHandler(nil, config.WhatsAppConfig{VerifyToken: "tok"}, pipeline)
	return h, resolver, messages
}

func TestWhatsAppVerify(t *testing.T) {
	t.Parallel()
	h, _, _ := newWebhookFixture()
	e := echo.New()

	rec, err := doJSON(t, e, h.Verify, http.MethodGet,
		"/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=4242", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "4242", rec.Body.String())

	_, err = doJSON(t, e, h.Verify, http.MethodGet,
		"/api/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=4242", "")
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestWhatsAppReceive_IngestsMessage(t *testing.T) {
	t.Parallel()
	h, resolver, messages := newWebhookFixture()
	e := echo.New()

	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"contacts": [{"profile": {"name": "Ada"}}],
					"messages": [{
						"from": "15550001111",
						"id": "wamid.abc",
						"timestamp": "1136239445",
						"type": "text",
						"text": {"body": "hola"}
					}]
				}
			}]
		}]
	}`
	rec, err := doJSON(t, e, h.Receive, http.MethodPost, "/api/whatsapp/webhook", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)

	cust, found, err := resolver.Lookup(context.Background(), customer.Identity{Phone: "15550001111"})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Ada", cust.DisplayName)

	msgs, _ := messages.ListByCustomer(context.Background(), cust.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, message.ChannelWhatsApp, msgs[0].Channel)
	require.Equal(t, "wamid.abc", msgs[0].MessageKey)
	require.Equal(t, "hola", msgs[0].BodyText)
}

func TestWhatsAppReceive_RedeliveryDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	h, resolver, messages := newWebhookFixture()
	e := echo.New()

	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"messages": [{"from": "15550001111", "id": "wamid.dup", "type": "text", "text": {"body": "once"}}]
				}
			}]
		}]
	}`
	for i := 0; i < 2; i++ {
		rec, err := doJSON(t, e, h.Receive, http.MethodPost, "/api/whatsapp/webhook", payload)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	cust, _, err := resolver.Lookup(context.Background(), customer.Identity{Phone: "15550001111"})
	require.NoError(t, err)
	msgs, _ := messages.ListByCustomer(context.Background(), cust.ID)
	require.Len(t, msgs, 1)
}

func TestWhatsAppReceive_StatusUpdateIgnored(t *testing.T) {
	t.Parallel()
	h, _, messages := newWebhookFixture()
	e := echo.New()

	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"statuses": [{"id": "wamid.abc", "status": "read"}]
				}
			}]
		}]
	}`
	rec, err := doJSON(t, e, h.Receive, http.MethodPost, "/api/whatsapp/webhook", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, messages.all)
}
