package whatsapp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, raw string) WebhookPayload {
	t.Helper()
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestParse_TextMessage(t *testing.T) {
	t.Parallel()
	payload := decodePayload(t, `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1", "display_phone_number": "15550009999"},
					"contacts": [{"profile": {"name": "Ada"}}],
					"messages": [{
						"from": "15550001111",
						"id": "wamid.abc",
						"timestamp": "1136239445",
						"type": "text",
						"text": {"body": "hello support"}
					}]
				}
			}]
		}]
	}`)

	inbound, err := Parse(payload)
	require.NoError(t, err)
	require.NotNil(t, inbound)
	require.Equal(t, "biz-1", inbound.BusinessNumberID)
	require.Equal(t, "15550001111", inbound.VisitorPhone)
	require.Equal(t, "Ada", inbound.VisitorName)
	require.Equal(t, "wamid.abc", inbound.MessageID)
	require.Equal(t, "hello support", inbound.Text)
	require.Equal(t, time.Unix(1136239445, 0).UTC(), inbound.Timestamp)
}

func TestParse_StatusUpdateIgnored(t *testing.T) {
	t.Parallel()
	payload := decodePayload(t, `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"statuses": [{"id": "wamid.abc", "status": "delivered"}]
				}
			}]
		}]
	}`)

	inbound, err := Parse(payload)
	require.NoError(t, err)
	require.Nil(t, inbound)
}

func TestParse_EmptyEnvelope(t *testing.T) {
	t.Parallel()
	inbound, err := Parse(WebhookPayload{})
	require.NoError(t, err)
	require.Nil(t, inbound)
}

func TestParse_InteractiveReplies(t *testing.T) {
	t.Parallel()
	payload := decodePayload(t, `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"messages": [{
						"from": "15550001111",
						"id": "wamid.btn",
						"type": "interactive",
						"interactive": {"type": "button_reply", "button_reply": {"title": "Yes please"}}
					}]
				}
			}]
		}]
	}`)

	inbound, err := Parse(payload)
	require.NoError(t, err)
	require.Equal(t, "Yes please", inbound.Text)
}

func TestParse_MediaFallbackText(t *testing.T) {
	t.Parallel()
	payload := decodePayload(t, `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"messages": [{"from": "15550001111", "id": "wamid.img", "type": "image"}]
				}
			}]
		}]
	}`)

	inbound, err := Parse(payload)
	require.NoError(t, err)
	require.Equal(t, "[Media/System Message: image]", inbound.Text)
}

func TestParse_MissingSenderFails(t *testing.T) {
	t.Parallel()
	payload := decodePayload(t, `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "biz-1"},
					"messages": [{"id": "wamid.x", "type": "text", "text": {"body": "hi"}}]
				}
			}]
		}]
	}`)

	_, err := Parse(payload)
	require.Error(t, err)
}

func TestVerifyWebhook(t *testing.T) {
	t.Parallel()
	challenge, ok := VerifyWebhook("subscribe", "tok", "12345", "tok")
	require.True(t, ok)
	require.Equal(t, "12345", challenge)

	_, ok = VerifyWebhook("subscribe", "wrong", "12345", "tok")
	require.False(t, ok)
	_, ok = VerifyWebhook("unsubscribe", "tok", "12345", "tok")
	require.False(t, ok)
	_, ok = VerifyWebhook("subscribe", "", "12345", "")
	require.False(t, ok)
}
