package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message/mail"

	"github.com/samikshajagne/minicrisp/internal/attachment"
)

// Parsed is one raw RFC 822 message broken into the fields ingestion needs.
type Parsed struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      string
	To        string
	Date      time.Time
	BodyText  string
	BodyHTML  string
	Parts     []attachment.Part
}

// replyBlockPatterns mark the first line of a quoted reply chain. Everything
// from that line on is discarded.
var replyBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^On\s.*\s?wrote:`),
	regexp.MustCompile(`(?i)^From:\s`),
	regexp.MustCompile(`(?i)^Sent:\s`),
	regexp.MustCompile(`(?i)^Subject:\s`),
	regexp.MustCompile(`(?i)^-{2,}\s?Forwarded message\s?-{2,}`),
	regexp.MustCompile(`^>`),
}

// ParseMessage reads headers and walks the MIME tree of a raw message: the
// first text/plain part becomes the body, the first text/html part is kept
// verbatim, and every attachment or inline binary becomes a Part. When only
// HTML exists the body text is derived from it.
func ParseMessage(raw []byte) (Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, fmt.Errorf("parse message: %w", err)
	}

	var parsed Parsed
	parsed.Subject, _ = mr.Header.Subject()
	parsed.Date, _ = mr.Header.Date()
	parsed.MessageID, _ = mr.Header.MessageID()
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		parsed.InReplyTo = ids[0]
	}
	parsed.From = firstAddress(mr.Header, "From")
	parsed.To = firstAddress(mr.Header, "To")

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A broken part should not discard what we already extracted.
			break
		}
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			collectInline(&parsed, header, part.Body)
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil || len(data) == 0 {
				continue
			}
			parsed.Parts = append(parsed.Parts, attachment.Part{
				Filename:    filename,
				ContentType: contentType,
				ContentID:   header.Get("Content-Id"),
				Data:        data,
			})
		}
	}

	if parsed.BodyText == "" && parsed.BodyHTML != "" {
		if md, err := htmltomarkdown.ConvertString(parsed.BodyHTML); err == nil {
			parsed.BodyText = StripQuotedReply(md)
		}
	}
	return parsed, nil
}

func collectInline(parsed *Parsed, header *mail.InlineHeader, body io.Reader) {
	contentType, _, _ := header.ContentType()
	switch {
	case contentType == "text/plain" && parsed.BodyText == "":
		data, err := io.ReadAll(body)
		if err == nil {
			parsed.BodyText = StripQuotedReply(string(data))
		}
	case contentType == "text/html" && parsed.BodyHTML == "":
		data, err := io.ReadAll(body)
		if err == nil {
			parsed.BodyHTML = string(data)
		}
	case strings.HasPrefix(contentType, "image/"), strings.HasPrefix(contentType, "application/"):
		// Inline binaries (logos, embedded files) are attachments too.
		data, err := io.ReadAll(body)
		if err != nil || len(data) == 0 {
			return
		}
		_, dispParams, _ := header.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			_, ctParams, _ := header.ContentType()
			filename = ctParams["name"]
		}
		parsed.Parts = append(parsed.Parts, attachment.Part{
			Filename:    filename,
			ContentType: contentType,
			ContentID:   header.Get("Content-Id"),
			Data:        data,
		})
	}
}

func firstAddress(header mail.Header, key string) string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		// Fall back to the raw header so a slightly malformed address still
		// reaches the inference fallbacks.
		return header.Get(key)
	}
	return addrs[0].Address
}

// StripQuotedReply drops the quoted reply chain from a plain-text body.
// Once a line matches a reply-block marker, it and everything after it is
// removed.
func StripQuotedReply(body string) string {
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if startsReplyBlock(trimmed) {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func startsReplyBlock(line string) bool {
	for _, pattern := range replyBlockPatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}
