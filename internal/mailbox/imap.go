package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// RawMessage is one fetched message before parsing. FromSent marks messages
// found in the account's own Sent folder.
type RawMessage struct {
	Folder   string
	FromSent bool
	UID      imap.UID
	Raw      []byte
}

type scanFolder struct {
	name string
	sent bool
}

// Fetcher pulls recent messages from an account's inbox and Sent folder.
// One Fetcher serves all accounts; connections are per call.
type Fetcher struct {
	logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{logger: log.With(slog.String("service", "mailbox.fetch"))}
}

// FetchSince returns every message dated at or after since from the inbox
// and the detected Sent folder. A failing folder is logged and skipped so
// one bad folder never blanks the whole account.
func (f *Fetcher) FetchSince(ctx context.Context, account Account, since time.Time) ([]RawMessage, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	client, err := imapclient.DialTLS(addr, &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: account.IMAPHost},
	})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Login(account.Username, account.Password).Wait(); err != nil {
		return nil, fmt.Errorf("imap login %s: %w", account.Address, err)
	}
	defer client.Logout()

	var out []RawMessage
	for _, folder := range f.folders(client) {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		msgs, err := f.fetchFolder(client, folder, since)
		if err != nil {
			f.logger.Warn("folder scan failed",
				slog.String("account", account.Address),
				slog.String("folder", folder.name),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// folders returns the inbox plus the account's Sent folder. Detection goes
// by the \Sent attribute first, then by common folder names.
func (f *Fetcher) folders(client *imapclient.Client) []scanFolder {
	folders := []scanFolder{{name: "INBOX"}}

	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		f.logger.Warn("list folders failed", slog.Any("error", err))
		return append(folders, scanFolder{name: "[Gmail]/Sent Mail", sent: true})
	}

	sent := ""
	for _, mbox := range mailboxes {
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrSent {
				sent = mbox.Mailbox
			}
		}
	}
	if sent == "" {
		for _, mbox := range mailboxes {
			name := mbox.Mailbox
			if strings.Contains(name, "Sent") && !strings.Contains(name, "Trash") {
				if strings.Contains(name, "Gmail") || name == "Sent" {
					sent = name
				}
			}
		}
	}
	if sent == "" {
		sent = "[Gmail]/Sent Mail"
	}
	return append(folders, scanFolder{name: sent, sent: true})
}

func (f *Fetcher) fetchFolder(client *imapclient.Client, folder scanFolder, since time.Time) ([]RawMessage, error) {
	if _, err := client.Select(folder.name, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder.name, err)
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder.name, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	var uidSet imap.UIDSet
	uidSet.AddNum(uids...)
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})
	defer fetchCmd.Close()

	var out []RawMessage
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			continue
		}
		var raw []byte
		if len(buf.BodySection) > 0 {
			raw = buf.BodySection[0].Bytes
		}
		if len(raw) == 0 {
			continue
		}
		out = append(out, RawMessage{
			Folder:   folder.name,
			FromSent: folder.sent,
			UID:      buf.UID,
			Raw:      raw,
		})
	}
	return out, nil
}
