// Package ingest turns RFC 5322 messages (.eml files) into mailbox records.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
)

// Extra keys written on imported mails.
const (
	KeyMessageID   = "message_id"
	KeyAttachments = "attachments"
	KeySourceFile  = "source_file"
)

// ParseMessage reads one message. The plain text part is preferred; an HTML
// only message is converted to text.
func ParseMessage(r io.Reader, now func() time.Time) (model.Mail, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return model.Mail{}, errs.Validation("parse message: %v", err)
	}

	m := model.Mail{
		Sender:      senderOf(env),
		Subject:     strings.TrimSpace(env.GetHeader("Subject")),
		Body:        strings.TrimSpace(env.Text),
		ActionItems: []model.ActionItem{},
		Extra:       map[string]json.RawMessage{},
	}
	if m.Body == "" && env.HTML != "" {
		text, err := html2text.FromString(env.HTML, html2text.Options{OmitLinks: true})
		if err != nil {
			return model.Mail{}, errs.Validation("convert html body: %v", err)
		}
		m.Body = text
	}

	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		m.Timestamp = date.Format(time.RFC3339)
	} else {
		m.Timestamp = now().Format(time.RFC3339)
	}

	if id := strings.Trim(strings.TrimSpace(env.GetHeader("Message-Id")), "<>"); id != "" {
		m.Extra[KeyMessageID] = rawJSON(id)
	}
	var names []string
	for _, att := range env.Attachments {
		if att.FileName != "" {
			names = append(names, att.FileName)
		}
	}
	if len(names) > 0 {
		m.Extra[KeyAttachments] = rawJSON(names)
	}
	return m, nil
}

// senderOf returns the bare address of the first From entry, falling back to
// the raw header.
func senderOf(env *enmime.Envelope) string {
	if list, err := env.AddressList("From"); err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(env.GetHeader("From"))
}

// MailStore is the mailbox access the importer needs.
type MailStore interface {
	ReadAll(ctx context.Context) (*model.Mailbox, error)
	AddMail(ctx context.Context, m model.Mail) (int, error)
}

// Importer adds .eml files to the mailbox, skipping messages whose
// Message-Id is already stored.
type Importer struct {
	store  MailStore
	now    func() time.Time
	logger *zap.Logger
}

func NewImporter(store MailStore, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: store, now: time.Now, logger: logger}
}

// Result describes one imported file.
type Result struct {
	Path      string
	ID        int
	Duplicate bool
}

// ImportPath imports a single file, or every *.eml file directly inside a
// directory in name order.
func (im *Importer) ImportPath(ctx context.Context, path string) ([]Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.eml"))
		if err != nil {
			return nil, err
		}
		slices.Sort(files)
	}

	known, err := im.knownMessageIDs(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, f := range files {
		res, err := im.importFile(ctx, f, known)
		if err != nil {
			return results, fmt.Errorf("import %s: %w", filepath.Base(f), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (im *Importer) importFile(ctx context.Context, path string, known map[string]bool) (Result, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer fh.Close()

	m, err := ParseMessage(fh, im.now)
	if err != nil {
		return Result{}, err
	}
	msgID := m.ExtraString(KeyMessageID)
	if msgID != "" && known[msgID] {
		im.logger.Info("Message already imported", zap.String("message_id", msgID), zap.String("file", path))
		return Result{Path: path, Duplicate: true}, nil
	}
	m.Extra[KeySourceFile] = rawJSON(filepath.Base(path))

	id, err := im.store.AddMail(ctx, m)
	if err != nil {
		return Result{}, err
	}
	if msgID != "" {
		known[msgID] = true
	}
	im.logger.Info("Message imported",
		zap.Int("mail_id", id),
		zap.String("file", path),
		zap.String("subject", m.Subject),
	)
	return Result{Path: path, ID: id}, nil
}

func (im *Importer) knownMessageIDs(ctx context.Context) (map[string]bool, error) {
	box, err := im.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	for i := range box.Emails {
		if id := box.Emails[i].ExtraString(KeyMessageID); id != "" {
			known[id] = true
		}
	}
	return known, nil
}

func rawJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
