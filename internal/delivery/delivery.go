// Package delivery hands a rendered sheet to its destination: a print spool,
// an email recipient list or an S3 bucket.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/config"
)

// Modes.
const (
	ModePrint = "print"
	ModeEmail = "email"
	ModeS3    = "s3"
)

var (
	// ErrUnsupportedMode is returned for a mode that is unknown or lacks the
	// configuration it needs. Retrying cannot fix it.
	ErrUnsupportedMode = errors.New("delivery: unsupported mode")
)

// Uploader stores a document under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Transport dispatches documents by mode.
type Transport struct {
	defaultMode string
	printer     *Printer
	mailer      *Mailer
	uploader    Uploader
	s3Prefix    string
	log         logrus.FieldLogger
}

// Option customises a Transport.
type Option func(*Transport)

// WithUploader enables the s3 mode.
func WithUploader(u Uploader, prefix string) Option {
	return func(t *Transport) {
		t.uploader = u
		t.s3Prefix = prefix
	}
}

// WithMailer enables the email mode.
func WithMailer(m *Mailer) Option {
	return func(t *Transport) { t.mailer = m }
}

// New builds a Transport. The print mode is always available.
func New(cfg config.DeliveryConfig, log logrus.FieldLogger, opts ...Option) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Transport{
		defaultMode: cfg.Mode,
		printer:     NewPrinter(cfg.SpoolDir, cfg.PrintCommand),
		log:         log.WithField("component", "delivery"),
	}
	if cfg.SMTP.Addr != "" && len(cfg.SMTP.To) > 0 {
		t.mailer = NewMailer(cfg.SMTP)
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Deliver sends the document at path using mode, or the configured default
// mode when mode is empty.
func (t *Transport) Deliver(ctx context.Context, path, mode string) error {
	if mode == "" {
		mode = t.defaultMode
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	log := t.log.WithFields(logrus.Fields{"mode": mode, "path": path})

	switch strings.ToLower(mode) {
	case ModePrint:
		spooled, err := t.printer.Print(ctx, path)
		if err != nil {
			return err
		}
		log.WithField("spooled", spooled).Info("document spooled for printing")
		return nil
	case ModeEmail:
		if t.mailer == nil {
			return fmt.Errorf("%w: email requires smtp.addr and smtp.to", ErrUnsupportedMode)
		}
		if err := t.mailer.Send(ctx, path); err != nil {
			return err
		}
		log.Info("document emailed")
		return nil
	case ModeS3:
		if t.uploader == nil {
			return fmt.Errorf("%w: s3 requires s3.bucket", ErrUnsupportedMode)
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		loc, err := t.uploader.Upload(ctx, objectKey(t.s3Prefix, path), body, "image/png")
		if err != nil {
			return err
		}
		log.WithField("location", loc).Info("document uploaded")
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
}
