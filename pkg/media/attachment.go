package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/beacon/pkg/bus"
)

// httpClient is the shared client for fetching URL-backed attachments,
// mirroring the short, bounded timeout the rest of the gateway applies to
// outbound HTTP calls.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// AttachmentProcessor turns one normalized inbound attachment into
// describable text for the augmented user message, per spec.md §4.11 step
// 9: images get a vision description, audio gets a transcription. Neither
// backend is wired here (vision/transcription are themselves provider
// calls the gateway has no single canonical implementation for in this
// retrieval pack); describe renders a best-effort placeholder so the
// pipeline's text-augmentation contract holds even with no configured
// multimodal backend, matching ProcessFile's own placeholder convention
// for unsupported binary content below.
type AttachmentProcessor interface {
	Describe(ctx context.Context, a bus.Attachment) (string, error)
}

// DefaultAttachmentProcessor adapts bus.Attachment (URL- or Data-backed,
// the shape every channel adapter actually produces) onto ProcessFile's
// byte-oriented classification logic, fetching URL attachments first.
type DefaultAttachmentProcessor struct{}

// NewDefaultAttachmentProcessor builds the default, backend-free processor.
func NewDefaultAttachmentProcessor() *DefaultAttachmentProcessor { return &DefaultAttachmentProcessor{} }

// Describe resolves a into bytes (fetching a.URL if Data is empty) and
// renders the same kind of bracketed placeholder ProcessFile emits for
// content it cannot speak for itself, since this gateway does not bundle a
// vision/transcription backend out of the box.
func (p *DefaultAttachmentProcessor) Describe(ctx context.Context, a bus.Attachment) (string, error) {
	data := a.Data
	if len(data) == 0 && a.URL != "" {
		fetched, err := fetchURL(ctx, a.URL)
		if err != nil {
			return "", fmt.Errorf("fetching attachment: %w", err)
		}
		data = fetched
	}

	switch a.Kind {
	case "image":
		return fmt.Sprintf("[Image attachment: %s, %d bytes — vision description unavailable]", mimeOrUnknown(a.MimeType), len(data)), nil
	case "audio":
		return fmt.Sprintf("[Audio attachment: %s, %d bytes — transcription unavailable]", mimeOrUnknown(a.MimeType), len(data)), nil
	default:
		// Classify by the same extension/content-sniff rules ProcessFile
		// applies to local disk attachments, so a "file" attachment's name
		// (e.g. "notes.md" vs "archive.bin") gets the same treatment
		// whether it arrived over a channel or was read off disk.
		part := ClassifyBytes(attachmentFileName(a), "", data)
		if part.Type == "text" {
			return part.Text, nil
		}
		return fmt.Sprintf("[File attachment: %s, %d bytes]", mimeOrUnknown(a.MimeType), len(data)), nil
	}
}

func attachmentFileName(a bus.Attachment) string {
	if a.URL != "" {
		if idx := strings.LastIndex(a.URL, "/"); idx >= 0 && idx+1 < len(a.URL) {
			return a.URL[idx+1:]
		}
	}
	return "attachment"
}

func mimeOrUnknown(m string) string {
	if m == "" {
		return "unknown type"
	}
	return m
}

func fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
}
