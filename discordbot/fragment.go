package discordbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	_ "golang.org/x/image/webp" // register decoder
)

const (
	headerSenderID   = "Sender ID: "
	headerSenderName = "Sender Name: "
	headerMessage    = "Message: "
	headerTimestamp  = "Timestamp: "
)

var (
	ErrNotImage      = errors.New("attachment is not an image")
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// Image is a decoded image attachment, held in memory for the
// duration of a single request.
type Image struct {
	MIMEType string
	Data     []byte
	Width    int
	Height   int
	Filename string
}

// ContextFragment is the normalized form of one message, as it is
// presented to the model. Fragments are not modified after creation.
type ContextFragment struct {
	SenderID   string
	SenderName string

	// Timestamp is zero unless timestamps are enabled
	Timestamp time.Time
	Content   string
	Images    []Image
}

// Text renders the fragment header:
//
//	Timestamp: 2024-01-02T15:04:05Z   (only when set)
//	Sender ID: 1234
//	Sender Name: someone
//	Message: hello
func (f ContextFragment) Text() string {
	var b strings.Builder
	if !f.Timestamp.IsZero() {
		b.WriteString(headerTimestamp)
		b.WriteString(f.Timestamp.UTC().Format(time.RFC3339))
		b.WriteByte('\n')
	}
	b.WriteString(headerSenderID)
	b.WriteString(f.SenderID)
	b.WriteByte('\n')
	b.WriteString(headerSenderName)
	b.WriteString(f.SenderName)
	b.WriteByte('\n')
	b.WriteString(headerMessage)
	b.WriteString(f.Content)
	return b.String()
}

func (f ContextFragment) HasImages() bool {
	return len(f.Images) > 0
}

// ContextFormatter turns discord messages into ContextFragments,
// downloading image attachments as it goes.
type ContextFormatter struct {
	httpClient        *http.Client
	logger            *slog.Logger
	includeTimestamps bool
	maxImageBytes     int64
	fetchTimeout      time.Duration
}

func NewContextFormatter(
	cfg *HistoryConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *ContextFormatter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &ContextFormatter{
		httpClient:    httpClient,
		logger:        logger,
		maxImageBytes: DefaultMaxImageBytes,
		fetchTimeout:  DefaultImageFetchTimeout,
	}
	if cfg != nil {
		f.includeTimestamps = cfg.IncludeTimestamps
		if cfg.MaxImageBytes > 0 {
			f.maxImageBytes = cfg.MaxImageBytes
		}
		if cfg.ImageFetchTimeout > 0 {
			f.fetchTimeout = cfg.ImageFetchTimeout
		}
	}
	return f
}

// Format builds a fragment for m. Image attachments that fail to download
// or decode are logged and left out; Format itself never fails.
func (f *ContextFormatter) Format(
	ctx context.Context,
	m *discordgo.Message,
) ContextFragment {
	frag := ContextFragment{
		SenderName: messageDisplayName(m),
		Content:    m.Content,
	}
	if m.Author != nil {
		frag.SenderID = m.Author.ID
	}
	if f.includeTimestamps {
		frag.Timestamp = m.Timestamp
	}

	for _, att := range m.Attachments {
		if att == nil || !isImageContentType(att.ContentType) {
			continue
		}
		img, err := f.fetchImage(ctx, att)
		if err != nil {
			f.logger.WarnContext(
				ctx,
				"skipping image attachment",
				"message_id", m.ID,
				"attachment_id", att.ID,
				"filename", att.Filename,
				tint.Err(err),
			)
			continue
		}
		frag.Images = append(frag.Images, img)
	}
	return frag
}

// FormatText builds an attachment-free fragment, for input that doesn't
// arrive as a message (slash command options).
func (f *ContextFormatter) FormatText(
	senderID, senderName, content string,
	ts time.Time,
) ContextFragment {
	frag := ContextFragment{
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
	}
	if f.includeTimestamps {
		frag.Timestamp = ts
	}
	return frag
}

func (f *ContextFormatter) fetchImage(
	ctx context.Context,
	att *discordgo.MessageAttachment,
) (Image, error) {
	if f.maxImageBytes > 0 && int64(att.Size) > f.maxImageBytes {
		return Image{}, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, att.Size)
	}

	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return Image{}, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("unexpected status fetching image: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if f.maxImageBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxImageBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Image{}, err
	}
	if f.maxImageBytes > 0 && int64(len(data)) > f.maxImageBytes {
		return Image{}, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, f.maxImageBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrNotImage, err)
	}
	return Image{
		MIMEType: "image/" + format,
		Data:     data,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Filename: att.Filename,
	}, nil
}

func isImageContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// messageDisplayName returns the name shown for a message's author:
// guild nickname, then global name, then username.
func messageDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return userDisplayName(m.Author)
}

func userDisplayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func memberDisplayName(member *discordgo.Member) string {
	if member == nil {
		return ""
	}
	if member.Nick != "" {
		return member.Nick
	}
	return userDisplayName(member.User)
}
