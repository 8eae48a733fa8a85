package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	me          = "me"
	maxPageSize = 500
)

// Gmail implements Source over the Gmail API
type Gmail struct {
	service *gmail.Service
}

// NewGmail creates a Gmail source. The client must carry a token with the
// gmail.readonly scope; extra options are passed to the API client.
func NewGmail(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*Gmail, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &Gmail{service: svc}, nil
}

// List searches the mailbox, e.g. with "subject:reimbursement newer_than:7d"
func (g *Gmail) List(ctx context.Context, query string, max int64) ([]Summary, error) {
	if max <= 0 {
		max = 10
	}

	var ids []string
	pageToken := ""
	for int64(len(ids)) < max {
		call := g.service.Users.Messages.List(me).Q(query).MaxResults(min(max-int64(len(ids)), maxPageSize)).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		msg, err := g.service.Users.Messages.Get(me, id).
			Format("metadata").
			MetadataHeaders("Subject", "From", "Date").
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("getting message %s: %w", id, err)
		}
		summaries = append(summaries, summarize(msg))
	}
	return summaries, nil
}

// Fetch loads a message and downloads its attachments
func (g *Gmail) Fetch(ctx context.Context, id string) (*Message, error) {
	msg, err := g.service.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	out := &Message{
		Summary:    summarize(msg),
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}

	var body strings.Builder
	for _, part := range flatten(msg.Payload) {
		if part.Body == nil {
			continue
		}

		if part.Filename == "" {
			if part.MimeType == "text/plain" && part.Body.Data != "" {
				text, err := decodeBase64URL(part.Body.Data)
				if err != nil {
					return nil, fmt.Errorf("decoding body of message %s: %w", id, err)
				}
				body.Write(text)
			}
			continue
		}

		encoded := part.Body.Data
		if encoded == "" && part.Body.AttachmentId != "" {
			att, err := g.service.Users.Messages.Attachments.Get(me, id, part.Body.AttachmentId).Context(ctx).Do()
			if err != nil {
				return nil, fmt.Errorf("getting attachment %s of message %s: %w", part.Filename, id, err)
			}
			encoded = att.Data
		}
		data, err := decodeBase64URL(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding attachment %s of message %s: %w", part.Filename, id, err)
		}
		out.Attachments = append(out.Attachments, Attachment{
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Data:        data,
		})
	}
	out.Body = body.String()
	return out, nil
}

func summarize(msg *gmail.Message) Summary {
	s := Summary{ID: msg.Id, Snippet: msg.Snippet}
	if msg.Payload == nil {
		return s
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			s.Subject = h.Value
		case "from":
			s.From = h.Value
		case "date":
			s.Date = h.Value
		}
	}
	return s
}

// flatten walks a MIME tree depth first
func flatten(part *gmail.MessagePart) []*gmail.MessagePart {
	if part == nil {
		return nil
	}
	out := []*gmail.MessagePart{part}
	for _, child := range part.Parts {
		out = append(out, flatten(child)...)
	}
	return out
}

// decodeBase64URL accepts the padded and unpadded forms Gmail returns
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
