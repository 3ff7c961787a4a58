// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"
	"triage_server/pkg/resilience"
)

const (
	gmailUser      = "me"
	maxListPage    = 500
	fetchWorkers   = 8
	requestTimeout = 30 * time.Second
)

// GmailConfig holds the OAuth client and the offline refresh token of the
// mailbox being triaged.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c GmailConfig) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return apperr.Configuration("gmail client id, secret and refresh token are required")
	}
	return nil
}

// GmailMailbox reads messages and applies labels through the Gmail API.
type GmailMailbox struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger

	mu     sync.Mutex
	labels map[string]string // name -> id
}

// NewGmailMailbox builds the Gmail client. Extra client options replace the
// OAuth token source, which is how tests point it at a local server.
func NewGmailMailbox(ctx context.Context, cfg GmailConfig, log zerolog.Logger, extra ...option.ClientOption) (*GmailMailbox, error) {
	opts := extra
	if len(opts) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailModifyScope, gmail.GmailLabelsScope},
		}
		ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Configuration("gmail client").WithError(err)
	}

	log = log.With().Str("component", "gmail").Logger()
	return &GmailMailbox{
		svc:    svc,
		cb:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("gmail-api"), log),
		log:    log,
		labels: make(map[string]string),
	}, nil
}

// Fetch returns up to limit messages matching a Gmail search query, oldest first.
func (g *GmailMailbox) Fetch(ctx context.Context, query string, limit int) ([]domain.Email, error) {
	if limit <= 0 {
		return nil, apperr.InvalidInput("limit", "must be positive")
	}

	ids, err := g.listIDs(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	emails := make([]domain.Email, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchWorkers)
	for i, id := range ids {
		eg.Go(func() error {
			var msg *gmail.Message
			err := g.call(egCtx, "get message", func(ctx context.Context) error {
				var err error
				msg, err = g.svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
				return err
			})
			if err != nil {
				return err
			}
			emails[i] = convertMessage(msg)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].Date.Before(emails[j].Date)
	})
	g.log.Debug().Str("query", query).Int("count", len(emails)).Msg("fetched messages")
	return emails, nil
}

func (g *GmailMailbox) listIDs(ctx context.Context, query string, limit int) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	for len(ids) < limit {
		page := int64(min(limit-len(ids), maxListPage))
		var resp *gmail.ListMessagesResponse
		err := g.call(ctx, "list messages", func(ctx context.Context) error {
			req := g.svc.Users.Messages.List(gmailUser).Q(query).MaxResults(page)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ApplyLabel adds a user label to a message, creating the label on first use.
func (g *GmailMailbox) ApplyLabel(ctx context.Context, emailID, label string) error {
	labelID, err := g.labelID(ctx, label)
	if err != nil {
		return err
	}
	return g.call(ctx, "modify labels", func(ctx context.Context) error {
		_, err := g.svc.Users.Messages.Modify(gmailUser, emailID, &gmail.ModifyMessageRequest{
			AddLabelIds: []string{labelID},
		}).Context(ctx).Do()
		return err
	})
}

func (g *GmailMailbox) labelID(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.labels[name]; ok {
		return id, nil
	}

	var list *gmail.ListLabelsResponse
	err := g.call(ctx, "list labels", func(ctx context.Context) error {
		var err error
		list, err = g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	for _, l := range list.Labels {
		g.labels[l.Name] = l.Id
	}
	if id, ok := g.labels[name]; ok {
		return id, nil
	}

	var created *gmail.Label
	err = g.call(ctx, "create label", func(ctx context.Context) error {
		var err error
		created, err = g.svc.Users.Labels.Create(gmailUser, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	g.labels[name] = created.Id
	g.log.Info().Str("label", name).Msg("created gmail label")
	return created.Id, nil
}

// call runs one API request under a timeout and the circuit breaker.
func (g *GmailMailbox) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		if err := fn(ctx); err != nil {
			return nil, wrapGmailError(operation, err)
		}
		return nil, nil
	})
	if err != nil && resilience.IsOpen(err) {
		return apperr.API("gmail", err).WithDetail("operation", operation)
	}
	return err
}

func wrapGmailError(operation string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429,
			apiErr.Code == 403 && strings.Contains(strings.ToLower(apiErr.Message), "rate limit"):
			return apperr.Quota("gmail", err).WithDetail("operation", operation)
		case apiErr.Code == 401 || apiErr.Code == 403:
			return apperr.Permission("gmail", err).WithDetail("operation", operation)
		case apiErr.Code == 404:
			return apperr.NotFound("gmail message").WithError(err)
		}
	}
	return apperr.API("gmail", fmt.Errorf("%s: %w", operation, err))
}

func convertMessage(msg *gmail.Message) domain.Email {
	e := domain.Email{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Labels:   msg.LabelIds,
		Date:     time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		e.Body = msg.Snippet
		return e
	}

	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			e.Subject = h.Value
		case "From":
			e.From = h.Value
		case "To":
			e.To = parseAddressList(h.Value)
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				e.Date = t.UTC()
			}
		}
	}

	var text, html string
	walkParts(msg.Payload, &text, &html, &e.HasAttachments)
	switch {
	case text != "":
		e.Body = text
	case html != "":
		e.Body = stripTags(html)
	default:
		e.Body = msg.Snippet
	}
	return e
}

func walkParts(part *gmail.MessagePart, text, html *string, attachments *bool) {
	if part == nil {
		return
	}
	if part.Filename != "" {
		*attachments = true
	}
	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		switch part.MimeType {
		case "text/plain":
			if *text == "" {
				*text = decodeBody(part.Body.Data)
			}
		case "text/html":
			if *html == "" {
				*html = decodeBody(part.Body.Data)
			}
		}
	}
	for _, p := range part.Parts {
		walkParts(p, text, html, attachments)
	}
}

func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	return ""
}

func parseAddressList(s string) []string {
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if a := domain.NormalizeAddress(part); a != "" {
				out = append(out, a)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// stripTags is a crude HTML-to-text pass for messages without a plain part.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
