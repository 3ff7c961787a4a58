package domain

import (
	"strings"
	"time"
)

// Email is one record returned by the mailbox reader.
type Email struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Date           time.Time `json:"date"`
	Body           string    `json:"body"`
	Labels         []string  `json:"labels"`
	HasAttachments bool      `json:"has_attachments"`
}

// SenderAddress returns the lower-cased bare address from a From header such as
// "Jane Doe <Jane@Example.com>".
func (e *Email) SenderAddress() string {
	return NormalizeAddress(e.From)
}

// SenderDomain returns the domain part of the sender address.
func (e *Email) SenderDomain() string {
	addr := e.SenderAddress()
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return ""
}

// Snippet returns at most n bytes of the body, trimmed.
func (e *Email) Snippet(n int) string {
	body := strings.TrimSpace(e.Body)
	if len(body) <= n {
		return body
	}
	return body[:n]
}

// EmailContext is everything the classifier sees about one message.
type EmailContext struct {
	Email        Email          `json:"email"`
	UserTimezone *time.Location `json:"-"`
	// SenderReplyRate is the share of this sender's past mail the user replied to, if known.
	SenderReplyRate *float64 `json:"sender_reply_rate,omitempty"`
	ThreadLength    int      `json:"thread_length"`
}

// NormalizeAddress extracts the address inside angle brackets (if any) and lower-cases it.
func NormalizeAddress(raw string) string {
	s := strings.TrimSpace(raw)
	if open := strings.LastIndex(s, "<"); open >= 0 {
		if end := strings.Index(s[open:], ">"); end > 0 {
			s = s[open+1 : open+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}
