package classification

import (
	"strings"

	"triage_server/core/domain"
)

// =============================================================================
// Heuristic signal extraction
// =============================================================================

var (
	noReplyPatterns = []string{
		"noreply@", "no-reply@", "donotreply@", "do-not-reply@",
		"mailer-daemon@", "postmaster@", "notifications@", "alert@",
	}

	newsletterMarkers = []string{
		"unsubscribe", "view in browser", "view this email in your browser",
		"manage your preferences", "newsletter",
	}

	recurringMarkers = []string{
		"weekly", "monthly", "daily digest", "digest", "recurring", "every week", "quarterly",
	}

	urgentKeywords = []string{
		"urgent", "asap", "immediately", "critical", "emergency", "action required",
		"time sensitive", "as soon as possible", "outage", "down",
	}

	replyRequests = []string{
		"please reply", "please respond", "let me know", "can you", "could you",
		"would you", "please confirm", "your thoughts", "get back to me", "awaiting your",
	}

	waitingMarkers = []string{
		"i'll get back to you", "i will get back to you", "will follow up", "looking into it",
		"will send it", "will update you", "working on it", "i'll check",
	}

	angryWords    = []string{"unacceptable", "furious", "outraged", "ridiculous", "worst", "fed up"}
	negativeWords = []string{"problem", "issue", "complaint", "disappointed", "failed", "broken", "concern"}
	positiveWords = []string{"thank you", "thanks", "great", "appreciate", "congratulations", "well done"}

	// Deadline phrases with their proximity value, nearest first.
	deadlinePhrases = []struct {
		phrase string
		value  float64
	}{
		{"today", 1.0}, {"tonight", 1.0}, {"end of day", 1.0}, {"eod", 1.0},
		{"tomorrow", 0.7},
		{"this week", 0.4}, {"end of week", 0.4}, {"by friday", 0.4}, {"eow", 0.4},
		{"deadline", 0.3}, {"due", 0.3},
	}
)

// emailSignals are the rule-free observations about one email.
type emailSignals struct {
	sentiment       domain.Sentiment
	needsReply      bool
	waitingOnOthers bool
	isRecurring     bool
	isNewsletter    bool
	isAutomated     bool
	urgentHits      []string
	factors         domain.FactorSignals
}

func analyzeEmail(ec *domain.EmailContext, vip *domain.VIPStatus) emailSignals {
	email := &ec.Email
	from := email.SenderAddress()
	subject := strings.ToLower(email.Subject)
	body := strings.ToLower(email.Body)
	text := subject + "\n" + body

	s := emailSignals{
		isAutomated:  containsAny(from, noReplyPatterns),
		isNewsletter: containsAny(body, newsletterMarkers),
		isRecurring:  containsAny(subject, recurringMarkers),
		urgentHits:   matchAll(text, urgentKeywords),
	}
	s.sentiment = detectSentiment(text, len(s.urgentHits) > 0)

	asks := strings.Contains(text, "?") || containsAny(text, replyRequests)
	s.needsReply = asks && !s.isAutomated && !s.isNewsletter
	s.waitingOnOthers = containsAny(body, waitingMarkers)

	s.factors = domain.FactorSignals{
		domain.FactorSenderImportance:   senderImportance(email, s, vip),
		domain.FactorKeywordUrgency:     clamp01(0.4 * float64(len(s.urgentHits))),
		domain.FactorDeadlineProximity:  deadlineProximity(text),
		domain.FactorVIPStatus:          0,
		domain.FactorHistoricalResponse: 0.3,
		domain.FactorSentimentUrgency:   sentimentUrgency(s.sentiment),
		domain.FactorContextualClues:    contextualClues(ec, asks),
	}
	if vip != nil {
		s.factors[domain.FactorVIPStatus] = vip.Tier.Signal()
	}
	if ec.SenderReplyRate != nil {
		s.factors[domain.FactorHistoricalResponse] = clamp01(*ec.SenderReplyRate)
	}
	return s
}

func detectSentiment(text string, urgent bool) domain.Sentiment {
	switch {
	case containsAny(text, angryWords):
		return domain.SentimentAngry
	case urgent:
		return domain.SentimentUrgent
	case containsAny(text, negativeWords):
		return domain.SentimentNegative
	case containsAny(text, positiveWords):
		return domain.SentimentPositive
	default:
		return domain.SentimentNeutral
	}
}

func sentimentUrgency(s domain.Sentiment) float64 {
	switch s {
	case domain.SentimentAngry:
		return 1.0
	case domain.SentimentUrgent:
		return 0.9
	case domain.SentimentNegative:
		return 0.6
	case domain.SentimentPositive:
		return 0.1
	default:
		return 0.2
	}
}

func senderImportance(email *domain.Email, s emailSignals, vip *domain.VIPStatus) float64 {
	switch {
	case vip != nil:
		return 1.0
	case s.isAutomated:
		return 0.05
	case s.isNewsletter:
		return 0.1
	}
	senderDomain := email.SenderDomain()
	for _, to := range email.To {
		addr := domain.NormalizeAddress(to)
		if senderDomain != "" && strings.HasSuffix(addr, "@"+senderDomain) {
			return 0.7
		}
	}
	return 0.5
}

func deadlineProximity(text string) float64 {
	for _, d := range deadlinePhrases {
		if containsWord(text, d.phrase) {
			return d.value
		}
	}
	return 0
}

func contextualClues(ec *domain.EmailContext, asks bool) float64 {
	var v float64
	if asks {
		v += 0.5
	}
	if ec.Email.HasAttachments {
		v += 0.1
	}
	if len(ec.Email.To) == 1 {
		v += 0.2
	}
	if ec.ThreadLength > 3 {
		v += 0.2
	}
	return clamp01(v)
}

// heuristicPriority maps an importance score to a priority when nothing else decided.
func heuristicPriority(importance float64) domain.Priority {
	switch {
	case importance >= 75:
		return domain.PriorityCritical
	case importance >= 55:
		return domain.PriorityHigh
	case importance >= 30:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func heuristicCategory(s emailSignals) string {
	switch {
	case s.isNewsletter:
		return domain.CategoryNewsletter
	case s.isAutomated:
		return domain.CategoryNotification
	default:
		return domain.CategoryOther
	}
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func matchAll(text string, needles []string) []string {
	var hits []string
	for _, n := range needles {
		if containsWord(text, n) {
			hits = append(hits, n)
		}
	}
	return hits
}

// containsWord matches phrase only on word boundaries, so "due" does not hit "subdued".
func containsWord(text, phrase string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(phrase)
		if (idx == 0 || !isWordByte(text[idx-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
