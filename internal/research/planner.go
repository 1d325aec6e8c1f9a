package research

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/llm"
	"github.com/quild-ai/quild/server/internal/search"
)

const (
	MaxQueryChars   = 300
	MaxQueries      = 6
	planMaxTokens   = 400
	rewriteMaxToken = 60
)

// Urgency is how fresh the user expects the answer to be.
type Urgency int

const (
	UrgencyNone Urgency = iota
	UrgencyHour
	UrgencyDay
	UrgencyWeek
)

func (u Urgency) String() string {
	switch u {
	case UrgencyHour:
		return "hour"
	case UrgencyDay:
		return "day"
	case UrgencyWeek:
		return "week"
	default:
		return "none"
	}
}

// Recency is the engine time filter for the urgency. Hour-level urgency maps
// to a day filter since narrower windows tend to come back empty.
func (u Urgency) Recency() string {
	switch u {
	case UrgencyHour, UrgencyDay:
		return "qdr:d"
	case UrgencyWeek:
		return "qdr:w"
	default:
		return ""
	}
}

type PlannedQuery struct {
	Query  string `json:"query"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (q PlannedQuery) Kind() search.Kind {
	if strings.EqualFold(strings.TrimSpace(q.Type), string(search.KindNews)) {
		return search.KindNews
	}
	return search.KindWeb
}

type Plan struct {
	Queries []PlannedQuery
	News    bool
	Urgency Urgency
}

// Completer is the non-streaming half of llm.Provider.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

const planPrompt = `You plan web searches for an assistant. Given the user's message, reply with ONLY a JSON array of 3 to 6 objects of the form {"query": "...", "type": "web" | "news", "reason": "..."}.
Each query must be short and specific, written the way a person would type it into a search engine. Use "news" only for current events. Do not add commentary or code fences.`

const rewritePrompt = `Rewrite the user's message as one concise web search query. Reply with the query text only, no quotes and no explanation.`

var (
	newsPattern = regexp.MustCompile(`(?i)\b(news|latest|breaking|trending|headlines?|happening|live updates?)\b`)
	hourPattern = regexp.MustCompile(`(?i)\b(right now|breaking|live|this hour|past hour|last hour|minutes? ago|just now)\b`)
	dayPattern  = regexp.MustCompile(`(?i)\b(today|today's|tonight|latest|yesterday|this morning|this evening|24 hours)\b`)
	weekPattern = regexp.MustCompile(`(?i)\b(this week|past week|last week|recent|recently|trending|past few days|7 days|headlines?)\b`)
	yearPattern = regexp.MustCompile(`\b\d{4}\b`)
	fillerWords = regexp.MustCompile(`(?i)\b(latest|today's|todays|today|tonight|breaking|current|currently|recent|recently|right now|now|newest)\b`)
	spaces      = regexp.MustCompile(`\s+`)
)

type Planner struct {
	completer Completer
	now       func() time.Time
	logger    *zap.Logger
}

func NewPlanner(completer Completer, now func() time.Time, logger *zap.Logger) *Planner {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{completer: completer, now: now, logger: logger}
}

// Plan never fails: when the model cannot produce usable queries the message
// itself becomes the only query.
func (p *Planner) Plan(ctx context.Context, message string) Plan {
	message = strings.TrimSpace(message)
	plan := Plan{
		News:    newsPattern.MatchString(message),
		Urgency: DetectUrgency(message),
	}
	if plan.News && plan.Urgency == UrgencyNone {
		plan.Urgency = UrgencyWeek
	}

	queries := p.planQueries(ctx, message)
	if len(queries) == 0 {
		if rewritten := p.rewriteQuery(ctx, message); rewritten != "" {
			queries = []PlannedQuery{{Query: rewritten, Reason: "rewritten message"}}
		}
	}
	if len(queries) == 0 {
		queries = []PlannedQuery{{Query: truncateRunes(message, MaxQueryChars), Reason: "raw message"}}
	}

	seen := map[string]bool{}
	for _, query := range queries {
		if plan.News {
			query.Type = string(search.KindNews)
		}
		query.Query = p.NormalizeQuery(query.Query, query.Kind() == search.KindNews, plan.Urgency)
		key := strings.ToLower(query.Query)
		if query.Query == "" || seen[key] {
			continue
		}
		seen[key] = true
		plan.Queries = append(plan.Queries, query)
		if len(plan.Queries) == MaxQueries {
			break
		}
	}
	return plan
}

func (p *Planner) planQueries(ctx context.Context, message string) []PlannedQuery {
	if p.completer == nil || message == "" {
		return nil
	}
	raw, err := p.completer.Complete(ctx, llm.Request{
		System:    planPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: message}},
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		p.logger.Warn("search planning failed", zap.Error(err))
		return nil
	}
	queries, err := ParsePlan(raw)
	if err != nil {
		p.logger.Debug("search plan was not valid JSON", zap.Error(err))
		return nil
	}
	return queries
}

func (p *Planner) rewriteQuery(ctx context.Context, message string) string {
	if p.completer == nil || message == "" || ctx.Err() != nil {
		return ""
	}
	raw, err := p.completer.Complete(ctx, llm.Request{
		System:    rewritePrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: message}},
		MaxTokens: rewriteMaxToken,
	})
	if err != nil {
		p.logger.Warn("search query rewrite failed", zap.Error(err))
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	return strings.Trim(strings.TrimSpace(line), "\"'`")
}

// ParsePlan extracts the JSON array from a model reply, tolerating code
// fences and surrounding prose. Entries with an empty query are dropped.
func ParsePlan(raw string) ([]PlannedQuery, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, errNoPlanArray
	}
	var parsed []PlannedQuery
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, err
	}
	queries := parsed[:0]
	for _, query := range parsed {
		query.Query = strings.TrimSpace(query.Query)
		if query.Query == "" {
			continue
		}
		queries = append(queries, query)
	}
	return queries, nil
}

// NormalizeQuery strips temporal filler, anchors news queries to the current
// period and enforces MaxQueryChars.
func (p *Planner) NormalizeQuery(query string, news bool, urgency Urgency) string {
	query = collapseSpaces(query)
	stripped := collapseSpaces(fillerWords.ReplaceAllString(query, " "))
	if stripped != "" {
		query = stripped
	}
	query = truncateRunes(query, MaxQueryChars)
	if !news || yearPattern.MatchString(query) {
		return query
	}
	anchor := p.anchor(urgency)
	base := truncateRunes(query, MaxQueryChars-utf8.RuneCountInString(anchor)-1)
	if base == "" {
		return anchor
	}
	return base + " " + anchor
}

func (p *Planner) anchor(urgency Urgency) string {
	now := p.now()
	switch urgency {
	case UrgencyHour, UrgencyDay:
		return now.Format("January 2006")
	default:
		return now.Format("2006")
	}
}

// DetectUrgency picks the narrowest freshness window the message asks for.
func DetectUrgency(message string) Urgency {
	switch {
	case hourPattern.MatchString(message):
		return UrgencyHour
	case dayPattern.MatchString(message):
		return UrgencyDay
	case weekPattern.MatchString(message):
		return UrgencyWeek
	default:
		return UrgencyNone
	}
}

func collapseSpaces(value string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(value, " "))
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit]))
}
