// Package qachain implements C10: the end-to-end question-answering
// chain (cache probe, history compression, retrieval, context
// assembly, prompt construction, generation, citation extraction,
// cache write). History compression is grounded on the teacher's
// internal/conversation.ContextCompressor.compressWindowSummary (the
// window-summary strategy is the one SPEC_FULL.md keeps as default;
// the teacher's other three strategies — entity_graph, full, hybrid —
// are not reproduced here since C10 has no entity-extraction
// collaborator to feed them). Everything downstream of compression
// (retrieval via C6, prompt/citation handling) has no teacher
// precedent and is built directly from spec §4.10.
package qachain

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/llmclient"
	"dev.helix.knowledgecore/internal/models"
	"dev.helix.knowledgecore/internal/rag/hybrid"
)

// Config controls C10 (spec §4.10 defaults).
type Config struct {
	MaxHistoryTurns  int
	KeepRecentTurns  int
	MaxSummaryChars  int
	MaxSingleContent int
	MaxContextChars  int
	CacheTTL         time.Duration
	RefusalPhrases   []string
}

// DefaultConfig mirrors spec §4.10's defaults.
func DefaultConfig() Config {
	return Config{
		MaxHistoryTurns:  10,
		KeepRecentTurns:  4,
		MaxSummaryChars:  1000,
		MaxSingleContent: 2000,
		MaxContextChars:  8000,
		CacheTTL:         time.Hour,
		RefusalPhrases: []string{
			"i don't know",
			"i do not know",
			"i cannot answer",
			"i can't answer",
			"no relevant information",
			"insufficient information",
		},
	}
}

var citationPattern = regexp.MustCompile(`\[\^(\d+)\]`)

// Retriever is C6's capability this chain needs.
type Retriever interface {
	Retrieve(ctx context.Context, question string, principal models.Principal, groupFilter []string) (hybrid.Result, error)
}

// SemanticCache is C7's capability this chain needs.
type SemanticCache interface {
	Get(ctx context.Context, question string, principal models.Principal) (models.CacheEntry, bool)
	Put(ctx context.Context, question string, principal models.Principal, fingerprint []float32, answer string, sources []string, ttl time.Duration)
}

// Embedder is used only to fingerprint a question for a cache write
// (C1's EncodeSingle).
type Embedder interface {
	EncodeSingle(ctx context.Context, text string) ([]float32, error)
}

// AnswerRequest is one C10 invocation (spec §4.10).
type AnswerRequest struct {
	Question    string
	Session     *models.ConversationState
	TopK        int
	GroupFilter []string
	Principal   models.Principal
	Stream      bool
	UseHistory  bool
}

// AnswerResult is C10's return shape (spec §4.10).
type AnswerResult struct {
	Answer               string
	Sources              []string
	Highlights           map[int]int
	FromCache            bool
	IsRefusal            bool
	RetrievalDiagnostics hybrid.Result
}

// EventKind tags a StreamEvent per spec §6's stream protocol: sources
// first, then zero or more chunks, then highlights, then done/error.
type EventKind string

const (
	EventSources    EventKind = "sources"
	EventChunk      EventKind = "chunk"
	EventHighlights EventKind = "highlights"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// SourceRef is one entry of the "sources" event (spec §6): the
// numbered passage a citation index refers to.
type SourceRef struct {
	Index     int
	PassageID string
	Source    string
	Score     float32
	Preview   string
}

const sourcePreviewChars = 160

// StreamEvent is one increment of a streaming Answer call.
type StreamEvent struct {
	Kind       EventKind
	Sources    []SourceRef
	Chunk      string
	Highlights map[int]int
	Result     *AnswerResult
	Err        error
}

// QAChain is C10.
type QAChain struct {
	retriever Retriever
	cache     SemanticCache
	embedder  Embedder
	llm       llmclient.Client
	cfg       Config
	logger    *logrus.Logger
}

// New builds a QAChain.
func New(retriever Retriever, cache SemanticCache, embedder Embedder, llm llmclient.Client, cfg Config, logger *logrus.Logger) *QAChain {
	if cfg.MaxHistoryTurns <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &QAChain{retriever: retriever, cache: cache, embedder: embedder, llm: llm, cfg: cfg, logger: logger}
}

// Answer runs the full chain (spec §4.10). When req.Stream is false
// the returned channel is nil and result is fully populated. When
// true, result is the zero value and the caller must read the
// returned channel to completion to obtain the final AnswerResult
// (carried on the last event's Result field). A streamed cache hit
// sends only that final done event.
func (q *QAChain) Answer(ctx context.Context, req AnswerRequest) (AnswerResult, <-chan StreamEvent, error) {
	if !req.UseHistory && q.cache != nil {
		if entry, ok := q.cache.Get(ctx, req.Question, req.Principal); ok {
			result := AnswerResult{Answer: entry.Answer, Sources: entry.Sources, FromCache: true}
			if req.Stream {
				out := make(chan StreamEvent, 1)
				out <- StreamEvent{Kind: EventDone, Result: &result}
				close(out)
				return AnswerResult{}, out, nil
			}
			return result, nil, nil
		}
	}

	history := q.compressHistory(ctx, req.Session)

	retrieval, err := q.retriever.Retrieve(ctx, req.Question, req.Principal, req.GroupFilter)
	if err != nil {
		return AnswerResult{}, nil, fmt.Errorf("qachain.Answer: retrieve: %w", err)
	}

	contextBlock, indexToPassageID := q.assembleContext(retrieval.Passages)
	prompt := q.buildPrompt(req.Question, contextBlock, history)

	if !req.Stream {
		text, err := q.llm.Complete(ctx, prompt)
		if err != nil {
			return AnswerResult{}, nil, fmt.Errorf("qachain.Answer: generate: %w", err)
		}
		result := q.finalize(ctx, req, text, indexToPassageID, retrieval)
		return result, nil, nil
	}

	out := make(chan StreamEvent, 1)
	out <- StreamEvent{Kind: EventSources, Sources: buildSourceRefs(indexToPassageID, retrieval.Passages)}

	go func() {
		defer close(out)
		tokenCh, errCh := q.llm.Stream(ctx, prompt)
		var full strings.Builder
		var streamErr error
		for tokenCh != nil || errCh != nil {
			select {
			case tok, ok := <-tokenCh:
				if !ok {
					tokenCh = nil
					continue
				}
				full.WriteString(tok)
				out <- StreamEvent{Kind: EventChunk, Chunk: tok}
			case err, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				if err != nil {
					streamErr = err
					q.logger.WithError(err).Warn("qachain: generation stream error")
				}
				tokenCh = nil
				errCh = nil
			}
		}

		if streamErr != nil {
			out <- StreamEvent{Kind: EventError, Err: fmt.Errorf("qachain.Answer: generate: %w", streamErr)}
			return
		}
		if ctx.Err() != nil {
			// Caller cancellation: abandon the chain without a cache write.
			out <- StreamEvent{Kind: EventError, Err: ctx.Err()}
			return
		}

		highlights := extractHighlights(full.String())
		out <- StreamEvent{Kind: EventHighlights, Highlights: highlights}

		result := q.finalize(ctx, req, full.String(), indexToPassageID, retrieval)
		out <- StreamEvent{Kind: EventDone, Result: &result}
	}()

	return AnswerResult{}, out, nil
}

// buildSourceRefs assembles the "sources" stream event payload (spec
// §6) from the context-assembly passage numbering.
func buildSourceRefs(indexToPassageID map[int]string, passages []hybrid.Passage) []SourceRef {
	byID := make(map[string]hybrid.Passage, len(passages))
	for _, p := range passages {
		byID[p.PassageID] = p
	}
	refs := make([]SourceRef, 0, len(indexToPassageID))
	for idx, passageID := range indexToPassageID {
		p := byID[passageID]
		refs = append(refs, SourceRef{
			Index:     idx,
			PassageID: passageID,
			Source:    p.Source,
			Score:     p.Score,
			Preview:   truncateContent(p.Text, sourcePreviewChars),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
	return refs
}

// finalize extracts citations, checks for refusal, writes the cache
// entry, and assembles the AnswerResult (spec §4.10 steps 7-8).
func (q *QAChain) finalize(ctx context.Context, req AnswerRequest, answer string, indexToPassageID map[int]string, retrieval hybrid.Result) AnswerResult {
	highlights := extractHighlights(answer)
	isRefusal := detectRefusal(answer, highlights, q.cfg.RefusalPhrases)

	sources := make([]string, 0, len(highlights))
	for idx := range highlights {
		if passageID, ok := indexToPassageID[idx]; ok {
			sources = append(sources, passageID)
		}
	}

	result := AnswerResult{
		Answer:               answer,
		Sources:              sources,
		Highlights:           highlights,
		IsRefusal:            isRefusal,
		RetrievalDiagnostics: retrieval,
	}

	if !isRefusal && q.cache != nil && q.embedder != nil {
		fingerprint, err := q.embedder.EncodeSingle(ctx, req.Question)
		if err == nil {
			q.cache.Put(ctx, req.Question, req.Principal, fingerprint, answer, sources, q.cfg.CacheTTL)
		}
	}

	return result
}

// compressHistory implements spec §4.10 step 2: summarize all but the
// most recent KeepRecentTurns once the turn count exceeds
// MaxHistoryTurns, replacing them with one synthetic system turn.
// Grounded on ContextCompressor.compressWindowSummary's
// keep-recent/summarize-the-rest shape.
func (q *QAChain) compressHistory(ctx context.Context, session *models.ConversationState) []models.Turn {
	if session == nil || len(session.Turns) <= q.cfg.MaxHistoryTurns {
		if session == nil {
			return nil
		}
		return session.Turns
	}

	keep := q.cfg.KeepRecentTurns
	if keep > len(session.Turns) {
		keep = len(session.Turns)
	}
	older := session.Turns[:len(session.Turns)-keep]
	recent := session.Turns[len(session.Turns)-keep:]

	summary, ok := q.summarizeWindow(ctx, older)
	if !ok {
		// Summarizer unavailable or failed: fall back to simply
		// truncating the oldest turns rather than fabricating a
		// summary (spec §9).
		return recent
	}
	if len(summary) > q.cfg.MaxSummaryChars {
		summary = summary[:q.cfg.MaxSummaryChars]
	}

	compressed := make([]models.Turn, 0, len(recent)+1)
	compressed = append(compressed, models.Turn{Role: "system", Content: summary, Kind: "summary", CreatedAt: time.Now()})
	compressed = append(compressed, recent...)
	return compressed
}

// summarizeWindow asks the summarizer LLM to compress turns into a
// short synthetic summary. ok is false when there is no summarizer or
// the call fails, signaling the caller to fall back to truncation
// (spec §9) instead of inventing a placeholder summary.
func (q *QAChain) summarizeWindow(ctx context.Context, turns []models.Turn) (summary string, ok bool) {
	if len(turns) == 0 {
		return "", false
	}
	if q.llm == nil {
		return "", false
	}

	var conversation strings.Builder
	for _, t := range turns {
		conversation.WriteString(fmt.Sprintf("[%s]: %s\n", t.Role, t.Content))
	}

	prompt := fmt.Sprintf("Summarize the following conversation history, preserving key facts and decisions, in 2-3 sentences:\n\n%s", conversation.String())
	summary, err := q.llm.Complete(ctx, prompt)
	if err != nil {
		q.logger.WithError(err).Warn("qachain: history summarization failed, truncating oldest turns instead")
		return "", false
	}
	return summary, true
}

// assembleContext implements spec §4.10 step 4.
func (q *QAChain) assembleContext(passages []hybrid.Passage) (string, map[int]string) {
	var block strings.Builder
	indexToPassageID := make(map[int]string)
	total := 0

	idx := 1
	for _, p := range passages {
		content := truncateContent(p.Text, q.cfg.MaxSingleContent)
		entry := fmt.Sprintf("[%d] %s\n", idx, content)
		if total+len(entry) > q.cfg.MaxContextChars {
			break
		}
		block.WriteString(entry)
		total += len(entry)
		indexToPassageID[idx] = p.PassageID
		idx++
	}

	return block.String(), indexToPassageID
}

// truncateContent keeps head 48% and tail 48% joined by a truncation
// marker when content exceeds max (spec §4.10 step 4).
func truncateContent(content string, max int) string {
	if len(content) <= max {
		return content
	}
	marker := "… [truncated] …"
	keep := max - len(marker)
	if keep <= 0 {
		return content[:max]
	}
	headLen := keep * 48 / 100
	tailLen := keep * 48 / 100
	return content[:headLen] + marker + content[len(content)-tailLen:]
}

// buildPrompt implements spec §4.10 step 5.
func (q *QAChain) buildPrompt(question, contextBlock string, history []models.Turn) string {
	var b strings.Builder
	b.WriteString("You are a grounded question-answering assistant. Answer using only the numbered passages below. ")
	b.WriteString("Cite every claim with its passage number using the syntax [^N]. ")
	b.WriteString("If the passages do not support an answer, say you don't know and cite nothing.\n\n")

	b.WriteString("Passages:\n")
	b.WriteString(contextBlock)
	b.WriteString("\n")

	if len(history) > 0 {
		b.WriteString("Conversation history:\n")
		for _, t := range history {
			b.WriteString(fmt.Sprintf("[%s]: %s\n", t.Role, t.Content))
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// extractHighlights scans answer for citation markers (spec §4.10
// step 7) and returns passage_index -> citation count.
func extractHighlights(answer string) map[int]int {
	highlights := make(map[int]int)
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	for _, m := range matches {
		var idx int
		if _, err := fmt.Sscanf(m[1], "%d", &idx); err == nil {
			highlights[idx]++
		}
	}
	return highlights
}

// detectRefusal implements spec §4.10's refusal rule: a configured
// phrase present AND no citations.
func detectRefusal(answer string, highlights map[int]int, phrases []string) bool {
	if len(highlights) > 0 {
		return false
	}
	lower := strings.ToLower(answer)
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
