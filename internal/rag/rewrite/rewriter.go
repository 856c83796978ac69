// Package rewrite implements C5: LLM-driven query expansion into
// semantically-equivalent reformulations. Grounded on the embedding
// package's retry/timeout/error-classification conventions (themselves
// adapted from the teacher's RemoteProvider), since no query-rewriting
// implementation exists in the example corpus — this is new behavior
// built in the corpus's established idiom rather than adapted from a
// specific teacher file.
package rewrite

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/llmclient"
)

const rewriteInstruction = "Produce semantically-equivalent reformulations of the following question, one per line, with no numbering or commentary. Question: "

// Config controls C5 (spec §4.5).
type Config struct {
	Enabled   bool
	NVariants int
}

// DefaultConfig mirrors spec §4.5's N_VARIANTS default.
func DefaultConfig() Config {
	return Config{Enabled: true, NVariants: 3}
}

// Rewriter is the C5 query rewriter.
type Rewriter struct {
	cfg    Config
	llm    llmclient.Client
	logger *logrus.Logger
}

// New constructs a Rewriter. llm may be nil only if cfg.Enabled is
// false.
func New(cfg Config, llm llmclient.Client, logger *logrus.Logger) *Rewriter {
	if cfg.NVariants == 0 {
		cfg.NVariants = DefaultConfig().NVariants
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Rewriter{cfg: cfg, llm: llm, logger: logger}
}

// Expand returns [question, variant_1, ..., variant_n], deduplicated
// case-insensitively with the original always first (spec §4.5). If
// disabled, returns [question] without calling the LLM. On LLM
// failure, returns [question] and logs a warning.
func (r *Rewriter) Expand(ctx context.Context, question string) []string {
	if !r.cfg.Enabled {
		return []string{question}
	}

	raw, err := r.llm.Complete(ctx, rewriteInstruction+question)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"error": err, "question": question}).Warn("query rewrite: LLM call failed, using original question only")
		return []string{question}
	}

	return dedupeCaseInsensitive(question, splitLines(raw), r.cfg.NVariants)
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// dedupeCaseInsensitive keeps question first, then each variant whose
// lowercase form hasn't been seen yet, capped at nVariants additional
// entries.
func dedupeCaseInsensitive(question string, variants []string, nVariants int) []string {
	seen := map[string]struct{}{strings.ToLower(question): {}}
	out := []string{question}

	for _, v := range variants {
		if len(out) > nVariants {
			break
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
