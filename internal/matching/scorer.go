package matching

import (
	"strings"

	"github.com/google/uuid"

	"github.com/complyhq/compliance-backend/internal/types"
)

// Weighting contract for the lexical scorer. The coefficients and thresholds
// below are load-bearing: recorded fixtures and downstream classification
// depend on these exact values.
const (
	weightTitle      = 0.30
	weightDesc       = 0.15
	weightBigram     = 0.20
	weightTrigram    = 0.20
	weightTitleBonus = 0.15

	lowValueTermWeight      = 0.3
	nearUniversalTermWeight = 0.4

	// AutoMapAdmissionFloor is the minimum score at which the auto-mapper
	// keeps a best match at all.
	AutoMapAdmissionFloor = 0.25
	// AutoMapPartialThreshold and AutoMapCoveredThreshold classify an
	// admitted match.
	AutoMapPartialThreshold = 0.30
	AutoMapCoveredThreshold = 0.45

	// Containment thresholds for the coarse content recompute.
	ContentPartialThreshold = 0.3
	ContentCoveredThreshold = 0.6
)

type ControlText struct {
	ID           uuid.UUID
	Title        string
	Description  string
	EvidenceHint string
}

type DocumentText struct {
	ID    uuid.UUID
	Title string
	Text  string
}

// CandidateDoc is a document preprocessed for scoring: term and n-gram sets
// plus its own title terms for the title bonus.
type CandidateDoc struct {
	ID        uuid.UUID
	Title     string
	LowerText string

	terms      map[string]struct{}
	bigrams    map[string]struct{}
	trigrams   map[string]struct{}
	titleTerms map[string]struct{}
}

// Corpus holds the candidate documents of one scoring run together with the
// document-frequency table built across them. It is computed per invocation
// and passed around as a value, never held as process state.
type Corpus struct {
	Docs []*CandidateDoc

	cfg *TermConfig
	df  map[string]int
}

// BuildCorpus preprocesses every candidate document and derives the
// document-frequency table used for term down-weighting.
func BuildCorpus(docs []DocumentText, cfg *TermConfig) *Corpus {
	if cfg == nil {
		cfg = DefaultTermConfig()
	}
	corpus := &Corpus{
		Docs: make([]*CandidateDoc, 0, len(docs)),
		cfg:  cfg,
		df:   make(map[string]int),
	}
	for _, d := range docs {
		tokens := ExtractTerms(d.Text, cfg)
		cd := &CandidateDoc{
			ID:         d.ID,
			Title:      d.Title,
			LowerText:  strings.ToLower(d.Text),
			terms:      toSet(tokens),
			bigrams:    toSet(BuildNGrams(tokens, 2)),
			trigrams:   toSet(BuildNGrams(tokens, 3)),
			titleTerms: toSet(ExtractTerms(d.Title, cfg)),
		}
		corpus.Docs = append(corpus.Docs, cd)
		for term := range cd.terms {
			corpus.df[term]++
		}
	}
	return corpus
}

// termWeight down-weights terms that carry little discriminating signal:
// curated low-value jargon scores 0.3 and terms present in all but one
// corpus document score 0.4. Everything else weighs 1.0.
func (c *Corpus) termWeight(term string) float64 {
	if c.cfg.IsLowValue(term) {
		return lowValueTermWeight
	}
	if len(c.Docs) > 1 && c.df[term] >= len(c.Docs)-1 {
		return nearUniversalTermWeight
	}
	return 1.0
}

type MatchResult struct {
	Score float64
	// MatchedTerms lists the matched n-grams and terms, de-duplicated,
	// longest matches first, for rationale generation.
	MatchedTerms []string
}

// ScoreMatch computes the lexical confidence that doc satisfies control.
// Pure with respect to its inputs: the same corpus and control text always
// yield the same score and matched-term list.
func ScoreMatch(control ControlText, doc *CandidateDoc, corpus *Corpus) MatchResult {
	cfg := corpus.cfg

	titleTerms := dedup(ExtractTerms(control.Title, cfg))
	inTitle := toSet(titleTerms)

	descText := control.Description
	if control.EvidenceHint != "" {
		descText += " " + control.EvidenceHint
	}
	descTerms := make([]string, 0)
	for _, t := range dedup(ExtractTerms(descText, cfg)) {
		if _, ok := inTitle[t]; ok {
			continue
		}
		descTerms = append(descTerms, t)
	}

	fullTokens := ExtractTerms(control.Title+" "+descText, cfg)
	controlBigrams := dedup(BuildNGrams(fullTokens, 2))
	controlTrigrams := dedup(BuildNGrams(fullTokens, 3))

	var matchedTitle, matchedDesc, matchedBigrams, matchedTrigrams []string

	titleScore := weightedMatchRatio(titleTerms, doc.terms, corpus, &matchedTitle)
	descScore := weightedMatchRatio(descTerms, doc.terms, corpus, &matchedDesc)
	bigramScore := overlapRatio(controlBigrams, doc.bigrams, &matchedBigrams)
	trigramScore := overlapRatio(controlTrigrams, doc.trigrams, &matchedTrigrams)
	titleBonus := docTitleBonus(titleTerms, doc, cfg)

	score := weightTitle*titleScore +
		weightDesc*descScore +
		weightBigram*bigramScore +
		weightTrigram*trigramScore +
		weightTitleBonus*titleBonus

	matched := make([]string, 0, len(matchedTrigrams)+len(matchedBigrams)+len(matchedTitle)+len(matchedDesc))
	matched = append(matched, matchedTrigrams...)
	matched = append(matched, matchedBigrams...)
	matched = append(matched, matchedTitle...)
	matched = append(matched, matchedDesc...)

	return MatchResult{
		Score:        score,
		MatchedTerms: dedup(matched),
	}
}

func weightedMatchRatio(terms []string, docTerms map[string]struct{}, corpus *Corpus, matched *[]string) float64 {
	if len(terms) == 0 {
		return 0
	}
	var total, hit float64
	for _, t := range terms {
		w := corpus.termWeight(t)
		total += w
		if _, ok := docTerms[t]; ok {
			hit += w
			*matched = append(*matched, t)
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

func overlapRatio(grams []string, docGrams map[string]struct{}, matched *[]string) float64 {
	if len(grams) == 0 {
		return 0
	}
	hit := 0
	for _, g := range grams {
		if _, ok := docGrams[g]; ok {
			hit++
			*matched = append(*matched, g)
		}
	}
	return float64(hit) / float64(len(grams))
}

// docTitleBonus is the fraction of the control's non-low-value title terms
// that literally appear in the candidate document's own title.
func docTitleBonus(titleTerms []string, doc *CandidateDoc, cfg *TermConfig) float64 {
	considered := 0
	hit := 0
	for _, t := range titleTerms {
		if cfg.IsLowValue(t) {
			continue
		}
		considered++
		if _, ok := doc.titleTerms[t]; ok {
			hit++
		}
	}
	if considered == 0 {
		return 0
	}
	return float64(hit) / float64(considered)
}

// ClassifyAutoMapScore maps an admitted lexical score to a coverage status.
// Callers apply AutoMapAdmissionFloor before classifying.
func ClassifyAutoMapScore(score float64) string {
	switch {
	case score >= AutoMapCoveredThreshold:
		return types.CoverageCovered
	case score >= AutoMapPartialThreshold:
		return types.CoveragePartiallyCovered
	default:
		return types.CoverageNotCovered
	}
}

// ClassifyContainmentRatio maps a key-phrase containment ratio to a coverage
// status for the content recompute path.
func ClassifyContainmentRatio(ratio float64) string {
	switch {
	case ratio >= ContentCoveredThreshold:
		return types.CoverageCovered
	case ratio >= ContentPartialThreshold:
		return types.CoveragePartiallyCovered
	default:
		return types.CoverageNotCovered
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}

func dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
