package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/matching"
	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/repos"
	"github.com/complyhq/compliance-backend/internal/types"
)

// minDocTextLength gates which documents are candidates for matching at all;
// anything shorter is treated as having no usable text.
const minDocTextLength = 100

const maxRationaleTerms = 8

const scoringConcurrency = 4

type AutoMapAction string

const (
	AutoMapActionCreated   AutoMapAction = "created"
	AutoMapActionUpdated   AutoMapAction = "updated"
	AutoMapActionSkipped   AutoMapAction = "skipped"
	AutoMapActionUnmatched AutoMapAction = "unmatched"
	AutoMapActionDryRun    AutoMapAction = "dry_run"
)

type AutoMapControlResult struct {
	ControlID      uuid.UUID     `json:"control_id"`
	ControlCode    string        `json:"control_code"`
	DocumentID     uuid.UUID     `json:"document_id,omitempty"`
	DocumentTitle  string        `json:"document_title,omitempty"`
	Score          float64       `json:"score"`
	CoverageStatus string        `json:"coverage_status,omitempty"`
	MatchedTerms   []string      `json:"matched_terms,omitempty"`
	Action         AutoMapAction `json:"action"`
}

type AutoMapResult struct {
	DryRun    bool                   `json:"dry_run"`
	Created   int                    `json:"created"`
	Matched   int                    `json:"matched"`
	Unmatched int                    `json:"unmatched"`
	Results   []AutoMapControlResult `json:"results"`
}

// AutoMapService runs the deterministic keyword-based bulk mapper: for every
// control it finds the best-scoring candidate document and creates or
// refreshes mappings that are still owned by the auto-mapper.
type AutoMapService interface {
	Run(ctx context.Context, sourceID *uuid.UUID, dryRun bool) (*AutoMapResult, error)
}

type autoMapService struct {
	db          *gorm.DB
	log         *logger.Logger
	termCfg     *matching.TermConfig
	controlRepo repos.ControlRepo
	docRepo     repos.DocumentRepo
	versionRepo repos.DocumentVersionRepo
	mappingRepo repos.ControlMappingRepo
}

func NewAutoMapService(
	db *gorm.DB,
	baseLog *logger.Logger,
	termCfg *matching.TermConfig,
	controlRepo repos.ControlRepo,
	docRepo repos.DocumentRepo,
	versionRepo repos.DocumentVersionRepo,
	mappingRepo repos.ControlMappingRepo,
) AutoMapService {
	if termCfg == nil {
		termCfg = matching.DefaultTermConfig()
	}
	return &autoMapService{
		db:          db,
		log:         baseLog.With("service", "AutoMapService"),
		termCfg:     termCfg,
		controlRepo: controlRepo,
		docRepo:     docRepo,
		versionRepo: versionRepo,
		mappingRepo: mappingRepo,
	}
}

func pairKey(controlID, documentID uuid.UUID) string {
	return controlID.String() + "|" + documentID.String()
}

func (s *autoMapService) Run(ctx context.Context, sourceID *uuid.UUID, dryRun bool) (*AutoMapResult, error) {
	var controls []*types.Control
	var err error
	if sourceID != nil {
		controls, err = s.controlRepo.GetBySource(ctx, nil, *sourceID)
	} else {
		controls, err = s.controlRepo.GetAll(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load controls: %w", err)
	}

	candidates, titlesByID, err := s.loadCandidateDocuments(ctx)
	if err != nil {
		return nil, err
	}
	corpus := matching.BuildCorpus(candidates, s.termCfg)

	existing, err := s.mappingRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	byPair := make(map[string]*types.ControlMapping, len(existing))
	for _, m := range existing {
		byPair[pairKey(m.ControlID, m.DocumentID)] = m
	}

	type bestMatch struct {
		doc    *matching.CandidateDoc
		result matching.MatchResult
	}
	best := make([]bestMatch, len(controls))

	// Lexical scoring is pure and in-memory; fan it out per control with a
	// bounded group. Results are written to fixed slots so output order is
	// stable regardless of scheduling.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scoringConcurrency)
	for i, control := range controls {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ct := matching.ControlText{
				ID:           control.ID,
				Title:        control.Title,
				Description:  control.Description,
				EvidenceHint: control.EvidenceHint,
			}
			for _, doc := range corpus.Docs {
				r := matching.ScoreMatch(ct, doc, corpus)
				if best[i].doc == nil || r.Score > best[i].result.Score {
					best[i] = bestMatch{doc: doc, result: r}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &AutoMapResult{DryRun: dryRun}
	selectedPairs := make(map[string]struct{})

	for i, control := range controls {
		b := best[i]
		if b.doc == nil || b.result.Score < matching.AutoMapAdmissionFloor {
			out.Unmatched++
			out.Results = append(out.Results, AutoMapControlResult{
				ControlID:   control.ID,
				ControlCode: control.Code,
				Score:       b.result.Score,
				Action:      AutoMapActionUnmatched,
			})
			continue
		}

		status := matching.ClassifyAutoMapScore(b.result.Score)
		res := AutoMapControlResult{
			ControlID:      control.ID,
			ControlCode:    control.Code,
			DocumentID:     b.doc.ID,
			DocumentTitle:  titlesByID[b.doc.ID],
			Score:          b.result.Score,
			CoverageStatus: status,
			MatchedTerms:   b.result.MatchedTerms,
		}

		if dryRun {
			res.Action = AutoMapActionDryRun
			out.Matched++
			out.Results = append(out.Results, res)
			continue
		}

		key := pairKey(control.ID, b.doc.ID)
		selectedPairs[key] = struct{}{}
		rationale := autoRationale(b.result)

		if current, ok := byPair[key]; ok {
			if !current.IsAutoGenerated() {
				// Human-edited or AI-scored mapping: leave untouched.
				res.Action = AutoMapActionSkipped
				out.Matched++
				out.Results = append(out.Results, res)
				continue
			}
			if err := s.mappingRepo.UpdateFields(ctx, nil, current.ID, map[string]interface{}{
				"coverage_status": status,
				"rationale":       rationale,
			}); err != nil {
				return nil, fmt.Errorf("update mapping %s: %w", current.ID, err)
			}
			res.Action = AutoMapActionUpdated
			out.Matched++
		} else {
			if _, err := s.mappingRepo.Create(ctx, nil, &types.ControlMapping{
				ControlID:      control.ID,
				DocumentID:     b.doc.ID,
				CoverageStatus: status,
				Rationale:      rationale,
			}); err != nil {
				return nil, fmt.Errorf("create mapping for control %s: %w", control.ID, err)
			}
			res.Action = AutoMapActionCreated
			out.Created++
		}
		out.Results = append(out.Results, res)
	}

	if !dryRun {
		if err := s.refreshRemainingAutoMappings(ctx, existing, selectedPairs, corpus, controls); err != nil {
			return nil, err
		}
	}

	s.log.Info("Auto-map run finished",
		"dry_run", dryRun,
		"created", out.Created,
		"matched", out.Matched,
		"unmatched", out.Unmatched,
	)
	return out, nil
}

// refreshRemainingAutoMappings re-scores auto-generated mappings that were
// not selected as any control's best match this run and refreshes their
// status and rationale in place. Nothing is deleted here.
func (s *autoMapService) refreshRemainingAutoMappings(
	ctx context.Context,
	existing []*types.ControlMapping,
	selectedPairs map[string]struct{},
	corpus *matching.Corpus,
	controls []*types.Control,
) error {
	controlsByID := make(map[uuid.UUID]*types.Control, len(controls))
	for _, c := range controls {
		controlsByID[c.ID] = c
	}
	docsByID := make(map[uuid.UUID]*matching.CandidateDoc, len(corpus.Docs))
	for _, d := range corpus.Docs {
		docsByID[d.ID] = d
	}

	for _, m := range existing {
		if _, selected := selectedPairs[pairKey(m.ControlID, m.DocumentID)]; selected {
			continue
		}
		if !m.IsAutoGenerated() || m.HasAIScore() {
			continue
		}
		control, ok := controlsByID[m.ControlID]
		if !ok {
			continue
		}
		doc, ok := docsByID[m.DocumentID]
		if !ok {
			continue
		}
		r := matching.ScoreMatch(matching.ControlText{
			ID:           control.ID,
			Title:        control.Title,
			Description:  control.Description,
			EvidenceHint: control.EvidenceHint,
		}, doc, corpus)
		if err := s.mappingRepo.UpdateFields(ctx, nil, m.ID, map[string]interface{}{
			"coverage_status": matching.ClassifyAutoMapScore(r.Score),
			"rationale":       autoRationale(r),
		}); err != nil {
			return fmt.Errorf("refresh mapping %s: %w", m.ID, err)
		}
	}
	return nil
}

// loadCandidateDocuments resolves each document's effective version text and
// keeps only documents with enough text to match against.
func (s *autoMapService) loadCandidateDocuments(ctx context.Context) ([]matching.DocumentText, map[uuid.UUID]string, error) {
	docs, err := s.docRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}

	titles := make(map[uuid.UUID]string, len(docs))
	out := make([]matching.DocumentText, 0, len(docs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scoringConcurrency)
	for _, doc := range docs {
		g.Go(func() error {
			versions, err := s.versionRepo.GetByDocument(gctx, nil, doc.ID)
			if err != nil {
				return fmt.Errorf("load versions for document %s: %w", doc.ID, err)
			}
			v := repos.EffectiveVersion(versions)
			if v == nil || len(strings.TrimSpace(v.ExtractedText)) < minDocTextLength {
				return nil
			}
			mu.Lock()
			titles[doc.ID] = doc.Title
			out = append(out, matching.DocumentText{
				ID:    doc.ID,
				Title: doc.Title,
				Text:  v.ExtractedText,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Stable corpus order keeps scoring runs reproducible.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, titles, nil
}

func autoRationale(r matching.MatchResult) string {
	terms := r.MatchedTerms
	if len(terms) > maxRationaleTerms {
		terms = terms[:maxRationaleTerms]
	}
	pct := int(r.Score*100 + 0.5)
	if len(terms) == 0 {
		return fmt.Sprintf("%s %d%% keyword match.", types.AutoMappedPrefix, pct)
	}
	return fmt.Sprintf("%s %d%% keyword match. Top terms: %s", types.AutoMappedPrefix, pct, strings.Join(terms, ", "))
}
