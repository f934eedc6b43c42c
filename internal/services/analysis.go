package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/clients/openai"
	pkgerrors "github.com/complyhq/compliance-backend/internal/pkg/errors"
	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/repos"
	"github.com/complyhq/compliance-backend/internal/types"
)

const (
	// Scores below this are not meaningful coverage and are discarded.
	meaningfulScoreThreshold = 60
	// At or above this an AI score counts as full coverage.
	aiCoveredThreshold = 80

	bulkMapBatchSize = 25
)

var jobTerminalStatuses = []string{
	types.JobStatusCompleted,
	types.JobStatusFailed,
	types.JobStatusCancelled,
}

// AnalysisJobService dispatches and executes model-backed scoring jobs.
// Dispatch returns as soon as the pending job row exists; execution proceeds
// detached and is observed only through the job record. No single-flight
// guard is applied: concurrent dispatches for the same entity each run to
// completion and the storage layer's overwrite-by-key semantics resolve
// conflicting writes.
type AnalysisJobService interface {
	DispatchSingleMatch(ctx context.Context, mappingID uuid.UUID) (*types.AnalysisJob, error)
	DispatchCombinedCoverage(ctx context.Context, controlID uuid.UUID) (*types.AnalysisJob, error)
	DispatchBulkMap(ctx context.Context, documentID uuid.UUID) (*types.AnalysisJob, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*types.AnalysisJob, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	// Wait blocks until all in-flight job executions finish. Used for
	// graceful shutdown.
	Wait()
}

type analysisJobService struct {
	db          *gorm.DB
	log         *logger.Logger
	ai          openai.Client
	jobRepo     repos.AnalysisJobRepo
	controlRepo repos.ControlRepo
	docRepo     repos.DocumentRepo
	versionRepo repos.DocumentVersionRepo
	mappingRepo repos.ControlMappingRepo

	wg sync.WaitGroup
}

func NewAnalysisJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	ai openai.Client,
	jobRepo repos.AnalysisJobRepo,
	controlRepo repos.ControlRepo,
	docRepo repos.DocumentRepo,
	versionRepo repos.DocumentVersionRepo,
	mappingRepo repos.ControlMappingRepo,
) AnalysisJobService {
	return &analysisJobService{
		db:          db,
		log:         baseLog.With("service", "AnalysisJobService"),
		ai:          ai,
		jobRepo:     jobRepo,
		controlRepo: controlRepo,
		docRepo:     docRepo,
		versionRepo: versionRepo,
		mappingRepo: mappingRepo,
	}
}

// aiCoverageStatus classifies a clamped 0-100 model score.
func aiCoverageStatus(score int) string {
	switch {
	case score >= aiCoveredThreshold:
		return types.CoverageCovered
	case score >= meaningfulScoreThreshold:
		return types.CoveragePartiallyCovered
	default:
		return types.CoverageNotCovered
	}
}

// ---------- dispatch ----------

func (s *analysisJobService) DispatchSingleMatch(ctx context.Context, mappingID uuid.UUID) (*types.AnalysisJob, error) {
	mapping, err := s.mappingRepo.GetByID(ctx, nil, mappingID)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", mappingID, err)
	}
	if _, _, err := s.usableDocumentText(ctx, mapping.DocumentID); err != nil {
		return nil, err
	}
	return s.dispatch(ctx, types.JobTypeSingleMatch, mappingID, s.runSingleMatch)
}

func (s *analysisJobService) DispatchCombinedCoverage(ctx context.Context, controlID uuid.UUID) (*types.AnalysisJob, error) {
	if _, err := s.controlRepo.GetByID(ctx, nil, controlID); err != nil {
		return nil, fmt.Errorf("control %s: %w", controlID, err)
	}
	mappings, err := s.mappingRepo.GetByControl(ctx, nil, controlID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("control %s has no linked documents: %w", controlID, pkgerrors.ErrInvalidArgument)
	}
	return s.dispatch(ctx, types.JobTypeCombinedCoverage, controlID, s.runCombinedCoverage)
}

func (s *analysisJobService) DispatchBulkMap(ctx context.Context, documentID uuid.UUID) (*types.AnalysisJob, error) {
	if _, _, err := s.usableDocumentText(ctx, documentID); err != nil {
		return nil, err
	}
	return s.dispatch(ctx, types.JobTypeBulkMap, documentID, s.runBulkMap)
}

func (s *analysisJobService) dispatch(ctx context.Context, jobType string, entityID uuid.UUID, run func(ctx context.Context, job *types.AnalysisJob)) (*types.AnalysisJob, error) {
	job := &types.AnalysisJob{
		ID:              uuid.New(),
		JobType:         jobType,
		EntityID:        entityID,
		Status:          types.JobStatusPending,
		ProgressMessage: "Queued",
	}
	created, err := s.jobRepo.Create(ctx, nil, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	// Fire and forget: the caller polls the job row for completion. The
	// goroutine gets a fresh context so it outlives the dispatching request.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx := context.Background()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Analysis job panicked", "job_id", created.ID, "job_type", jobType, "panic", r)
				s.failJob(runCtx, created.ID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		run(runCtx, created)
	}()

	return created, nil
}

func (s *analysisJobService) GetJob(ctx context.Context, jobID uuid.UUID) (*types.AnalysisJob, error) {
	return s.jobRepo.GetByID(ctx, nil, jobID)
}

// CancelJob flips a non-terminal job to cancelled. The running execution
// observes the flag cooperatively at its next checkpoint; an in-flight model
// call is not aborted.
func (s *analysisJobService) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("job %s already %s: %w", jobID, job.Status, pkgerrors.ErrInvalidArgument)
	}
	now := time.Now()
	applied, err := s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, jobID, jobTerminalStatuses, map[string]interface{}{
		"status":           types.JobStatusCancelled,
		"progress_message": "Cancelled",
		"completed_at":     now,
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("job %s finished before cancel: %w", jobID, pkgerrors.ErrInvalidArgument)
	}
	return nil
}

func (s *analysisJobService) Wait() {
	s.wg.Wait()
}

// ---------- job lifecycle writes ----------

// markProcessing transitions pending -> processing. The guarded update is
// the cancellation checkpoint before any expensive work: if the job was
// cancelled between dispatch and run, the write is rejected and execution
// stops here.
func (s *analysisJobService) markProcessing(ctx context.Context, jobID uuid.UUID, msg string) bool {
	now := time.Now()
	applied, err := s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, jobID, jobTerminalStatuses, map[string]interface{}{
		"status":           types.JobStatusProcessing,
		"progress_message": msg,
		"started_at":       now,
	})
	if err != nil {
		s.log.Error("Failed to mark job processing", "job_id", jobID, "error", err)
		return false
	}
	return applied
}

func (s *analysisJobService) progress(ctx context.Context, jobID uuid.UUID, msg string) bool {
	applied, err := s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, jobID, jobTerminalStatuses, map[string]interface{}{
		"progress_message": msg,
	})
	if err != nil {
		s.log.Warn("Failed to update job progress", "job_id", jobID, "error", err)
		return true
	}
	return applied
}

// isCancelled reloads the job row and reports a cancelled status. Reload
// errors are treated as not-cancelled so transient read failures don't stop
// a run.
func (s *analysisJobService) isCancelled(ctx context.Context, jobID uuid.UUID) bool {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		s.log.Warn("Failed to reload job for cancellation check", "job_id", jobID, "error", err)
		return false
	}
	return job.Status == types.JobStatusCancelled
}

func (s *analysisJobService) failJob(ctx context.Context, jobID uuid.UUID, msg string) {
	now := time.Now()
	_, err := s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, jobID, jobTerminalStatuses, map[string]interface{}{
		"status":           types.JobStatusFailed,
		"error_message":    msg,
		"progress_message": "",
		"completed_at":     now,
	})
	if err != nil {
		s.log.Error("Failed to mark job failed", "job_id", jobID, "error", err)
	}
}

func (s *analysisJobService) completeJob(ctx context.Context, jobID uuid.UUID, result any) {
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}
	_, err := s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, jobID, jobTerminalStatuses, map[string]interface{}{
		"status":           types.JobStatusCompleted,
		"result":           res,
		"progress_message": "Completed",
		"completed_at":     now,
	})
	if err != nil {
		s.log.Error("Failed to mark job completed", "job_id", jobID, "error", err)
	}
}

// ---------- entity gathering ----------

// usableDocumentText resolves a document and its effective version text,
// returning ErrNoUsableText when the text is too short to analyze.
func (s *analysisJobService) usableDocumentText(ctx context.Context, documentID uuid.UUID) (*types.Document, string, error) {
	doc, err := s.docRepo.GetByID(ctx, nil, documentID)
	if err != nil {
		return nil, "", fmt.Errorf("document %s: %w", documentID, err)
	}
	versions, err := s.versionRepo.GetByDocument(ctx, nil, documentID)
	if err != nil {
		return nil, "", err
	}
	v := repos.EffectiveVersion(versions)
	if v == nil || len(strings.TrimSpace(v.ExtractedText)) < minDocTextLength {
		return nil, "", fmt.Errorf("document %s: %w", documentID, pkgerrors.ErrNoUsableText)
	}
	return doc, v.ExtractedText, nil
}

// ---------- single match ----------

func (s *analysisJobService) runSingleMatch(ctx context.Context, job *types.AnalysisJob) {
	if !s.markProcessing(ctx, job.ID, "Analyzing mapping") {
		return
	}

	mapping, err := s.mappingRepo.GetByID(ctx, nil, job.EntityID)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("mapping %s not found", job.EntityID))
		return
	}
	control, err := s.controlRepo.GetByID(ctx, nil, mapping.ControlID)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("control %s not found", mapping.ControlID))
		return
	}
	doc, text, err := s.usableDocumentText(ctx, mapping.DocumentID)
	if err != nil {
		s.failJob(ctx, job.ID, err.Error())
		return
	}

	if s.isCancelled(ctx, job.ID) {
		return
	}

	system, user := buildSingleMatchPrompt(control, doc.Title, text)
	raw, err := s.ai.GenerateText(ctx, system, user)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("model call failed: %v", err))
		return
	}

	verdict, path := parseMatchVerdict(raw)
	if verdict == nil {
		// Unparseable output is an empty result, not a failure.
		s.log.Warn("Single-match response unparseable", "job_id", job.ID)
		s.completeJob(ctx, job.ID, map[string]any{
			"matched":    false,
			"parse_path": string(path),
		})
		return
	}

	score := clampScore(verdict.Score)
	if score < meaningfulScoreThreshold {
		// Not meaningful coverage: the score is discarded and the mapping is
		// left exactly as it was.
		s.completeJob(ctx, job.ID, map[string]any{
			"matched":    false,
			"score":      score,
			"rationale":  verdict.Rationale,
			"parse_path": string(path),
		})
		return
	}
	status := aiCoverageStatus(score)
	if err := s.mappingRepo.UpdateFields(ctx, nil, mapping.ID, map[string]interface{}{
		"ai_match_score":           score,
		"ai_match_rationale":       verdict.Rationale,
		"ai_match_recommendations": verdict.Recommendations,
		"coverage_status":          status,
	}); err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("persist mapping: %v", err))
		return
	}

	s.completeJob(ctx, job.ID, map[string]any{
		"score":           score,
		"rationale":       verdict.Rationale,
		"recommendations": verdict.Recommendations,
		"coverage_status": status,
		"parse_path":      string(path),
	})
}

// ---------- combined coverage ----------

func (s *analysisJobService) runCombinedCoverage(ctx context.Context, job *types.AnalysisJob) {
	if !s.markProcessing(ctx, job.ID, "Gathering linked documents") {
		return
	}

	control, err := s.controlRepo.GetByID(ctx, nil, job.EntityID)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("control %s not found", job.EntityID))
		return
	}
	mappings, err := s.mappingRepo.GetByControl(ctx, nil, control.ID)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("load mappings: %v", err))
		return
	}
	if len(mappings) == 0 {
		s.failJob(ctx, job.ID, "control has no linked documents")
		return
	}

	// The floor: combined coverage can never fall below the best individual
	// document score already on file.
	floor := 0
	var docs []combinedDoc
	for _, m := range mappings {
		if m.AIMatchScore != nil {
			if v := clampScore(*m.AIMatchScore); v > floor {
				floor = v
			}
		}
		doc, text, err := s.usableDocumentText(ctx, m.DocumentID)
		if err != nil {
			continue
		}
		docs = append(docs, combinedDoc{Title: doc.Title, Text: text})
	}
	if len(docs) == 0 {
		s.failJob(ctx, job.ID, "no linked document has usable text")
		return
	}

	if s.isCancelled(ctx, job.ID) {
		return
	}
	s.progress(ctx, job.ID, fmt.Sprintf("Assessing combined coverage across %d documents", len(docs)))

	system, user := buildCombinedCoveragePrompt(control, docs)
	raw, err := s.ai.GenerateText(ctx, system, user)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("model call failed: %v", err))
		return
	}

	combined := 0
	rationale := ""
	recommendations := ""
	verdict, path := parseMatchVerdict(raw)
	if verdict != nil {
		combined = clampScore(verdict.Score)
		rationale = verdict.Rationale
		recommendations = verdict.Recommendations
	}
	floored := false
	if combined < floor {
		combined = floor
		floored = true
	}

	s.completeJob(ctx, job.ID, map[string]any{
		"combined_score":       combined,
		"floor_score":          floor,
		"floored":              floored,
		"coverage_status":      aiCoverageStatus(combined),
		"rationale":            rationale,
		"recommendations":      recommendations,
		"documents_considered": len(docs),
		"parse_path":           string(path),
	})
}

// ---------- bulk map ----------

func (s *analysisJobService) runBulkMap(ctx context.Context, job *types.AnalysisJob) {
	if !s.markProcessing(ctx, job.ID, "Preparing document") {
		return
	}

	doc, text, err := s.usableDocumentText(ctx, job.EntityID)
	if err != nil {
		s.failJob(ctx, job.ID, err.Error())
		return
	}
	controls, err := s.controlRepo.GetAll(ctx, nil)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("load controls: %v", err))
		return
	}
	existing, err := s.mappingRepo.GetByDocument(ctx, nil, doc.ID)
	if err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("load mappings: %v", err))
		return
	}
	byControl := make(map[uuid.UUID]*types.ControlMapping, len(existing))
	for _, m := range existing {
		byControl[m.ControlID] = m
	}

	// Candidates: controls with no mapping to this document yet, plus those
	// whose mapping is still lexical-only and so can be re-evaluated or
	// retired by the AI pass.
	var candidates []*types.Control
	for _, c := range controls {
		if m, ok := byControl[c.ID]; ok {
			if !m.IsAutoGenerated() || m.HasAIScore() {
				continue
			}
		}
		candidates = append(candidates, c)
	}

	batches := partitionControls(candidates, bulkMapBatchSize)
	matched := make(map[uuid.UUID]struct{})
	// Controls in a batch that failed or came back unparseable got no verdict
	// at all; they must be exempt from retirement below.
	unassessed := make(map[uuid.UUID]struct{})
	created, updated, failedBatches := 0, 0, 0

	for i, batch := range batches {
		if s.isCancelled(ctx, job.ID) {
			return
		}
		if !s.progress(ctx, job.ID, fmt.Sprintf("Processing batch %d of %d", i+1, len(batches))) {
			return
		}

		batchIDs := make(map[uuid.UUID]struct{}, len(batch))
		for _, c := range batch {
			batchIDs[c.ID] = struct{}{}
		}

		system, user := buildBulkMapPrompt(doc.Title, text, batch)
		raw, err := s.ai.GenerateText(ctx, system, user)
		if err != nil {
			s.log.Warn("Bulk-map batch call failed, skipping", "job_id", job.ID, "batch", i+1, "error", err)
			for id := range batchIDs {
				unassessed[id] = struct{}{}
			}
			failedBatches++
			continue
		}
		verdicts, path := parseBatchVerdicts(raw)
		if path == ParsePathNone {
			s.log.Warn("Bulk-map batch response unparseable, skipping", "job_id", job.ID, "batch", i+1)
			for id := range batchIDs {
				unassessed[id] = struct{}{}
			}
			failedBatches++
			continue
		}

		for _, v := range verdicts {
			controlID, err := uuid.Parse(v.ID)
			if err != nil {
				continue
			}
			if _, inBatch := batchIDs[controlID]; !inBatch {
				// The model returned an id outside this batch; ignore it.
				continue
			}
			score := clampScore(v.Score)
			if score < meaningfulScoreThreshold {
				continue
			}
			status := aiCoverageStatus(score)

			if m, ok := byControl[controlID]; ok {
				if err := s.mappingRepo.UpdateFields(ctx, nil, m.ID, map[string]interface{}{
					"ai_match_score":           score,
					"ai_match_rationale":       v.Rationale,
					"ai_match_recommendations": v.Recommendations,
					"coverage_status":          status,
				}); err != nil {
					s.log.Warn("Failed to update mapping", "mapping_id", m.ID, "error", err)
					continue
				}
				updated++
			} else {
				// A concurrent run may have linked this pair since the
				// candidate snapshot; resolve through the pair lookup rather
				// than creating a duplicate.
				current, err := s.mappingRepo.GetByPair(ctx, nil, controlID, doc.ID)
				if err != nil {
					s.log.Warn("Failed to look up mapping pair", "control_id", controlID, "error", err)
					continue
				}
				if current != nil {
					if err := s.mappingRepo.UpdateFields(ctx, nil, current.ID, map[string]interface{}{
						"ai_match_score":           score,
						"ai_match_rationale":       v.Rationale,
						"ai_match_recommendations": v.Recommendations,
						"coverage_status":          status,
					}); err != nil {
						s.log.Warn("Failed to update mapping", "mapping_id", current.ID, "error", err)
						continue
					}
					updated++
				} else {
					scoreCopy := score
					if _, err := s.mappingRepo.Create(ctx, nil, &types.ControlMapping{
						ControlID:              controlID,
						DocumentID:             doc.ID,
						CoverageStatus:         status,
						Rationale:              fmt.Sprintf("AI coverage assessment: %d%%", score),
						AIMatchScore:           &scoreCopy,
						AIMatchRationale:       v.Rationale,
						AIMatchRecommendations: v.Recommendations,
					}); err != nil {
						s.log.Warn("Failed to create mapping", "control_id", controlID, "error", err)
						continue
					}
					created++
				}
			}
			matched[controlID] = struct{}{}
		}
	}

	if s.isCancelled(ctx, job.ID) {
		return
	}

	// Retire lexical-only mappings the AI pass no longer supports. Mappings
	// with human rationale or an AI score are never touched here, and neither
	// is anything the model never got to assess.
	retired := 0
	for _, m := range existing {
		if !m.IsAutoGenerated() || m.HasAIScore() {
			continue
		}
		if _, ok := matched[m.ControlID]; ok {
			continue
		}
		if _, ok := unassessed[m.ControlID]; ok {
			continue
		}
		if err := s.mappingRepo.Delete(ctx, nil, m.ID); err != nil {
			s.log.Warn("Failed to retire mapping", "mapping_id", m.ID, "error", err)
			continue
		}
		retired++
	}

	s.completeJob(ctx, job.ID, map[string]any{
		"matched":        len(matched),
		"created":        created,
		"updated":        updated,
		"retired":        retired,
		"batches":        len(batches),
		"failed_batches": failedBatches,
	})
}

func partitionControls(controls []*types.Control, size int) [][]*types.Control {
	if size <= 0 || len(controls) == 0 {
		return nil
	}
	var out [][]*types.Control
	for start := 0; start < len(controls); start += size {
		end := start + size
		if end > len(controls) {
			end = len(controls)
		}
		out = append(out, controls[start:end])
	}
	return out
}
