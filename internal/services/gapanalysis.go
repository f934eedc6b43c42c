package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/matching"
	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/repos"
	"github.com/complyhq/compliance-backend/internal/types"
)

type ControlRef struct {
	ControlID   uuid.UUID `json:"control_id"`
	ControlCode string    `json:"control_code"`
	Title       string    `json:"title"`
	SourceID    uuid.UUID `json:"source_id"`
	SourceName  string    `json:"source_name,omitempty"`
}

type BusinessUnitGaps struct {
	BusinessUnitID   uuid.UUID    `json:"business_unit_id"`
	BusinessUnitName string       `json:"business_unit_name"`
	MissingControls  []ControlRef `json:"missing_controls"`
}

// OverStrictMapping flags a unit-scoped mapping whose control belongs to a
// framework the unit's profile does not enable. Reported as a data-integrity
// signal; never auto-corrected.
type OverStrictMapping struct {
	MappingID      uuid.UUID `json:"mapping_id"`
	ControlID      uuid.UUID `json:"control_id"`
	ControlCode    string    `json:"control_code"`
	BusinessUnitID uuid.UUID `json:"business_unit_id"`
	SourceID       uuid.UUID `json:"source_id"`
	SourceName     string    `json:"source_name,omitempty"`
}

type ContentAnalysisEntry struct {
	MappingID      uuid.UUID `json:"mapping_id"`
	ControlID      uuid.UUID `json:"control_id"`
	DocumentID     uuid.UUID `json:"document_id"`
	MatchRatio     float64   `json:"match_ratio"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Changed        bool      `json:"changed"`
}

type GapSummary struct {
	TotalControls      int `json:"total_controls"`
	UnmappedControls   int `json:"unmapped_controls"`
	OverStrictMappings int `json:"over_strict_mappings"`
	StatusChanges      int `json:"status_changes"`
}

type GapAnalysisReport struct {
	Summary          GapSummary             `json:"summary"`
	UnmappedControls []ControlRef           `json:"unmapped_controls"`
	PerBusinessUnit  []BusinessUnitGaps     `json:"per_business_unit_gaps"`
	OverStrict       []OverStrictMapping    `json:"over_strict_mappings"`
	ContentAnalysis  []ContentAnalysisEntry `json:"content_analysis"`
}

// GapAnalysisService recomputes coverage views on demand from the full
// current state. It runs synchronously; no job row is involved.
type GapAnalysisService interface {
	Refresh(ctx context.Context) (*GapAnalysisReport, error)
}

type gapAnalysisService struct {
	db          *gorm.DB
	log         *logger.Logger
	termCfg     *matching.TermConfig
	controlRepo repos.ControlRepo
	docRepo     repos.DocumentRepo
	versionRepo repos.DocumentVersionRepo
	mappingRepo repos.ControlMappingRepo
	unitRepo    repos.BusinessUnitRepo
	profileRepo repos.RegulatoryProfileRepo
	sourceRepo  repos.RegulatorySourceRepo
}

func NewGapAnalysisService(
	db *gorm.DB,
	baseLog *logger.Logger,
	termCfg *matching.TermConfig,
	controlRepo repos.ControlRepo,
	docRepo repos.DocumentRepo,
	versionRepo repos.DocumentVersionRepo,
	mappingRepo repos.ControlMappingRepo,
	unitRepo repos.BusinessUnitRepo,
	profileRepo repos.RegulatoryProfileRepo,
	sourceRepo repos.RegulatorySourceRepo,
) GapAnalysisService {
	if termCfg == nil {
		termCfg = matching.DefaultTermConfig()
	}
	return &gapAnalysisService{
		db:          db,
		log:         baseLog.With("service", "GapAnalysisService"),
		termCfg:     termCfg,
		controlRepo: controlRepo,
		docRepo:     docRepo,
		versionRepo: versionRepo,
		mappingRepo: mappingRepo,
		unitRepo:    unitRepo,
		profileRepo: profileRepo,
		sourceRepo:  sourceRepo,
	}
}

func (s *gapAnalysisService) Refresh(ctx context.Context) (*GapAnalysisReport, error) {
	controls, err := s.controlRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load controls: %w", err)
	}
	mappings, err := s.mappingRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	units, err := s.unitRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load business units: %w", err)
	}
	profiles, err := s.profileRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load regulatory profiles: %w", err)
	}
	sources, err := s.sourceRepo.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load regulatory sources: %w", err)
	}
	sourceNames := make(map[uuid.UUID]string, len(sources))
	for _, src := range sources {
		sourceNames[src.ID] = src.Name
	}

	report := &GapAnalysisReport{
		UnmappedControls: []ControlRef{},
		PerBusinessUnit:  []BusinessUnitGaps{},
		OverStrict:       []OverStrictMapping{},
		ContentAnalysis:  []ContentAnalysisEntry{},
	}
	report.Summary.TotalControls = len(controls)

	// Sources enabled anywhere, and per business unit.
	enabledAnywhere := make(map[uuid.UUID]struct{})
	enabledByUnit := make(map[uuid.UUID]map[uuid.UUID]struct{})
	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		enabledAnywhere[p.SourceID] = struct{}{}
		if enabledByUnit[p.BusinessUnitID] == nil {
			enabledByUnit[p.BusinessUnitID] = make(map[uuid.UUID]struct{})
		}
		enabledByUnit[p.BusinessUnitID][p.SourceID] = struct{}{}
	}

	mappedControls := make(map[uuid.UUID]struct{})
	// Controls mapped globally or scoped per unit.
	mappedForUnit := make(map[uuid.UUID]map[uuid.UUID]struct{})
	mappedGlobally := make(map[uuid.UUID]struct{})
	for _, m := range mappings {
		mappedControls[m.ControlID] = struct{}{}
		if m.BusinessUnitID == nil {
			mappedGlobally[m.ControlID] = struct{}{}
			continue
		}
		if mappedForUnit[*m.BusinessUnitID] == nil {
			mappedForUnit[*m.BusinessUnitID] = make(map[uuid.UUID]struct{})
		}
		mappedForUnit[*m.BusinessUnitID][m.ControlID] = struct{}{}
	}

	controlsByID := make(map[uuid.UUID]*types.Control, len(controls))
	for _, c := range controls {
		controlsByID[c.ID] = c

		if _, enabled := enabledAnywhere[c.SourceID]; !enabled {
			continue
		}
		if _, mapped := mappedControls[c.ID]; mapped {
			continue
		}
		report.UnmappedControls = append(report.UnmappedControls, ControlRef{
			ControlID:   c.ID,
			ControlCode: c.Code,
			Title:       c.Title,
			SourceID:    c.SourceID,
			SourceName:  sourceNames[c.SourceID],
		})
	}
	report.Summary.UnmappedControls = len(report.UnmappedControls)

	for _, unit := range units {
		enabled := enabledByUnit[unit.ID]
		if len(enabled) == 0 {
			continue
		}
		gaps := BusinessUnitGaps{
			BusinessUnitID:   unit.ID,
			BusinessUnitName: unit.Name,
			MissingControls:  []ControlRef{},
		}
		for _, c := range controls {
			if _, ok := enabled[c.SourceID]; !ok {
				continue
			}
			if _, ok := mappedGlobally[c.ID]; ok {
				continue
			}
			if byUnit := mappedForUnit[unit.ID]; byUnit != nil {
				if _, ok := byUnit[c.ID]; ok {
					continue
				}
			}
			gaps.MissingControls = append(gaps.MissingControls, ControlRef{
				ControlID:   c.ID,
				ControlCode: c.Code,
				Title:       c.Title,
				SourceID:    c.SourceID,
				SourceName:  sourceNames[c.SourceID],
			})
		}
		if len(gaps.MissingControls) > 0 {
			report.PerBusinessUnit = append(report.PerBusinessUnit, gaps)
		}
	}

	for _, m := range mappings {
		if m.BusinessUnitID == nil {
			continue
		}
		control, ok := controlsByID[m.ControlID]
		if !ok {
			continue
		}
		enabled := enabledByUnit[*m.BusinessUnitID]
		if enabled != nil {
			if _, ok := enabled[control.SourceID]; ok {
				continue
			}
		}
		report.OverStrict = append(report.OverStrict, OverStrictMapping{
			MappingID:      m.ID,
			ControlID:      m.ControlID,
			ControlCode:    control.Code,
			BusinessUnitID: *m.BusinessUnitID,
			SourceID:       control.SourceID,
			SourceName:     sourceNames[control.SourceID],
		})
	}
	report.Summary.OverStrictMappings = len(report.OverStrict)

	entries, err := s.recomputeContentCoverage(ctx, mappings, controlsByID)
	if err != nil {
		return nil, err
	}
	report.ContentAnalysis = entries
	for _, e := range entries {
		if e.Changed {
			report.Summary.StatusChanges++
		}
	}

	s.log.Info("Gap analysis refreshed",
		"unmapped", report.Summary.UnmappedControls,
		"over_strict", report.Summary.OverStrictMappings,
		"status_changes", report.Summary.StatusChanges,
	)
	return report, nil
}

// recomputeContentCoverage reclassifies each mapping by the fraction of the
// control's key phrases contained in the document text. Substring
// containment on purpose: this is a cheaper, coarser signal than the
// weighted auto-map scorer and is kept separate from it. Only mappings whose
// status actually changes are written back.
func (s *gapAnalysisService) recomputeContentCoverage(
	ctx context.Context,
	mappings []*types.ControlMapping,
	controlsByID map[uuid.UUID]*types.Control,
) ([]ContentAnalysisEntry, error) {
	entries := []ContentAnalysisEntry{}
	textByDoc := make(map[uuid.UUID]string)

	for _, m := range mappings {
		control, ok := controlsByID[m.ControlID]
		if !ok {
			continue
		}

		text, cached := textByDoc[m.DocumentID]
		if !cached {
			versions, err := s.versionRepo.GetByDocument(ctx, nil, m.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("load versions for document %s: %w", m.DocumentID, err)
			}
			if v := repos.EffectiveVersion(versions); v != nil {
				text = strings.ToLower(v.ExtractedText)
			}
			textByDoc[m.DocumentID] = text
		}
		if len(strings.TrimSpace(text)) < minDocTextLength {
			continue
		}

		phraseSource := control.Title + " " + control.Description
		if control.EvidenceHint != "" {
			phraseSource += " " + control.EvidenceHint
		}
		phrases := matching.KeyPhrases(phraseSource, s.termCfg)
		if len(phrases) == 0 {
			continue
		}
		hit := 0
		for _, p := range phrases {
			if strings.Contains(text, p) {
				hit++
			}
		}
		ratio := float64(hit) / float64(len(phrases))
		newStatus := matching.ClassifyContainmentRatio(ratio)

		entry := ContentAnalysisEntry{
			MappingID:      m.ID,
			ControlID:      m.ControlID,
			DocumentID:     m.DocumentID,
			MatchRatio:     ratio,
			PreviousStatus: m.CoverageStatus,
			NewStatus:      newStatus,
			Changed:        newStatus != m.CoverageStatus,
		}
		if entry.Changed {
			if err := s.mappingRepo.UpdateFields(ctx, nil, m.ID, map[string]interface{}{
				"coverage_status": newStatus,
			}); err != nil {
				return nil, fmt.Errorf("update mapping %s: %w", m.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
