package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	pkgerrors "github.com/complyhq/compliance-backend/internal/pkg/errors"
	"github.com/complyhq/compliance-backend/internal/types"
)

type analysisFixture struct {
	store *fakeStore
	ai    *fakeAI
	svc   AnalysisJobService
}

func newAnalysisFixture(t *testing.T) *analysisFixture {
	t.Helper()
	store := newFakeStore()
	ai := &fakeAI{}
	svc := NewAnalysisJobService(nil, testLogger(), ai,
		&fakeJobRepo{s: store},
		&fakeControlRepo{s: store},
		&fakeDocumentRepo{s: store},
		&fakeVersionRepo{s: store},
		&fakeMappingRepo{s: store},
	)
	return &analysisFixture{store: store, ai: ai, svc: svc}
}

func (f *analysisFixture) seedPair(t *testing.T) (*types.Control, *types.Document, *types.ControlMapping) {
	t.Helper()
	control := f.store.seedControl(uuid.New(), "ENC-1", "Encryption At Rest", "customer data is encrypted at rest with managed keys")
	doc := f.store.seedDocument(
		"Encryption Standard",
		padText("All customer data stores encrypt content at rest using managed keys rotated yearly."),
		types.VersionStatusPublished,
	)
	mapping := f.store.seedMapping(&types.ControlMapping{
		ControlID:  control.ID,
		DocumentID: doc.ID,
		Rationale:  "linked manually",
	})
	return control, doc, mapping
}

func decodeResult(t *testing.T, job *types.AnalysisJob) map[string]any {
	t.Helper()
	if len(job.Result) == 0 {
		t.Fatalf("job %s has no result payload", job.ID)
	}
	var out map[string]any
	if err := json.Unmarshal(job.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

// ---------- single match ----------

func TestSingleMatch_CompletesAndPersists(t *testing.T) {
	f := newAnalysisFixture(t)
	_, _, mapping := f.seedPair(t)
	f.ai.fn = func(system, user string) (string, error) {
		return `{"score": 85, "rationale": "Document mandates encryption at rest.", "recommendations": "Document key rotation cadence."}`, nil
	}

	job, err := f.svc.DispatchSingleMatch(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if job.Status != types.JobStatusPending {
		t.Fatalf("dispatched job should start pending, got %q", job.Status)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (%s)", done.Status, done.ErrorMessage)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("expected start and completion timestamps, got %+v", done)
	}
	res := decodeResult(t, done)
	if res["score"] != float64(85) {
		t.Fatalf("expected score 85 in result, got %v", res["score"])
	}
	if res["coverage_status"] != types.CoverageCovered {
		t.Fatalf("expected Covered at score 85, got %v", res["coverage_status"])
	}

	after := f.store.mappingByPair(mapping.ControlID, mapping.DocumentID)
	if after.AIMatchScore == nil || *after.AIMatchScore != 85 {
		t.Fatalf("expected persisted AI score 85, got %+v", after.AIMatchScore)
	}
	if after.CoverageStatus != types.CoverageCovered {
		t.Fatalf("expected mapping reclassified Covered, got %q", after.CoverageStatus)
	}
	if after.Rationale != "linked manually" {
		t.Fatalf("single match must not rewrite the human rationale, got %q", after.Rationale)
	}
}

func TestSingleMatch_ClampsOutOfRangeScore(t *testing.T) {
	f := newAnalysisFixture(t)
	_, _, mapping := f.seedPair(t)
	f.ai.fn = func(system, user string) (string, error) {
		return `{"score": 140, "rationale": "Very strong match."}`, nil
	}

	job, err := f.svc.DispatchSingleMatch(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	after := f.store.mappingByPair(mapping.ControlID, mapping.DocumentID)
	if after.AIMatchScore == nil || *after.AIMatchScore != 100 {
		t.Fatalf("expected score clamped to 100, got %+v", after.AIMatchScore)
	}
	if res := decodeResult(t, f.store.jobByID(job.ID)); res["score"] != float64(100) {
		t.Fatalf("expected clamped score in result, got %v", res["score"])
	}
}

func TestSingleMatch_DiscardsScoreBelowThreshold(t *testing.T) {
	f := newAnalysisFixture(t)
	control := f.store.seedControl(uuid.New(), "ENC-1", "Encryption At Rest", "customer data is encrypted at rest")
	doc := f.store.seedDocument("Encryption Standard",
		padText("All customer data stores encrypt content at rest using managed keys."), types.VersionStatusPublished)
	mapping := f.store.seedMapping(&types.ControlMapping{
		ControlID:      control.ID,
		DocumentID:     doc.ID,
		CoverageStatus: types.CoverageCovered,
		Rationale:      "Reviewed by counsel, coverage confirmed.",
	})
	f.ai.fn = func(system, user string) (string, error) {
		return `{"score": 40, "rationale": "Only tangentially related."}`, nil
	}

	job, err := f.svc.DispatchSingleMatch(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (%s)", done.Status, done.ErrorMessage)
	}
	res := decodeResult(t, done)
	if res["matched"] != false {
		t.Fatalf("sub-threshold score must report no meaningful coverage, got %v", res["matched"])
	}
	if res["score"] != float64(40) {
		t.Fatalf("expected the discarded score echoed in the result, got %v", res["score"])
	}

	after := f.store.mappingByPair(mapping.ControlID, mapping.DocumentID)
	if after.AIMatchScore != nil {
		t.Fatalf("discarded score must not be persisted, got %v", *after.AIMatchScore)
	}
	if after.CoverageStatus != types.CoverageCovered {
		t.Fatalf("discarded score must not change coverage, got %q", after.CoverageStatus)
	}
	if after.Rationale != mapping.Rationale {
		t.Fatalf("discarded score must not touch the rationale, got %q", after.Rationale)
	}
}

func TestSingleMatch_ModelErrorFailsJob(t *testing.T) {
	f := newAnalysisFixture(t)
	_, _, mapping := f.seedPair(t)
	f.ai.fn = func(system, user string) (string, error) {
		return "", errors.New("rate limited")
	}

	job, err := f.svc.DispatchSingleMatch(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusFailed {
		t.Fatalf("expected failed job, got %q", done.Status)
	}
	if done.ErrorMessage == "" {
		t.Fatalf("expected an error message on the failed job")
	}
	after := f.store.mappingByPair(mapping.ControlID, mapping.DocumentID)
	if after.AIMatchScore != nil {
		t.Fatalf("failed run must not touch the mapping, got score %v", *after.AIMatchScore)
	}
}

func TestSingleMatch_UnparseableOutputCompletesEmpty(t *testing.T) {
	f := newAnalysisFixture(t)
	_, _, mapping := f.seedPair(t)
	f.ai.fn = func(system, user string) (string, error) {
		return "I am unable to assess this mapping.", nil
	}

	job, err := f.svc.DispatchSingleMatch(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("unparseable output is an empty result, not a failure; got %q", done.Status)
	}
	res := decodeResult(t, done)
	if res["matched"] != false {
		t.Fatalf("expected matched=false, got %v", res["matched"])
	}
	after := f.store.mappingByPair(mapping.ControlID, mapping.DocumentID)
	if after.AIMatchScore != nil {
		t.Fatalf("empty result must not touch the mapping")
	}
}

// ---------- dispatch validation ----------

func TestDispatchSingleMatch_UnknownMappingCreatesNoJob(t *testing.T) {
	f := newAnalysisFixture(t)

	_, err := f.svc.DispatchSingleMatch(context.Background(), uuid.New())
	if !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if f.store.jobCount() != 0 {
		t.Fatalf("failed dispatch must not leave a job row")
	}
}

func TestDispatchSingleMatch_ShortTextRejected(t *testing.T) {
	f := newAnalysisFixture(t)
	control := f.store.seedControl(uuid.New(), "ENC-1", "Encryption At Rest", "encrypt data at rest")
	doc := f.store.seedDocument("Stub", "too short", types.VersionStatusPublished)
	mapping := f.store.seedMapping(&types.ControlMapping{ControlID: control.ID, DocumentID: doc.ID})

	_, err := f.svc.DispatchSingleMatch(context.Background(), mapping.ID)
	if !errors.Is(err, pkgerrors.ErrNoUsableText) {
		t.Fatalf("expected no-usable-text, got %v", err)
	}
	if f.store.jobCount() != 0 {
		t.Fatalf("failed dispatch must not leave a job row")
	}
}

func TestDispatchCombinedCoverage_RequiresLinkedDocuments(t *testing.T) {
	f := newAnalysisFixture(t)
	control := f.store.seedControl(uuid.New(), "ENC-1", "Encryption At Rest", "encrypt data at rest")

	_, err := f.svc.DispatchCombinedCoverage(context.Background(), control.ID)
	if !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid-argument for unlinked control, got %v", err)
	}
	if f.store.jobCount() != 0 {
		t.Fatalf("failed dispatch must not leave a job row")
	}
}

// ---------- combined coverage ----------

func TestCombinedCoverage_FloorNeverLowersCoverage(t *testing.T) {
	f := newAnalysisFixture(t)
	control := f.store.seedControl(uuid.New(), "ENC-1", "Encryption At Rest", "customer data is encrypted at rest")
	docA := f.store.seedDocument("Encryption Standard",
		padText("All customer data stores encrypt content at rest using managed keys."), types.VersionStatusPublished)
	docB := f.store.seedDocument("Key Management Guide",
		padText("Key custodians rotate managed keys yearly and file attestations."), types.VersionStatusPublished)

	lowScore, highScore := 55, 70
	f.store.seedMapping(&types.ControlMapping{
		ControlID: control.ID, DocumentID: docA.ID, AIMatchScore: &lowScore,
	})
	f.store.seedMapping(&types.ControlMapping{
		ControlID: control.ID, DocumentID: docB.ID, AIMatchScore: &highScore,
	})

	// Model judges the combination lower than the best single document.
	f.ai.fn = func(system, user string) (string, error) {
		return `{"score": 60, "rationale": "Partial overlap across documents."}`, nil
	}

	job, err := f.svc.DispatchCombinedCoverage(context.Background(), control.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (%s)", done.Status, done.ErrorMessage)
	}
	res := decodeResult(t, done)
	if res["combined_score"] != float64(70) {
		t.Fatalf("combined score must be floored at 70, got %v", res["combined_score"])
	}
	if res["floor_score"] != float64(70) {
		t.Fatalf("expected floor 70, got %v", res["floor_score"])
	}
	if res["floored"] != true {
		t.Fatalf("expected floored flag set, got %v", res["floored"])
	}
	if res["documents_considered"] != float64(2) {
		t.Fatalf("expected 2 documents considered, got %v", res["documents_considered"])
	}
	if f.ai.callCount() != 1 {
		t.Fatalf("combined coverage makes one model call, got %d", f.ai.callCount())
	}
}

// ---------- bulk map ----------

func TestBulkMap_BatchFailureIsTolerated(t *testing.T) {
	f := newAnalysisFixture(t)
	source := uuid.New()
	var controls []*types.Control
	for i := 0; i < 30; i++ {
		controls = append(controls, f.store.seedControl(source,
			fmt.Sprintf("C-%02d", i), fmt.Sprintf("Control %02d", i), "some requirement"))
	}
	doc := f.store.seedDocument("Omnibus Policy",
		padText("One policy document that touches many different requirements across the program."),
		types.VersionStatusPublished)

	// Batch one answers with one good verdict, one below the meaningful
	// threshold and one id the model invented. Batch two fails outright.
	var mu sync.Mutex
	call := 0
	f.ai.fn = func(system, user string) (string, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		if n > 1 {
			return "", errors.New("rate limited")
		}
		return fmt.Sprintf(`[
  {"id": %q, "score": 90, "rationale": "Directly addressed."},
  {"id": %q, "score": 40, "rationale": "Barely related."},
  {"id": %q, "score": 95, "rationale": "Invented control."}
]`, controls[0].ID, controls[1].ID, uuid.New()), nil
	}

	job, err := f.svc.DispatchBulkMap(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("partial failure must still complete, got %q (%s)", done.Status, done.ErrorMessage)
	}
	res := decodeResult(t, done)
	if res["batches"] != float64(2) || res["failed_batches"] != float64(1) {
		t.Fatalf("expected 2 batches with 1 failure, got %v / %v", res["batches"], res["failed_batches"])
	}
	if res["created"] != float64(1) {
		t.Fatalf("expected exactly 1 created mapping, got %v", res["created"])
	}

	if got := f.store.mappingCount(); got != 1 {
		t.Fatalf("expected 1 mapping in store, got %d", got)
	}
	m := f.store.mappingByPair(controls[0].ID, doc.ID)
	if m == nil || m.AIMatchScore == nil || *m.AIMatchScore != 90 {
		t.Fatalf("expected AI-scored mapping for the good verdict, got %+v", m)
	}
	if m.CoverageStatus != types.CoverageCovered {
		t.Fatalf("expected Covered at score 90, got %q", m.CoverageStatus)
	}
	if f.store.mappingByPair(controls[1].ID, doc.ID) != nil {
		t.Fatalf("scores below the meaningful threshold must be discarded")
	}
}

func TestBulkMap_FailedBatchDoesNotRetire(t *testing.T) {
	f := newAnalysisFixture(t)
	source := uuid.New()
	var controls []*types.Control
	for i := 0; i < 30; i++ {
		controls = append(controls, f.store.seedControl(source,
			fmt.Sprintf("C-%02d", i), fmt.Sprintf("Control %02d", i), "some requirement"))
	}
	doc := f.store.seedDocument("Omnibus Policy",
		padText("One policy document that touches many different requirements across the program."),
		types.VersionStatusPublished)

	// Lexical-only mappings in each batch: the first batch is assessed and
	// drops its mapping, the second batch's call fails and its mapping must
	// survive untouched.
	assessed := f.store.seedMapping(&types.ControlMapping{
		ControlID: controls[0].ID, DocumentID: doc.ID,
		Rationale: types.AutoMappedPrefix + " 32% keyword match.",
	})
	unreached := f.store.seedMapping(&types.ControlMapping{
		ControlID: controls[27].ID, DocumentID: doc.ID,
		Rationale: types.AutoMappedPrefix + " 31% keyword match.",
	})

	var mu sync.Mutex
	call := 0
	f.ai.fn = func(system, user string) (string, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		if n > 1 {
			return "", errors.New("rate limited")
		}
		return "[]", nil
	}

	job, err := f.svc.DispatchBulkMap(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (%s)", done.Status, done.ErrorMessage)
	}
	res := decodeResult(t, done)
	if res["failed_batches"] != float64(1) {
		t.Fatalf("expected 1 failed batch, got %v", res["failed_batches"])
	}
	if res["retired"] != float64(1) {
		t.Fatalf("expected only the assessed batch's mapping retired, got %v", res["retired"])
	}

	if m := f.store.mappingByPair(controls[0].ID, doc.ID); m != nil {
		t.Fatalf("assessed but unsupported mapping should be retired, got %+v (was %s)", m, assessed.ID)
	}
	if m := f.store.mappingByPair(controls[27].ID, doc.ID); m == nil || m.ID != unreached.ID {
		t.Fatalf("mapping in the failed batch must not be retired")
	}
}

func TestBulkMap_UpgradesLexicalMappingAndRetiresUnsupported(t *testing.T) {
	f := newAnalysisFixture(t)
	source := uuid.New()
	supported := f.store.seedControl(source, "A-1", "Supported Control", "requirement one")
	dropped := f.store.seedControl(source, "B-1", "Dropped Control", "requirement two")
	human := f.store.seedControl(source, "C-1", "Human Control", "requirement three")
	doc := f.store.seedDocument("Omnibus Policy",
		padText("One policy document that touches many different requirements across the program."),
		types.VersionStatusPublished)

	supportedMapping := f.store.seedMapping(&types.ControlMapping{
		ControlID: supported.ID, DocumentID: doc.ID,
		Rationale: types.AutoMappedPrefix + " 35% keyword match.",
	})
	f.store.seedMapping(&types.ControlMapping{
		ControlID: dropped.ID, DocumentID: doc.ID,
		Rationale: types.AutoMappedPrefix + " 28% keyword match.",
	})
	humanMapping := f.store.seedMapping(&types.ControlMapping{
		ControlID: human.ID, DocumentID: doc.ID,
		Rationale: "Mapped after audit interview.",
	})

	f.ai.fn = func(system, user string) (string, error) {
		return fmt.Sprintf(`[{"id": %q, "score": 88, "rationale": "Clearly covered."}]`, supported.ID), nil
	}

	job, err := f.svc.DispatchBulkMap(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (%s)", done.Status, done.ErrorMessage)
	}
	res := decodeResult(t, done)
	if res["updated"] != float64(1) || res["created"] != float64(0) {
		t.Fatalf("expected 1 update and no creations, got %v / %v", res["updated"], res["created"])
	}
	if res["retired"] != float64(1) {
		t.Fatalf("expected 1 retired mapping, got %v", res["retired"])
	}

	up := f.store.mappingByPair(supported.ID, doc.ID)
	if up == nil || up.ID != supportedMapping.ID {
		t.Fatalf("expected the existing mapping upgraded in place, got %+v", up)
	}
	if up.AIMatchScore == nil || *up.AIMatchScore != 88 {
		t.Fatalf("expected AI score persisted on the lexical mapping, got %+v", up.AIMatchScore)
	}
	if f.store.mappingByPair(dropped.ID, doc.ID) != nil {
		t.Fatalf("unsupported lexical-only mapping should be retired")
	}
	if hm := f.store.mappingByPair(human.ID, doc.ID); hm == nil || hm.ID != humanMapping.ID {
		t.Fatalf("human mapping must never be retired")
	}
}

// ---------- cancellation ----------

func TestCancelJob_StopsBulkRunAtNextCheckpoint(t *testing.T) {
	f := newAnalysisFixture(t)
	source := uuid.New()
	lexical := f.store.seedControl(source, "A-1", "Lexical Control", "requirement one")
	other := f.store.seedControl(source, "B-1", "Other Control", "requirement two")
	doc := f.store.seedDocument("Omnibus Policy",
		padText("One policy document that touches many different requirements across the program."),
		types.VersionStatusPublished)
	lexicalMapping := f.store.seedMapping(&types.ControlMapping{
		ControlID: lexical.ID, DocumentID: doc.ID,
		Rationale: types.AutoMappedPrefix + " 30% keyword match.",
	})

	started := make(chan struct{})
	release := make(chan struct{})
	f.ai.fn = func(system, user string) (string, error) {
		close(started)
		<-release
		return fmt.Sprintf(`[{"id": %q, "score": 90}]`, other.ID), nil
	}

	ctx := context.Background()
	job, err := f.svc.DispatchBulkMap(ctx, doc.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	<-started
	if err := f.svc.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	f.svc.Wait()

	done := f.store.jobByID(job.ID)
	if done.Status != types.JobStatusCancelled {
		t.Fatalf("cancelled job must stay cancelled, got %q", done.Status)
	}
	if len(done.Result) != 0 {
		t.Fatalf("cancelled job must not record a completion result, got %s", done.Result)
	}
	if m := f.store.mappingByPair(lexical.ID, doc.ID); m == nil || m.ID != lexicalMapping.ID {
		t.Fatalf("cancelled run must not retire mappings")
	}
}

func TestCancelJob_TerminalJobRejected(t *testing.T) {
	f := newAnalysisFixture(t)
	jobRepo := &fakeJobRepo{s: f.store}
	created, err := jobRepo.Create(context.Background(), nil, &types.AnalysisJob{
		JobType:  types.JobTypeBulkMap,
		EntityID: uuid.New(),
		Status:   types.JobStatusCompleted,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	err = f.svc.CancelJob(context.Background(), created.ID)
	if !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid-argument cancelling a terminal job, got %v", err)
	}
	if got := f.store.jobByID(created.ID); got.Status != types.JobStatusCompleted {
		t.Fatalf("terminal status must not change, got %q", got.Status)
	}
}

func TestGetJob_UnknownID(t *testing.T) {
	f := newAnalysisFixture(t)
	if _, err := f.svc.GetJob(context.Background(), uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
