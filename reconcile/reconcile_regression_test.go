package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/fingerprint"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/ledgersync"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/matching"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/reconcile"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
)

// fakeLedger is an in-memory LedgerAPI. Pages are addressed by cursor
// ("" -> page 0, "p1" -> page 1, ...) and marker writes mutate the stored
// transactions, so a later refresh sees them the way the real ledger would
// show them.
type fakeLedger struct {
	mu           sync.Mutex
	pages        [][]ledgersync.LedgerTransaction
	failPage     int // 1-based page whose fetch fails; 0 disables
	listCursors  []string
	markerWrites int
}

func (f *fakeLedger) pageIndex(cursor string) int {
	if cursor == "" {
		return 0
	}
	var n int
	fmt.Sscanf(cursor, "p%d", &n)
	return n
}

func (f *fakeLedger) ListEntries(ctx context.Context, updatedSince, cursor string, limit int) (ledgersync.LedgerPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCursors = append(f.listCursors, cursor)

	idx := f.pageIndex(cursor)
	if f.failPage > 0 && idx+1 == f.failPage {
		return ledgersync.LedgerPage{}, errors.New("ledger api unavailable")
	}
	if idx >= len(f.pages) {
		return ledgersync.LedgerPage{}, nil
	}
	page := ledgersync.LedgerPage{Transactions: append([]ledgersync.LedgerTransaction(nil), f.pages[idx]...)}
	if idx+1 < len(f.pages) {
		page.NextCursor = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func (f *fakeLedger) UpdateLinkageMarker(ctx context.Context, externalTxId string, markers fingerprint.Markers, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markerWrites++
	for i := range f.pages {
		for j := range f.pages[i] {
			if f.pages[i][j].ID == externalTxId {
				f.pages[i][j].ExternalID = markers.ExternalID
				f.pages[i][j].InternalReference = markers.InternalReference
				f.pages[i][j].Notes = strings.TrimSpace(markers.NotesMarker + "\n" + note)
			}
		}
	}
	return nil
}

func (f *fakeLedger) FindByMarker(ctx context.Context, marker string) (*ledgersync.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.pages {
		for j := range f.pages[i] {
			if f.pages[i][j].ExternalID == marker {
				tx := f.pages[i][j]
				return &tx, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeLedger) CreateEntry(ctx context.Context, input ledgersync.NewLedgerTransaction) (*ledgersync.LedgerTransaction, error) {
	return nil, errors.New("not supported by fake ledger")
}

func (f *fakeLedger) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markerWrites
}

func (f *fakeLedger) cursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listCursors...)
}

type fakeDocs struct {
	docs []ledgersync.SourceDocument
}

func (f *fakeDocs) ListCandidates(ctx context.Context, tag, cursor string, limit int) (ledgersync.DocumentPage, error) {
	return ledgersync.DocumentPage{Documents: f.docs}, nil
}

func newTestOrchestrator(t *testing.T, ledger ledgersync.LedgerAPI, docs ledgersync.DocumentAPI) *reconcile.Orchestrator {
	t.Helper()
	mirror := ledgersync.NewMirror(config.GetDB(), ledger, docs)
	return reconcile.NewOrchestrator(config.GetDB(), mirror, matching.NewEngine(matching.PolicyFromEnv()))
}

func setupIntegration(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "ledgerlink_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
}

// A run that links a document must be safe to execute again: same proposals,
// one linkage record, one ledger write, and the run lock released in between.
func TestRunExecuteIsIdempotentAcrossReruns(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()

	ledger := &fakeLedger{pages: [][]ledgersync.LedgerTransaction{{
		{ID: "tx-10", Description: "SPAR Kassabon", DestinationName: "SPAR",
			Amount: json.Number("35.70"), Currency: "EUR", Date: "2024-11-18"},
		{ID: "tx-11", Description: "Insurance premium", DestinationName: "Allianz",
			Amount: json.Number("120.00"), Currency: "EUR", Date: "2024-10-01"},
	}}}
	docs := &fakeDocs{docs: []ledgersync.SourceDocument{
		{ID: 501, Title: "SPAR Kassabon", Correspondent: "SPAR",
			Amount: json.Number("35.70"), Date: "2024-11-18"},
	}}

	orch := newTestOrchestrator(t, ledger, docs)
	db := config.GetDB()

	run1, err := orch.StartRun(ctx, "test")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := orch.Execute(ctx, run1.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got models.ReconciliationRun
	if err := db.Take(&got, run1.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if got.State != models.ReconRunStateCompleted {
		t.Fatalf("run state = %s, want COMPLETED", got.State)
	}
	if got.AutoLinked != 1 {
		t.Fatalf("auto_linked = %d, want 1", got.AutoLinked)
	}
	if ledger.writeCount() != 1 {
		t.Fatalf("marker writes = %d, want 1", ledger.writeCount())
	}

	var link models.LinkageRecord
	if err := db.Take(&link).Error; err != nil {
		t.Fatalf("load linkage: %v", err)
	}
	if link.DecisionSource != models.DecisionSourceAuto {
		t.Errorf("linkage decision_source = %s, want AUTO", link.DecisionSource)
	}
	if link.Method != models.LinkMethodAuto {
		t.Errorf("linkage method = %s, want AUTO", link.Method)
	}

	// The audit trail carries exactly one run-scoped summary row, with no
	// document attached.
	var summaries []models.InterpretationRun
	if err := db.Where("run_id = ? AND outcome = ?", run1.ID, "run_completed").
		Find(&summaries).Error; err != nil {
		t.Fatalf("load summaries: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("run summary rows = %d, want 1", len(summaries))
	}
	if summaries[0].DocumentId != nil {
		t.Errorf("summary document_id = %v, want nil", *summaries[0].DocumentId)
	}

	var proposalsBefore int64
	if err := db.Model(&models.MatchProposal{}).Count(&proposalsBefore).Error; err != nil {
		t.Fatalf("count proposals: %v", err)
	}

	// Re-delivery of the finished run is a no-op.
	if err := orch.Execute(ctx, run1.ID); err != nil {
		t.Fatalf("Execute redelivery: %v", err)
	}

	// A fresh run must be able to take the run lock; the first Execute has to
	// have released it on its own session.
	run2, err := orch.StartRun(ctx, "test")
	if err != nil {
		t.Fatalf("StartRun 2: %v", err)
	}
	if err := orch.Execute(ctx, run2.ID); err != nil {
		t.Fatalf("Execute 2: %v", err)
	}

	var linkCount int64
	if err := db.Model(&models.LinkageRecord{}).Count(&linkCount).Error; err != nil {
		t.Fatalf("count linkages: %v", err)
	}
	if linkCount != 1 {
		t.Errorf("linkage records = %d, want 1", linkCount)
	}
	if ledger.writeCount() != 1 {
		t.Errorf("marker writes after rerun = %d, want 1", ledger.writeCount())
	}

	var proposalsAfter int64
	if err := db.Model(&models.MatchProposal{}).Count(&proposalsAfter).Error; err != nil {
		t.Fatalf("count proposals: %v", err)
	}
	if proposalsAfter != proposalsBefore {
		t.Errorf("proposals = %d after rerun, want %d", proposalsAfter, proposalsBefore)
	}
}

// Linking the same pair twice must touch the ledger once; linking the entry
// to a second document must be refused.
func TestLinkageWriterWritesLedgerExactlyOnce(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()
	db := config.GetDB()

	fp, err := fingerprint.Generate("35.70", "2024-11-18", "SPAR", "SPAR Kassabon")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := fingerprint.Generate("35.70", "2024-11-18", "SPAR", "SPAR Kassabon duplicate upload")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	doc := models.DocumentCandidate{
		ExternalDocId: 601, Fingerprint: fp, Title: "SPAR Kassabon",
		Counterparty: "SPAR", Currency: "EUR",
		DocumentDate: time.Date(2024, 11, 18, 0, 0, 0, 0, time.UTC),
		Status:       models.DocumentStatusProposed,
	}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("create doc: %v", err)
	}
	other := models.DocumentCandidate{
		ExternalDocId: 602, Fingerprint: fp2, Title: "SPAR Kassabon (scan 2)",
		Counterparty: "SPAR", Currency: "EUR",
		DocumentDate: time.Date(2024, 11, 18, 0, 0, 0, 0, time.UTC),
		Status:       models.DocumentStatusProposed,
	}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("create doc: %v", err)
	}
	entry := models.LedgerEntry{
		ExternalTxId: "tx-10", Description: "SPAR Kassabon", Counterparty: "SPAR",
		Currency: "EUR", EntryDate: time.Date(2024, 11, 18, 0, 0, 0, 0, time.UTC),
		SyncedAt: time.Now(),
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}

	ledger := &fakeLedger{pages: [][]ledgersync.LedgerTransaction{{
		{ID: "tx-10", Amount: json.Number("35.70"), Date: "2024-11-18"},
	}}}
	writer := reconcile.NewLinkageWriter(db, ledger)

	first, err := writer.Link(ctx, &doc, &entry, models.LinkMethodManual, models.DecisionSourceUser, nil, nil)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	second, err := writer.Link(ctx, &doc, &entry, models.LinkMethodManual, models.DecisionSourceUser, nil, nil)
	if err != nil {
		t.Fatalf("Link again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second Link returned record %d, want %d", second.ID, first.ID)
	}
	if ledger.writeCount() != 1 {
		t.Errorf("marker writes = %d, want 1", ledger.writeCount())
	}

	if _, err := writer.Link(ctx, &other, &entry, models.LinkMethodManual, models.DecisionSourceUser, nil, nil); !utils.IsDuplicateLinkageError(err) {
		t.Errorf("linking a second document got %v, want DuplicateLinkageError", err)
	}
	if ledger.writeCount() != 1 {
		t.Errorf("marker writes after refusal = %d, want 1", ledger.writeCount())
	}
}

// A refresh that dies mid-way keeps the pages it applied, fails the run with
// the cursor of the failing page, and the next run resumes from that cursor.
func TestFailedRefreshKeepsCursorAndResumes(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()
	db := config.GetDB()

	ledger := &fakeLedger{
		pages: [][]ledgersync.LedgerTransaction{
			{{ID: "tx-20", Description: "Rent October", DestinationName: "Landlord BV",
				Amount: json.Number("900.00"), Currency: "EUR", Date: "2024-10-01"}},
			{{ID: "tx-21", Description: "Rent November", DestinationName: "Landlord BV",
				Amount: json.Number("900.00"), Currency: "EUR", Date: "2024-11-01"}},
		},
		failPage: 2,
	}
	docs := &fakeDocs{}

	orch := newTestOrchestrator(t, ledger, docs)

	run1, err := orch.StartRun(ctx, "test")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	err = orch.Execute(ctx, run1.ID)
	if !utils.IsConnectivityError(err) {
		t.Fatalf("Execute error = %v, want ConnectivityError", err)
	}

	var failed models.ReconciliationRun
	if err := db.Take(&failed, run1.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if failed.State != models.ReconRunStateFailed {
		t.Fatalf("run state = %s, want FAILED", failed.State)
	}
	if failed.FailureReason == nil || *failed.FailureReason == "" {
		t.Error("failure_reason should be recorded")
	}

	// Page 1 stayed applied.
	var applied int64
	if err := db.Model(&models.LedgerEntry{}).Where("external_tx_id = ?", "tx-20").Count(&applied).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if applied != 1 {
		t.Errorf("tx-20 rows = %d, want 1", applied)
	}

	// The failed run also leaves a run-scoped audit row.
	var failSummaries int64
	if err := db.Model(&models.InterpretationRun{}).
		Where("run_id = ? AND outcome = ?", run1.ID, "run_failed").
		Count(&failSummaries).Error; err != nil {
		t.Fatalf("count summaries: %v", err)
	}
	if failSummaries != 1 {
		t.Errorf("run_failed summary rows = %d, want 1", failSummaries)
	}

	ledger.failPage = 0

	run2, err := orch.StartRun(ctx, "test")
	if err != nil {
		t.Fatalf("StartRun 2: %v", err)
	}
	if err := orch.Execute(ctx, run2.ID); err != nil {
		t.Fatalf("Execute 2: %v", err)
	}

	// run 1 fetched "" then "p1" and died; run 2 must resume at "p1", not
	// replay the applied first page.
	cursors := ledger.cursors()
	if len(cursors) < 3 || cursors[2] != "p1" {
		t.Errorf("cursor sequence = %v, want third fetch at %q", cursors, "p1")
	}

	var completed models.ReconciliationRun
	if err := db.Take(&completed, run2.ID).Error; err != nil {
		t.Fatalf("load run 2: %v", err)
	}
	if completed.State != models.ReconRunStateCompleted {
		t.Errorf("run 2 state = %s, want COMPLETED", completed.State)
	}
	var resumed int64
	if err := db.Model(&models.LedgerEntry{}).Where("external_tx_id = ?", "tx-21").Count(&resumed).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if resumed != 1 {
		t.Errorf("tx-21 rows = %d, want 1", resumed)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("ledgerlink-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("ledgerlink-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=ledgerlink_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
