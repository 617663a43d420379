package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/ensemble/internal/server"
	"github.com/mohammad-safakhou/ensemble/internal/store"
)

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ensemble",
			"POSTGRES_PASSWORD": "ensemble",
			"POSTGRES_DB":       "ensemble",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(1).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get host: %v", err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", "ensemble", "ensemble", host, port.Port(), "ensemble")
	return pg, dsn
}

func findMigrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory from test cwd")
	return ""
}

// Exercises the whole run lifecycle against a real postgres: schema
// migration, claim racing, baseline gating, cascade, and result rows.
func TestStoreLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pg, dsn := startPostgres(t, ctx)
	defer func() { _ = pg.Terminate(ctx) }()

	// run migrations explicitly, retry a few times for readiness
	migDir := findMigrationsDir(t)
	var migErr error
	for i := 0; i < 6; i++ {
		migErr = server.Migrate(migDir, dsn, "up", 0)
		if migErr == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if migErr != nil {
		t.Fatalf("migrate up failed after retries: %v", migErr)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}

	simID, err := st.CreateSimulation(ctx, "integration", "claim race check", 3, 17)
	if err != nil {
		t.Fatalf("CreateSimulation: %v", err)
	}
	if err := st.CreateTrials(ctx, simID, 3); err != nil {
		t.Fatalf("CreateTrials: %v", err)
	}
	if _, err := st.CreateExperiment(ctx, simID, "base", store.RoleBaseline, ""); err != nil {
		t.Fatalf("CreateExperiment base: %v", err)
	}
	taxExpID, err := st.CreateExperiment(ctx, simID, "tax", store.RolePolicy, "")
	if err != nil {
		t.Fatalf("CreateExperiment tax: %v", err)
	}
	if _, err := st.CreateExperiment(ctx, simID, "base", store.RoleBaseline, ""); err == nil {
		t.Fatal("duplicate experiment name must be rejected")
	}

	created, err := st.CreateRuns(ctx, simID, nil)
	if err != nil {
		t.Fatalf("CreateRuns: %v", err)
	}
	if created != 6 {
		t.Fatalf("created %d runs, want 6 (2 experiments x 3 trials)", created)
	}
	if again, _ := st.CreateRuns(ctx, simID, nil); again != 0 {
		t.Fatalf("rerun created %d extra runs, want 0", again)
	}

	// policy runs stay invisible until their trial's baseline succeeds
	claimable, err := st.ListClaimable(ctx, simID, 10)
	if err != nil {
		t.Fatalf("ListClaimable: %v", err)
	}
	if len(claimable) != 3 {
		t.Fatalf("claimable = %d runs, want the 3 baselines", len(claimable))
	}
	for _, c := range claimable {
		if c.Role != store.RoleBaseline {
			t.Fatalf("policy run %d claimable before its baseline succeeded", c.RunID)
		}
	}

	// two workers race for the same run; exactly one claim lands
	target := claimable[0]
	var wins int32
	var winner atomic.Value
	var wg sync.WaitGroup
	for _, workerID := range []string{"worker-aaaa1111", "worker-bbbb2222"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := st.ClaimRun(ctx, target.RunID, id, "")
			if err != nil {
				t.Errorf("ClaimRun(%s): %v", id, err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
				winner.Store(id)
			}
		}(workerID)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("claim race produced %d winners, want exactly 1", wins)
	}

	winnerID := winner.Load().(string)
	if err := st.MarkRunning(ctx, target.RunID, winnerID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := st.FinishRun(ctx, target.RunID, store.RunStatusSucceeded, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// now the succeeded trial's policy run is claimable
	claimable, err = st.ListClaimable(ctx, simID, 10)
	if err != nil {
		t.Fatalf("ListClaimable: %v", err)
	}
	var sawPolicy bool
	var baselineNext store.RunInfo
	for _, c := range claimable {
		if c.Role == store.RolePolicy && c.TrialNum == target.TrialNum {
			sawPolicy = true
		}
		if c.Role == store.RoleBaseline && baselineNext.RunID == 0 {
			baselineNext = c
		}
	}
	if !sawPolicy {
		t.Fatal("policy run not claimable after baseline success")
	}
	if baselineNext.RunID == 0 {
		t.Fatal("expected another baseline candidate")
	}

	// fail a baseline with no retries left; its policy run cascades
	if ok, err := st.ClaimRun(ctx, baselineNext.RunID, "worker-cccc3333", ""); err != nil || !ok {
		t.Fatalf("claim baseline %d: ok=%v err=%v", baselineNext.RunID, ok, err)
	}
	if err := st.MarkRunning(ctx, baselineNext.RunID, "worker-cccc3333"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	boom := "model exploded"
	if err := st.FinishRun(ctx, baselineNext.RunID, store.RunStatusFailed, &boom); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if n, err := st.RetryFailed(ctx, simID, 0); err != nil || n != 0 {
		t.Fatalf("RetryFailed: n=%d err=%v, want 0 retries at maxRetries=0", n, err)
	}
	aborted, err := st.CascadeAbort(ctx, simID, 0)
	if err != nil {
		t.Fatalf("CascadeAbort: %v", err)
	}
	if aborted != 1 {
		t.Fatalf("cascade aborted %d runs, want 1", aborted)
	}
	abortedRuns, err := st.ListRuns(ctx, simID, store.RunStatusAborted)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(abortedRuns) != 1 || abortedRuns[0].TrialNum != baselineNext.TrialNum {
		t.Fatalf("unexpected aborted runs: %+v", abortedRuns)
	}

	// retry appends a fresh pending attempt once the limit allows it
	if n, err := st.RetryFailed(ctx, simID, 2); err != nil || n != 1 {
		t.Fatalf("RetryFailed: n=%d err=%v, want 1", n, err)
	}

	// draws are write-once; saving twice leaves one row
	dist, _ := json.Marshal(map[string]interface{}{"kind": "uniform", "min": 0, "max": 1})
	paramID, err := st.UpsertParameter(ctx, store.Parameter{SimID: simID, Name: "discount-rate", Mode: "shared", Apply: "direct", Dist: dist})
	if err != nil {
		t.Fatalf("UpsertParameter: %v", err)
	}
	vals := []store.InputValue{{ParamID: paramID, TrialNum: target.TrialNum, Value: 0.5}}
	if err := st.SaveInputValues(ctx, simID, vals); err != nil {
		t.Fatalf("SaveInputValues: %v", err)
	}
	if err := st.SaveInputValues(ctx, simID, vals); err != nil {
		t.Fatalf("SaveInputValues rerun: %v", err)
	}
	inputs, err := st.InputValuesForTrial(ctx, simID, target.TrialNum, taxExpID)
	if err != nil {
		t.Fatalf("InputValuesForTrial: %v", err)
	}
	if len(inputs) != 1 || inputs[0].Value != 0.5 {
		t.Fatalf("unexpected trial inputs: %+v", inputs)
	}

	// results land in result_view once the run succeeded
	err = st.SaveRunResults(ctx, target.RunID, []string{"co2-total", "co2-by-year"},
		map[string]float64{"co2-total": 123.5},
		map[string][]store.YearValue{"co2-by-year": {{Year: 2030, Value: 60}, {Year: 2035, Value: 63.5}}})
	if err != nil {
		t.Fatalf("SaveRunResults: %v", err)
	}
	got, ok, err := st.GetOutputValue(ctx, target.RunID, "co2-total")
	if err != nil || !ok || got != 123.5 {
		t.Fatalf("GetOutputValue: %v %v %v", got, ok, err)
	}
	resultRows, err := st.Results(ctx, simID, "co2-total")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(resultRows) != 1 || resultRows[0].Experiment != "base" {
		t.Fatalf("unexpected result rows: %+v", resultRows)
	}

	// cancellation flag round-trip
	if err := st.RequestCancel(ctx, simID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	flagged, err := st.CancelRequested(ctx, simID)
	if err != nil || !flagged {
		t.Fatalf("CancelRequested: %v %v", flagged, err)
	}
}
