package task

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/storage/mysql/mysqltest"
)

var runColumnNames = []string{
	"id", "prompt", "max_iterations", "status", "attempts", "max_retries",
	"last_error", "error_code", "run_state", "created_at", "updated_at",
}

func runRow(id string, status Status, attempts int, runState any) []driver.Value {
	return []driver.Value{id, "what causes tides", int64(3), string(status), int64(attempts), int64(2), "", "", runState, int64(100), int64(200)}
}

func newScriptedStore(t *testing.T, ops ...mysqltest.Op) (*MySQLStore, *mysqltest.Driver) {
	t.Helper()
	db, drv := mysqltest.Open(t, ops...)
	store := NewMySQLStore(db)
	store.now = func() time.Time { return time.Unix(300, 0) }
	return store, drv
}

func TestMySQLStoreCreate(t *testing.T) {
	const insert = `INSERT INTO reflexion_runs
        (id, prompt, max_iterations, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	store, drv := newScriptedStore(t,
		mysqltest.Exec(insert, mysqltest.Result{Affected: 1}).
			WithArgs("run-1", "what causes tides", 3, "pending", 0, 2, int64(300), int64(300)),
		mysqltest.Exec(insert, mysqltest.Result{}).
			WithError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)

	task := &Task{ID: "run-1", Prompt: "what causes tides", MaxIterations: 3, MaxRetries: 2}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != StatusPending || task.CreatedAt != 300 {
		t.Fatalf("create did not fill defaults: %+v", task)
	}
	if err := store.Create(context.Background(), &Task{ID: "run-1", Prompt: "again"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreClaimAndDecode(t *testing.T) {
	run := finishedRun("Tides follow the moon [1].", agent.StopConverged, 41.5)
	encoded, err := json.Marshal(run)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	const claim = `UPDATE reflexion_runs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
	get := `SELECT ` + runColumns + ` FROM reflexion_runs WHERE id = ?`

	store, drv := newScriptedStore(t,
		mysqltest.Exec(claim, mysqltest.Result{Affected: 1}).WithArgs("running", int64(300), "run-1", "pending"),
		mysqltest.Query(get, mysqltest.Rows{Columns: runColumnNames, Values: [][]driver.Value{runRow("run-1", StatusRunning, 1, nil)}}),
		mysqltest.Exec(claim, mysqltest.Result{Affected: 0}),
		mysqltest.Query(get, mysqltest.Rows{Columns: runColumnNames, Values: [][]driver.Value{runRow("run-2", StatusSucceeded, 1, string(encoded))}}),
		mysqltest.Query(get, mysqltest.Rows{Columns: runColumnNames}).WithArgs("missing"),
	)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "run-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 || claimed.Run != nil {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	finished, err := store.Claim(ctx, "run-2")
	if !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}
	if finished.Run == nil || finished.Run.Answer != run.Answer || finished.FinalScore() != 41.5 {
		t.Fatalf("run state not decoded: %+v", finished.Run)
	}

	if _, err := store.Get(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreMarkSucceededGuardsStatus(t *testing.T) {
	const update = `UPDATE reflexion_runs SET status = ?, last_error = '', error_code = '',
        stop_reason = ?, iterations = ?, final_score = ?, answer = ?, run_state = ?, updated_at = ?
        WHERE id = ? AND status IN (?)`
	get := `SELECT ` + runColumns + ` FROM reflexion_runs WHERE id = ?`

	store, drv := newScriptedStore(t,
		mysqltest.Exec(update, mysqltest.Result{Affected: 1}),
		mysqltest.Exec(update, mysqltest.Result{Affected: 0}),
		mysqltest.Query(get, mysqltest.Rows{Columns: runColumnNames, Values: [][]driver.Value{runRow("run-1", StatusCanceled, 1, nil)}}),
	)
	ctx := context.Background()
	run := finishedRun("answer", agent.StopPlateau, 30, 30.2, 30.4)

	if err := store.MarkSucceeded(ctx, "run-1", run); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "run-1", run); !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed error for canceled run, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreReleaseReturnsAttempt(t *testing.T) {
	const release = `UPDATE reflexion_runs SET status = ?, attempts = GREATEST(attempts - 1, 0), last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status IN (?)`
	get := `SELECT ` + runColumns + ` FROM reflexion_runs WHERE id = ?`

	store, drv := newScriptedStore(t,
		mysqltest.Exec(release, mysqltest.Result{Affected: 1}).
			WithArgs("pending", "shutdown", "RUN_CANCELED", int64(300), "run-1", "running"),
		mysqltest.Exec(release, mysqltest.Result{Affected: 0}),
		mysqltest.Query(get, mysqltest.Rows{Columns: runColumnNames, Values: [][]driver.Value{runRow("run-1", StatusPending, 0, nil)}}),
	)
	ctx := context.Background()

	if err := store.Release(ctx, "run-1", xerrors.CodeCanceled, "shutdown", nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, "run-1", xerrors.CodeCanceled, "shutdown", nil); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict for task that is not running, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreListBuildsFilters(t *testing.T) {
	query := `SELECT ` + runColumns + ` FROM reflexion_runs
        WHERE status IN (?,?) AND stop_reason IN (?) AND final_score >= ? AND (id LIKE ? OR prompt LIKE ? OR answer LIKE ? OR last_error LIKE ?)
        ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`

	store, drv := newScriptedStore(t,
		mysqltest.Query(query, mysqltest.Rows{
			Columns: runColumnNames,
			Values: [][]driver.Value{
				runRow("run-1", StatusSucceeded, 1, nil),
				runRow("run-2", StatusFailed, 2, nil),
			},
		}).WithArgs("succeeded", "failed", "converged", 50.0, "%tide%", "%tide%", "%tide%", "%tide%", 10, 0),
	)

	opts := buildListOptions([]ListOption{
		WithStatuses(StatusSucceeded, StatusFailed),
		WithStopReasons(agent.StopConverged),
		WithMinScore(50),
		WithQuery("tide"),
		WithLimit(10),
	})
	tasks, err := store.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[1].Status != StatusFailed {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreStats(t *testing.T) {
	store, drv := newScriptedStore(t,
		mysqltest.Query("", mysqltest.Rows{
			Columns: []string{"total", "pending", "running", "succeeded", "failed", "canceled", "average_score", "oldest", "newest"},
			Values:  [][]driver.Value{{int64(5), int64(1), int64(1), int64(2), int64(0), int64(1), 47.3333, int64(100), int64(400)}},
		}).WithArgs("pending", "running", "succeeded", "failed", "canceled"),
	)

	stats, err := store.Stats(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Succeeded != 2 || stats.Canceled != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AverageScore != 47.33 {
		t.Fatalf("average score not rounded: %v", stats.AverageScore)
	}
	drv.AssertConsumed(t)
}
