package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, serviceID := seedService(t, ctx, st)
	for i := 0; i < 4; i++ {
		issueTicket(t, ctx, st, serviceID, "")
	}

	engine := queue.NewEngine(st, queue.Options{MaxAttempts: 10, Logger: zerolog.Nop()})
	var wg sync.WaitGroup
	results := make(chan callResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := engine.CallNext(ctx, departmentID, queue.Meta{RequestID: uuid.NewString()})
			results <- callResult{ticketID: ticket.TicketID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		if seen[result.ticketID] {
			t.Fatalf("ticket %s called twice", result.ticketID)
		}
		seen[result.ticketID] = true
	}

	settings, err := st.GetQueueSettings(ctx, departmentID)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	current, err := st.GetTicket(ctx, settings.CurrentID())
	if err != nil {
		t.Fatalf("get current ticket: %v", err)
	}
	if current.Status != models.StatusServing || !seen[current.TicketID] {
		t.Fatalf("expected current pointer on a called serving ticket, got %+v", current)
	}
	waiting, err := st.ListWaiting(ctx, departmentID)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("expected 1 waiting ticket, got %d", len(waiting))
	}
}

func TestCallNextSurplusCallersFindQueueEmpty(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, serviceID := seedService(t, ctx, st)
	for i := 0; i < 2; i++ {
		issueTicket(t, ctx, st, serviceID, "")
	}

	const callers = 6
	engine := queue.NewEngine(st, queue.Options{Logger: zerolog.Nop()})
	var wg sync.WaitGroup
	results := make(chan callResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := engine.CallNext(ctx, departmentID, queue.Meta{RequestID: uuid.NewString()})
			results <- callResult{ticketID: ticket.TicketID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	empty := 0
	for result := range results {
		if result.err != nil {
			if queue.KindOf(result.err) != queue.KindNoTicketsWaiting {
				t.Fatalf("expected NoTicketsWaiting, got %v", result.err)
			}
			empty++
			continue
		}
		if seen[result.ticketID] {
			t.Fatalf("ticket %s called twice", result.ticketID)
		}
		seen[result.ticketID] = true
	}
	if len(seen) != 2 || empty != callers-2 {
		t.Fatalf("expected 2 successes and %d empty, got %d and %d", callers-2, len(seen), empty)
	}
}

func TestClaimTicketRejectsStaleObservation(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, serviceID := seedService(t, ctx, st)
	first := issueTicket(t, ctx, st, serviceID, "")
	second := issueTicket(t, ctx, st, serviceID, "")

	if _, _, err := st.ClaimTicket(ctx, store.ClaimInput{DepartmentID: departmentID, TicketID: first.TicketID}); err != nil {
		t.Fatalf("claim first: %v", err)
	}
	_, _, err := st.ClaimTicket(ctx, store.ClaimInput{DepartmentID: departmentID, TicketID: second.TicketID})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for stale observation, got %v", err)
	}
	_, _, err = st.ClaimTicket(ctx, store.ClaimInput{DepartmentID: departmentID, TicketID: first.TicketID, ExpectedCurrentID: first.TicketID, CompleteCurrent: true})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for non-waiting ticket, got %v", err)
	}

	untouched, err := st.GetTicket(ctx, second.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if untouched.Status != models.StatusWaiting {
		t.Fatalf("expected second ticket still waiting, got %s", untouched.Status)
	}
}

func TestIssueTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, serviceID := seedService(t, ctx, st)
	requestID := uuid.NewString()
	first := issueTicket(t, ctx, st, serviceID, requestID)
	second := issueTicket(t, ctx, st, serviceID, requestID)
	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket for duplicate request")
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'ticket.created'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket.created event, got %d", count)
	}
}

func TestCallNextRequestIDScopedToDepartment(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	deptA, serviceA := seedService(t, ctx, st)
	deptB, serviceB := seedService(t, ctx, st)
	issueTicket(t, ctx, st, serviceA, "")
	b := issueTicket(t, ctx, st, serviceB, "")

	engine := queue.NewEngine(st, queue.Options{Logger: zerolog.Nop()})
	meta := queue.Meta{RequestID: uuid.NewString()}
	first, err := engine.CallNext(ctx, deptA, meta)
	if err != nil {
		t.Fatalf("call next A: %v", err)
	}
	other, err := engine.CallNext(ctx, deptB, meta)
	if err != nil {
		t.Fatalf("call next B: %v", err)
	}
	if other.TicketID == first.TicketID || other.TicketID != b.TicketID {
		t.Fatalf("expected department B to serve its own ticket, got %+v", other)
	}
	replay, err := engine.CallNext(ctx, deptA, meta)
	if err != nil || replay.TicketID != first.TicketID {
		t.Fatalf("expected replay in A to return the first ticket, got %+v %v", replay, err)
	}
}

func TestTransferTicketPositions(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, sourceService := seedService(t, ctx, st)
	targetDepartment, targetService := seedService(t, ctx, st)
	issueTicket(t, ctx, st, targetService, "")
	issueTicket(t, ctx, st, targetService, "")
	moving := []models.Ticket{
		issueTicket(t, ctx, st, sourceService, ""),
		issueTicket(t, ctx, st, sourceService, ""),
	}

	var wg sync.WaitGroup
	positions := make(chan int, len(moving))
	for _, ticket := range moving {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result, _, err := st.TransferTicket(ctx, store.TransferInput{TicketID: id, TargetServiceID: targetService, Reason: "moved"})
			if err != nil {
				t.Errorf("transfer: %v", err)
				return
			}
			positions <- result.Record.NewPosition
		}(ticket.TicketID)
	}
	wg.Wait()
	close(positions)

	var got []int
	for p := range positions {
		got = append(got, p)
	}
	sort.Ints(got)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected positions [3 4], got %v", got)
	}

	moved, err := st.GetTicket(ctx, moving[0].TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if moved.DepartmentID != targetDepartment || moved.Number != moving[0].Number {
		t.Fatalf("unexpected moved ticket %+v", moved)
	}
	history, err := st.ListTransfers(ctx, moving[0].TicketID)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(history) != 1 || history[0].Reason != "moved" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestResetAndCleanupArchives(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, serviceID := seedService(t, ctx, st)
	var issued []models.Ticket
	for i := 0; i < 3; i++ {
		issued = append(issued, issueTicket(t, ctx, st, serviceID, ""))
	}

	now := time.Now().UTC()
	engine := queue.NewEngine(st, queue.Options{Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	if _, err := engine.CallNext(ctx, departmentID, queue.Meta{}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	outcome, err := engine.ResetQueue(ctx, departmentID, false, queue.Meta{Actor: "manager"})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if outcome.Cancelled != 3 {
		t.Fatalf("expected 3 cancelled, got %d", outcome.Cancelled)
	}

	later := queue.NewEngine(st, queue.Options{Logger: zerolog.Nop(), Now: func() time.Time { return now.Add(25 * time.Hour) }})
	result, err := later.PerformCleanup(ctx, departmentID)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.Archived != 3 || result.Failures != 0 {
		t.Fatalf("unexpected cleanup outcome %+v", result)
	}
	for _, ticket := range issued {
		if _, err := st.GetTicket(ctx, ticket.TicketID); !errors.Is(err, store.ErrTicketNotFound) {
			t.Fatalf("expected ticket removed, got %v", err)
		}
		if _, err := st.ListTransfers(ctx, ticket.TicketID); err != nil {
			t.Fatalf("expected archived history, got %v", err)
		}
	}

	next := issueTicket(t, ctx, st, serviceID, "")
	if next.Number != 1 {
		t.Fatalf("expected numbering to restart at 1, got %d", next.Number)
	}
}

func TestDeleteRequiresArchive(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, serviceID := seedService(t, ctx, st)
	ticket := issueTicket(t, ctx, st, serviceID, "")
	if err := st.DeleteArchivedTicket(ctx, ticket.TicketID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state for waiting ticket, got %v", err)
	}
	if _, err := st.ResetQueue(ctx, store.ResetInput{DepartmentID: departmentID}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := st.DeleteArchivedTicket(ctx, ticket.TicketID); !errors.Is(err, store.ErrNotArchived) {
		t.Fatalf("expected not archived, got %v", err)
	}
	if _, err := st.GetTicket(ctx, ticket.TicketID); err != nil {
		t.Fatalf("expected ticket still live, got %v", err)
	}
}

func TestTicketEventChainSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	departmentID, serviceID := seedService(t, ctx, st)
	ticket := issueTicket(t, ctx, st, serviceID, "")
	if _, _, err := st.ClaimTicket(ctx, store.ClaimInput{DepartmentID: departmentID, TicketID: ticket.TicketID}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := st.FinishTicket(ctx, store.FinishInput{DepartmentID: departmentID, Action: store.ActionComplete}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	events, err := st.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list ticket events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

type callResult struct {
	ticketID string
	err      error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedService(t *testing.T, ctx context.Context, st *Store) (string, string) {
	t.Helper()
	departmentID := uuid.NewString()
	serviceID := uuid.NewString()
	if err := st.UpsertService(ctx, models.Service{ServiceID: serviceID, DepartmentID: departmentID, Name: "Service", Active: true}); err != nil {
		t.Fatalf("insert service: %v", err)
	}
	return departmentID, serviceID
}

func issueTicket(t *testing.T, ctx context.Context, st *Store, serviceID, requestID string) models.Ticket {
	t.Helper()
	ticket, _, err := st.IssueTicket(ctx, store.IssueTicketInput{
		RequestID: requestID,
		ServiceID: serviceID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	return ticket
}
