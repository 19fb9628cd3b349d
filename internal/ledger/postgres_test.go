//go:build container
// +build container

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/catalog"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	"github.com/router-for-me/CLIProxyAPICredits/internal/db"
	"github.com/router-for-me/CLIProxyAPICredits/internal/models"
	"github.com/shopspring/decimal"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "credits",
				"POSTGRES_PASSWORD": "credits",
				"POSTGRES_DB":       "credits",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://credits:credits@%s:%d/credits?sslmode=disable", host, port.Int())
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	// Second run must be a no-op.
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate postgres again: %v", err)
	}
	return conn
}

func TestPostgres_ConcurrentDebitsAcrossLedgers(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	cfg := config.DefaultBillingConfig()
	cat := catalog.New(conn, cfg)
	if _, err := cat.SeedDefaults(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Two ledgers stand in for two service replicas; only row locks serialize them.
	replicas := []*Ledger{
		New(conn, cat, Options{WelcomeGrant: cfg.WelcomeGrant}),
		New(conn, cat, Options{WelcomeGrant: cfg.WelcomeGrant}),
	}
	if _, err := replicas[0].Initialize(ctx, "user-a"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	const workers = 40
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := replicas[i%2].Consume(ctx, ConsumeRequest{UserID: "user-a", Amount: decimal.NewFromInt(45)})
			if err != nil && !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected consume error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 22 {
		t.Fatalf("expected 22 successful debits, got %d", successes)
	}
	assertBalance(t, storedBalance(t, conn, "user-a"), "1000", "990", "10")

	viaReplica, err := replicas[1].Balance(ctx, "user-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	assertBalance(t, viaReplica, "1000", "990", "10")
	if got := countEntries(t, conn, "user-a", models.TransactionTypeUsage); got != 22 {
		t.Fatalf("expected 22 usage entries, got %d", got)
	}
}

func TestPostgres_CheckConstraintRejectsNegativeBalance(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	cfg := config.DefaultBillingConfig()
	cat := catalog.New(conn, cfg)
	if _, err := cat.SeedDefaults(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l := New(conn, cat, Options{WelcomeGrant: cfg.WelcomeGrant})
	if _, err := l.Initialize(ctx, "user-a"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := conn.Exec(`UPDATE credit_balances SET used_credits = 2000, available_credits = -1000 WHERE user_id = ?`, "user-a").Error
	if err == nil {
		t.Fatalf("expected check constraint violation")
	}
	assertBalance(t, storedBalance(t, conn, "user-a"), "1000", "0", "1000")
}
