package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/config"
)

const migrationsPath = "../../migrations"

var (
	testCfg config.Config
	emailN  atomic.Int64
)

func mustStartPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("crashdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	dbHost, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer.Terminate, err
	}
	dbPort, err := dbContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		return dbContainer.Terminate, err
	}

	testCfg = config.Config{
		DBHost:         dbHost,
		DBPort:         dbPort.Port(),
		DBDatabase:     "crashdb",
		DBUsername:     "user",
		DBPassword:     "password",
		DBSchema:       "public",
		MigrationsPath: migrationsPath,
		SessionTTL:     time.Hour,
	}
	return dbContainer.Terminate, nil
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		os.Exit(0)
	}

	code := m.Run()

	if teardown != nil {
		teardown(context.Background())
	}
	os.Exit(code)
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// newTestStore returns a store over a migrated database.
func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	srv, err := New(testCfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := RunMigrations(srv.DB(), migrationsPath); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	store := NewStore(srv.DB(), StoreOptions{DSN: testCfg.DatabaseURL(), SessionTTL: time.Hour}, zap.NewNop())
	t.Cleanup(func() {
		_ = store.Close()
		_ = srv.Close()
	})
	return store, srv.DB()
}

// signUpFunded creates a fresh account and sets its available balance.
func signUpFunded(t *testing.T, s *Store, db *sql.DB, available int64) *backend.Session {
	t.Helper()
	email := "player" + strconv.FormatInt(emailN.Add(1), 10) + "@test.com"
	sess, err := s.SignUp(context.Background(), email, "password123")
	if err != nil {
		t.Fatalf("SignUp(%s) error = %v", email, err)
	}
	if _, err := db.Exec(`UPDATE wallets SET available_cents = $1 WHERE user_id = $2`, available, sess.User.ID); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
	return sess
}

func insertRound(t *testing.T, db *sql.DB, status string) string {
	t.Helper()
	var id string
	err := db.QueryRow(`INSERT INTO game_rounds (status, starts_at) VALUES ($1, now() + interval '1 hour') RETURNING id`, status).Scan(&id)
	if err != nil {
		t.Fatalf("insert round: %v", err)
	}
	return id
}

func remoteMessage(err error) string {
	var re *backend.RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return ""
}

func TestNew(t *testing.T) {
	srv, err := New(testCfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()
	if srv.DB() == nil {
		t.Fatal("DB() returned nil")
	}
}

func TestNew_Unreachable(t *testing.T) {
	cfg := testCfg
	cfg.DBPort = "1"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("New() against a closed port should fail")
	}
}

func TestHealth(t *testing.T) {
	srv, err := New(testCfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	stats := srv.Health()

	if stats["status"] != "up" {
		t.Fatalf("expected status to be up, got %s", stats["status"])
	}
	if _, ok := stats["error"]; ok {
		t.Fatalf("expected error not to be present")
	}
	if stats["message"] != "It's healthy" {
		t.Fatalf("expected message to be 'It's healthy', got %s", stats["message"])
	}
}

func TestMigrations(t *testing.T) {
	_, db := newTestStore(t)

	if err := RunMigrations(db, migrationsPath); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
	version, dirty, err := GetMigrationVersion(db, migrationsPath)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version, dirty = %d, %v, want 1, false", version, dirty)
	}
}

func TestStore_SignUpAndSignIn(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var events []backend.AuthEvent
	unsub := s.OnAuthChange(func(ev backend.AuthEvent, _ *backend.Session) { events = append(events, ev) })
	defer unsub()

	sess, err := s.SignUp(ctx, "  Fresh@Test.com ", "secret1")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if sess == nil || sess.User.Email != "fresh@test.com" || sess.AccessToken == "" {
		t.Fatalf("SignUp() session = %+v", sess)
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt = %v, want future", sess.ExpiresAt)
	}

	if _, err := s.SignUp(ctx, "fresh@test.com", "secret1"); remoteMessage(err) != "User already registered" {
		t.Errorf("duplicate SignUp() error = %v", err)
	}
	if _, err := s.SignIn(ctx, "fresh@test.com", "wrong"); remoteMessage(err) != "Invalid login credentials" {
		t.Errorf("SignIn(wrong password) error = %v", err)
	}

	again, err := s.SignIn(ctx, "FRESH@test.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if again.User.ID != sess.User.ID || again.AccessToken == sess.AccessToken {
		t.Errorf("SignIn() session = %+v", again)
	}

	if err := s.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if cur, _ := s.CurrentSession(ctx); cur != nil {
		t.Errorf("CurrentSession() after sign out = %+v", cur)
	}

	want := []backend.AuthEvent{backend.AuthSignedIn, backend.AuthSignedIn, backend.AuthSignedOut}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestStore_CurrentSessionRestoresFromStorage(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	sess := signUpFunded(t, s, db, 0)

	storage := backend.NewMemoryStorage()
	_ = storage.SaveSession(ctx, &backend.Session{AccessToken: sess.AccessToken})
	restored := NewStore(db, StoreOptions{DSN: testCfg.DatabaseURL(), Storage: storage}, zap.NewNop())
	defer restored.Close()

	got, err := restored.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("CurrentSession() error = %v", err)
	}
	if got == nil || got.User.ID != sess.User.ID || got.User.Email != sess.User.Email {
		t.Fatalf("CurrentSession() = %+v, want user %s", got, sess.User.ID)
	}

	if _, err := db.Exec(`DELETE FROM auth_sessions WHERE access_token = $1::uuid`, sess.AccessToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked := NewStore(db, StoreOptions{DSN: testCfg.DatabaseURL(), Storage: storage}, zap.NewNop())
	defer revoked.Close()
	if got, _ := revoked.CurrentSession(ctx); got != nil {
		t.Errorf("CurrentSession() with revoked token = %+v", got)
	}
	if stored, _ := storage.LoadSession(ctx); stored != nil {
		t.Error("revoked session left in storage")
	}
}

func TestStore_WalletAndDeposits(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	sess := signUpFunded(t, s, db, 70000)

	w, err := s.FetchWallet(ctx, sess)
	if err != nil {
		t.Fatalf("FetchWallet() error = %v", err)
	}
	if w == nil || w.AvailableMinorUnits != 70000 || w.LockedMinorUnits != 0 {
		t.Errorf("FetchWallet() = %+v", w)
	}

	deps, err := s.FetchDeposits(ctx, sess, 5)
	if err != nil {
		t.Fatalf("FetchDeposits() error = %v", err)
	}
	if deps == nil || len(deps) != 0 {
		t.Errorf("FetchDeposits() = %#v, want empty slice", deps)
	}

	for i, phone := range []string{"254700000001", "254700000002"} {
		if _, err := db.Exec(`INSERT INTO deposits (user_id, phone, amount_cents, created_at) VALUES ($1, $2, 1000, now() + $3::int * interval '1 minute')`,
			sess.User.ID, phone, i); err != nil {
			t.Fatalf("insert deposit: %v", err)
		}
	}
	deps, err = s.FetchDeposits(ctx, sess, 1)
	if err != nil {
		t.Fatalf("FetchDeposits() error = %v", err)
	}
	if len(deps) != 1 || deps[0].Phone != "254700000002" {
		t.Errorf("FetchDeposits(limit 1) = %+v, want newest only", deps)
	}
}

func TestStore_FetchCurrentRound(t *testing.T) {
	s, db := newTestStore(t)
	id := insertRound(t, db, "betting")
	if _, err := db.Exec(`UPDATE game_rounds SET starts_at = now() + interval '2 hours' WHERE id = $1`, id); err != nil {
		t.Fatalf("move round: %v", err)
	}

	raw, err := s.FetchCurrentRound(context.Background())
	if err != nil {
		t.Fatalf("FetchCurrentRound() error = %v", err)
	}
	if raw["id"] != id || raw["status"] != "betting" {
		t.Errorf("FetchCurrentRound() = %v, want round %s", raw, id)
	}
}

func TestStore_PlaceBet(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	sess := signUpFunded(t, s, db, 20000)
	roundID := insertRound(t, db, "betting")

	if err := s.PlaceBet(ctx, sess, 15000, &roundID); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	w, _ := s.FetchWallet(ctx, sess)
	if w == nil || w.AvailableMinorUnits != 5000 || w.LockedMinorUnits != 15000 {
		t.Errorf("wallet after bet = %+v", w)
	}

	closed := insertRound(t, db, "flying")
	missing := "00000000-0000-0000-0000-000000000000"
	tests := []struct {
		name  string
		stake int64
		round *string
		want  string
	}{
		{"insufficient balance", 10000, &roundID, "Insufficient balance."},
		{"below minimum", 5000, &roundID, "Minimum bet amount is KSh 100."},
		{"round closed", 10000, &closed, "Betting is closed for this round."},
		{"round not found", 10000, &missing, "Round not found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.PlaceBet(ctx, sess, tt.stake, tt.round)
			if got := remoteMessage(err); got != tt.want {
				t.Errorf("PlaceBet() error = %v, want %q", err, tt.want)
			}
		})
	}

	if err := s.PlaceBet(ctx, &backend.Session{AccessToken: missing}, 10000, nil); remoteMessage(err) != "Session expired. Please log in again." {
		t.Errorf("PlaceBet() with unknown token = %v", err)
	}
}

func TestStore_PlaceBetWithoutRound(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	sess := signUpFunded(t, s, db, 10000)

	if err := s.PlaceBet(ctx, sess, 10000, nil); err != nil {
		t.Fatalf("PlaceBet(nil round) error = %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM bets WHERE user_id = $1 AND round_id IS NULL`, sess.User.ID).Scan(&n); err != nil || n != 1 {
		t.Errorf("bets without round = %d (%v), want 1", n, err)
	}
}

func TestStore_SubscribeReceivesFilteredChanges(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	mine := signUpFunded(t, s, db, 0)
	other := signUpFunded(t, s, db, 0)

	got := make(chan backend.ChangeEvent, 8)
	unsub, err := s.Subscribe(ctx, backend.Subscription{
		Name: "wallet-updates", Schema: "public", Table: "wallets", Event: backend.EventAll,
		Filter: &backend.Filter{Column: "user_id", Value: mine.User.ID},
	}, func(ev backend.ChangeEvent) { got <- ev })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := db.Exec(`UPDATE wallets SET available_cents = 1 WHERE user_id = $1`, other.User.ID); err != nil {
		t.Fatalf("update other wallet: %v", err)
	}
	if _, err := db.Exec(`UPDATE wallets SET available_cents = 4200 WHERE user_id = $1`, mine.User.ID); err != nil {
		t.Fatalf("update wallet: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != backend.EventUpdate || ev.Table != "wallets" {
			t.Errorf("event = %+v", ev)
		}
		var w backend.Wallet
		if err := json.Unmarshal(ev.New, &w); err != nil || w.AvailableMinorUnits != 4200 {
			t.Errorf("record = %s (%v), want own wallet", ev.New, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}

	unsub()
	unsub()
	if _, err := db.Exec(`UPDATE wallets SET available_cents = 5 WHERE user_id = $1`, mine.User.ID); err != nil {
		t.Fatalf("update wallet: %v", err)
	}
	select {
	case ev := <-got:
		t.Errorf("notification after unsubscribe: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSeed(t *testing.T) {
	s, db := newTestStore(t)
	if err := Seed(db, "../../seeds/local.sql"); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	sess, err := s.SignIn(context.Background(), "whale@test.com", "password123")
	if err != nil {
		t.Fatalf("SignIn(seeded user) error = %v", err)
	}
	w, err := s.FetchWallet(context.Background(), sess)
	if err != nil || w == nil || w.AvailableMinorUnits != 4500000 {
		t.Errorf("seeded whale wallet = %+v (%v)", w, err)
	}
}
