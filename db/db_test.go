package db

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/domain"
)

// setupTestDB opens a fresh migrated database in a temp dir
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := log.New(io.Discard)
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestActor(t *testing.T, db *DB, username, host string) *domain.Actor {
	t.Helper()
	a := &domain.Actor{Id: domain.NewID(), Username: username, Host: host}
	if host != "" {
		a.Uri = "https://" + host + "/users/" + username
		a.Inbox = a.Uri + "/inbox"
		a.SharedInbox = "https://" + host + "/inbox"
		a.KeyId = a.Uri + "#main-key"
	}
	if err := db.CreateActor(context.Background(), a); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}
	return a
}

func TestCreateAndReadActor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := createTestActor(t, db, "alice", "remote.example")

	got, err := db.ReadActorByUri(ctx, a.Uri)
	if err != nil {
		t.Fatalf("ReadActorByUri failed: %v", err)
	}
	if got == nil || got.Id != a.Id {
		t.Fatalf("Expected actor %s, got %+v", a.Id, got)
	}
	if got.Host != "remote.example" {
		t.Errorf("Expected host remote.example, got %s", got.Host)
	}

	byKey, err := db.ReadActorByKeyId(ctx, a.KeyId)
	if err != nil || byKey == nil {
		t.Fatalf("ReadActorByKeyId failed: %v", err)
	}
}

func TestReadActorNotFound(t *testing.T) {
	db := setupTestDB(t)

	a, err := db.ReadActorById(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if a != nil {
		t.Error("Expected nil actor")
	}
}

func TestCreateActorDuplicateUri(t *testing.T) {
	db := setupTestDB(t)
	a := createTestActor(t, db, "bob", "remote.example")

	dup := &domain.Actor{Id: domain.NewID(), Username: "bob2", Host: "remote.example", Uri: a.Uri}
	err := db.CreateActor(context.Background(), dup)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}
}

func TestLocalUsernameIsCaseInsensitive(t *testing.T) {
	db := setupTestDB(t)
	a := createTestActor(t, db, "Carol", "")

	got, err := db.ReadLocalActorByUsername(context.Background(), "carol")
	if err != nil {
		t.Fatalf("ReadLocalActorByUsername failed: %v", err)
	}
	if got == nil || got.Id != a.Id {
		t.Fatalf("Expected local actor %s, got %+v", a.Id, got)
	}

	dup := &domain.Actor{Id: domain.NewID(), Username: "CAROL"}
	if err := db.CreateActor(context.Background(), dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for same local username, got %v", err)
	}
}

func TestAdjustActorCountsNeverNegative(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestActor(t, db, "dave", "")

	if err := db.AdjustActorCounts(ctx, a.Id, 2, 1, 0); err != nil {
		t.Fatalf("AdjustActorCounts failed: %v", err)
	}
	if err := db.AdjustActorCounts(ctx, a.Id, -5, -1, -1); err != nil {
		t.Fatalf("AdjustActorCounts failed: %v", err)
	}

	got, _ := db.ReadActorById(ctx, a.Id)
	if got.FollowersCount != 0 || got.FollowingCount != 0 || got.NotesCount != 0 {
		t.Errorf("Expected zero counters, got %d/%d/%d", got.FollowersCount, got.FollowingCount, got.NotesCount)
	}
}

func TestCreatePostAndTombstone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestActor(t, db, "erin", "remote.example")

	p := &domain.Post{
		Id:         domain.NewID(),
		UserId:     a.Id,
		UserHost:   a.Host,
		Text:       "hello",
		Visibility: domain.VisibilityPublic,
		Tags:       []string{"go"},
		Uri:        "https://remote.example/notes/1",
		CreatedAt:  time.Now(),
	}
	p.ThreadId = p.Id
	if err := db.CreatePost(ctx, p); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	got, err := db.ReadPostByUri(ctx, p.Uri)
	if err != nil || got == nil {
		t.Fatalf("ReadPostByUri failed: %v", err)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "go" {
		t.Errorf("Expected tags [go], got %v", got.Tags)
	}

	ok, err := db.TombstonePost(ctx, p.Id)
	if err != nil || !ok {
		t.Fatalf("Expected first tombstone to succeed, got %v %v", ok, err)
	}
	ok, _ = db.TombstonePost(ctx, p.Id)
	if ok {
		t.Error("Expected second tombstone to be a no-op")
	}

	dup := *p
	dup.Id = domain.NewID()
	if err := db.CreatePost(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for same uri, got %v", err)
	}
}

func TestAdjustReactionInTransaction(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := createTestActor(t, db, "frank", "")
	p := &domain.Post{Id: domain.NewID(), UserId: a.Id, Visibility: domain.VisibilityPublic, CreatedAt: time.Now()}
	p.ThreadId = p.Id
	if err := db.CreatePost(ctx, p); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := db.WithTx(ctx, func(tx *Queries) error {
			return tx.AdjustReaction(ctx, p.Id, ":star:", 1)
		})
		if err != nil {
			t.Fatalf("AdjustReaction failed: %v", err)
		}
	}
	db.WithTx(ctx, func(tx *Queries) error { return tx.AdjustReaction(ctx, p.Id, ":star:", -1) })

	got, _ := db.ReadPostById(ctx, p.Id)
	if got.Reactions[":star:"] != 2 {
		t.Errorf("Expected 2 reactions, got %v", got.Reactions)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Queries) error {
		if err := tx.CreateActor(ctx, &domain.Actor{Id: domain.NewID(), Username: "ghost"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	a, _ := db.ReadLocalActorByUsername(ctx, "ghost")
	if a != nil {
		t.Error("Expected actor insert to be rolled back")
	}
}

func TestFollowingLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	local := createTestActor(t, db, "gina", "")
	r1 := createTestActor(t, db, "r1", "remote.example")
	r2 := createTestActor(t, db, "r2", "remote.example")

	for _, r := range []*domain.Actor{r1, r2} {
		if err := db.CreateFollowing(ctx, domain.NewFollowing(r, local)); err != nil {
			t.Fatalf("CreateFollowing failed: %v", err)
		}
	}
	if err := db.CreateFollowing(ctx, domain.NewFollowing(r1, local)); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	inboxes, err := db.ReadRemoteFollowerInboxes(ctx, local.Id)
	if err != nil {
		t.Fatalf("ReadRemoteFollowerInboxes failed: %v", err)
	}
	if len(inboxes) != 2 {
		t.Errorf("Expected 2 inbox pairs, got %d", len(inboxes))
	}

	n, _ := db.CountFollowers(ctx, local.Id)
	if n != 2 {
		t.Errorf("Expected 2 followers, got %d", n)
	}

	removed, err := db.DeleteFollowing(ctx, r1.Id, local.Id)
	if err != nil || !removed {
		t.Fatalf("DeleteFollowing failed: %v %v", removed, err)
	}
	removed, _ = db.DeleteFollowing(ctx, r1.Id, local.Id)
	if removed {
		t.Error("Expected second delete to report false")
	}
}

func TestClaimJobsLease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	j := &domain.Job{Class: "deliver", Name: "https://remote.example/inbox", Payload: []byte(`{}`), MaxAttempts: 3, RunAt: now}
	if err := db.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	if j.Id == 0 {
		t.Fatal("Expected job id to be set")
	}

	jobs, err := db.ClaimJobs(ctx, "deliver", now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 1 {
		t.Fatalf("Expected one job on first attempt, got %+v", jobs)
	}

	// Leased job is invisible until the lease runs out
	jobs, _ = db.ClaimJobs(ctx, "deliver", now.Add(30*time.Second), time.Minute, 10)
	if len(jobs) != 0 {
		t.Fatalf("Expected no claimable jobs, got %d", len(jobs))
	}

	jobs, _ = db.ClaimJobs(ctx, "deliver", now.Add(2*time.Minute), time.Minute, 10)
	if len(jobs) != 1 || jobs[0].Attempts != 2 {
		t.Fatalf("Expected re-claim after lease expiry, got %+v", jobs)
	}

	if err := db.RescheduleJob(ctx, j.Id, now.Add(time.Hour), "503"); err != nil {
		t.Fatalf("RescheduleJob failed: %v", err)
	}
	named, _ := db.ReadJobsByName(ctx, "deliver", j.Name)
	if len(named) != 1 || named[0].Id != j.Id {
		t.Fatalf("Expected the job by name, got %+v", named)
	}
	if got := named[0]; got.LockedUntil != nil || got.LastError != "503" {
		t.Errorf("Expected unlocked job with last error, got %+v", got)
	}
	next, err := db.NextRunAt(ctx, "deliver")
	if err != nil || next == nil || !next.Equal(now.Add(time.Hour).Truncate(time.Millisecond)) {
		t.Errorf("Expected next run in an hour, got %v (%v)", next, err)
	}
	if idle, _ := db.NextRunAt(ctx, "inbox"); idle != nil {
		t.Errorf("Expected no next run for an empty class, got %v", idle)
	}

	if err := db.DeleteJob(ctx, j.Id); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	n, _ := db.CountJobs(ctx, "deliver")
	if n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestUpsertInstanceIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := db.UpsertInstance(ctx, "remote.example")
	if err != nil {
		t.Fatalf("UpsertInstance failed: %v", err)
	}
	second, err := db.UpsertInstance(ctx, "remote.example")
	if err != nil {
		t.Fatalf("UpsertInstance failed: %v", err)
	}
	if first.Id != second.Id {
		t.Errorf("Expected same instance, got %s and %s", first.Id, second.Id)
	}

	if err := db.RecordDelivery(ctx, "remote.example", 503, false); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	got, _ := db.ReadInstanceByHost(ctx, "remote.example")
	if !got.IsNotResponding || got.LatestStatus != 503 {
		t.Errorf("Expected not responding with 503, got %+v", got)
	}
}
