package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/desertthunder/ytsync/internal/admission"
	"github.com/desertthunder/ytsync/internal/models"
	"github.com/desertthunder/ytsync/internal/shared"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := shared.RunMigrations(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testVideos(owner string, n int) []models.Video {
	published := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	videos := make([]models.Video, 0, n)
	for i := range n {
		videos = append(videos, models.Video{
			OwnerID:     owner,
			Platform:    models.PlatformYouTube,
			ExternalID:  fmt.Sprintf("vid%04d", i),
			ChannelID:   "UCchan",
			Title:       fmt.Sprintf("Video %d", i),
			Duration:    60 + i,
			ViewCount:   int64(i * 10),
			PublishedAt: published.Add(time.Duration(i) * time.Hour),
		})
	}
	return videos
}

func TestNextSequence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := NextSequence(ctx, db, "targets")
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
		if got != want {
			t.Errorf("expected sequence %d, got %d", want, got)
		}
	}
}

func TestTargetRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		repo := NewTargetRepository(setupTestDB(t))

		target := models.NewTarget(0, "alice", "UC123", "Channel One")
		if err := repo.Create(ctx, target); err != nil {
			t.Fatalf("failed to create target: %v", err)
		}
		if target.ID() == "" || target.Sequence() != 1 {
			t.Errorf("expected generated id and sequence 1, got %q/%d", target.ID(), target.Sequence())
		}

		got, err := repo.Get(ctx, target.ID())
		if err != nil {
			t.Fatalf("failed to get target: %v", err)
		}
		if got.ChannelID() != "UC123" || got.Name() != "Channel One" || got.OwnerID() != "alice" {
			t.Errorf("unexpected target %+v", got)
		}

		byChannel, err := repo.GetByChannel(ctx, "alice", "UC123")
		if err != nil || byChannel.ID() != target.ID() {
			t.Errorf("GetByChannel should find the target, got %v err=%v", byChannel, err)
		}
	})

	t.Run("List by owner", func(t *testing.T) {
		repo := NewTargetRepository(setupTestDB(t))

		for i, owner := range []string{"alice", "bob", "alice"} {
			if err := repo.Create(ctx, models.NewTarget(0, owner, fmt.Sprintf("UC%d", i), "")); err != nil {
				t.Fatalf("failed to create target: %v", err)
			}
		}

		targets, err := repo.ListByOwner(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to list targets: %v", err)
		}
		if len(targets) != 2 {
			t.Fatalf("expected 2 targets for alice, got %d", len(targets))
		}
		if targets[0].Sequence() > targets[1].Sequence() {
			t.Error("targets should be ordered by sequence")
		}
	})

	t.Run("Update and MarkSynced", func(t *testing.T) {
		repo := NewTargetRepository(setupTestDB(t))

		target := models.NewTarget(0, "alice", "UC1", "old")
		if err := repo.Create(ctx, target); err != nil {
			t.Fatalf("failed to create target: %v", err)
		}

		target.SetName("new")
		if err := repo.Update(ctx, target); err != nil {
			t.Fatalf("failed to update target: %v", err)
		}

		syncedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		if err := repo.MarkSynced(ctx, target.ID(), 42, syncedAt); err != nil {
			t.Fatalf("failed to mark synced: %v", err)
		}

		got, _ := repo.Get(ctx, target.ID())
		if got.Name() != "new" || got.LastVideoCount() != 42 {
			t.Errorf("unexpected target after update: name=%q count=%d", got.Name(), got.LastVideoCount())
		}
		if got.LastSyncedAt() == nil || !got.LastSyncedAt().Equal(syncedAt) {
			t.Errorf("expected last synced %v, got %v", syncedAt, got.LastSyncedAt())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := NewTargetRepository(setupTestDB(t))

		target := models.NewTarget(0, "alice", "UC1", "")
		if err := repo.Create(ctx, target); err != nil {
			t.Fatalf("failed to create target: %v", err)
		}
		if err := repo.Delete(ctx, target.ID()); err != nil {
			t.Fatalf("failed to delete target: %v", err)
		}
		if _, err := repo.Get(ctx, target.ID()); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("deleted target should not be found, got %v", err)
		}
	})
}

func TestVideoRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("UpsertVideos counts items", func(t *testing.T) {
		repo := NewVideoRepository(setupTestDB(t))

		n, err := repo.UpsertVideos(ctx, testVideos("alice", 25))
		if err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		if n != 25 {
			t.Errorf("expected 25 stored, got %d", n)
		}

		count, _ := repo.CountByOwner(ctx, "alice")
		if count != 25 {
			t.Errorf("expected 25 rows, got %d", count)
		}
	})

	t.Run("UpsertVideos updates mutable fields", func(t *testing.T) {
		repo := NewVideoRepository(setupTestDB(t))

		videos := testVideos("alice", 2)
		if _, err := repo.UpsertVideos(ctx, videos); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}

		videos[0].Title = "Renamed"
		videos[0].ViewCount = 999
		if _, err := repo.UpsertVideos(ctx, videos[:1]); err != nil {
			t.Fatalf("second upsert failed: %v", err)
		}

		got, err := repo.Get(ctx, videos[0].NaturalKey())
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Title != "Renamed" || got.ViewCount != 999 {
			t.Errorf("expected updated fields, got %+v", got)
		}

		count, _ := repo.CountByOwner(ctx, "alice")
		if count != 2 {
			t.Errorf("upsert must not duplicate rows, got %d", count)
		}
	})

	t.Run("UpsertVideos is idempotent", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewVideoRepository(db)

		dump := func() []string {
			rows, err := db.Query(`SELECT id, title, view_count, updated_at FROM videos ORDER BY external_id`)
			if err != nil {
				t.Fatalf("dump failed: %v", err)
			}
			defer rows.Close()
			var out []string
			for rows.Next() {
				var id, title, updated string
				var views int64
				if err := rows.Scan(&id, &title, &views, &updated); err != nil {
					t.Fatalf("scan failed: %v", err)
				}
				out = append(out, fmt.Sprintf("%s|%s|%d|%s", id, title, views, updated))
			}
			return out
		}

		videos := testVideos("alice", 10)
		if _, err := repo.UpsertVideos(ctx, videos); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		first := dump()

		time.Sleep(5 * time.Millisecond)
		if _, err := repo.UpsertVideos(ctx, videos); err != nil {
			t.Fatalf("second upsert failed: %v", err)
		}
		second := dump()

		if fmt.Sprint(first) != fmt.Sprint(second) {
			t.Errorf("re-committing identical videos changed the table:\n%v\n%v", first, second)
		}
	})

	t.Run("UpsertVideos rolls back a bad batch", func(t *testing.T) {
		repo := NewVideoRepository(setupTestDB(t))

		videos := testVideos("alice", 3)
		videos[2].ExternalID = ""
		n, err := repo.UpsertVideos(ctx, videos)
		if err == nil || n != 0 {
			t.Fatalf("expected failure with zero stored, got n=%d err=%v", n, err)
		}

		count, _ := repo.CountByOwner(ctx, "alice")
		if count != 0 {
			t.Errorf("failed batch must not leave rows, got %d", count)
		}
	})

	t.Run("ListByOwner newest first", func(t *testing.T) {
		repo := NewVideoRepository(setupTestDB(t))

		if _, err := repo.UpsertVideos(ctx, testVideos("alice", 5)); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}

		videos, err := repo.ListByOwner(ctx, "alice", 3)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(videos) != 3 || videos[0].ExternalID != "vid0004" {
			t.Errorf("expected 3 newest videos starting at vid0004, got %d starting at %q", len(videos), videos[0].ExternalID)
		}
	})
}

func TestThrottleRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewThrottleRepository(setupTestDB(t))

	if _, err := repo.GetThrottle(ctx, "alice"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := models.ThrottleRecord{Identity: "alice", LastCompletedAt: now, Completions: []time.Time{now}, Version: 1}
	if ok, err := repo.SwapThrottle(ctx, first, 0); !ok || err != nil {
		t.Fatalf("initial insert should succeed: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.SwapThrottle(ctx, first, 0); ok {
		t.Error("second insert with expected version 0 must fail")
	}

	later := now.Add(time.Minute)
	second := models.ThrottleRecord{Identity: "alice", LastCompletedAt: later, Completions: []time.Time{now, later}, Version: 2}
	if ok, _ := repo.SwapThrottle(ctx, second, 5); ok {
		t.Error("swap with stale version must fail")
	}
	if ok, err := repo.SwapThrottle(ctx, second, 1); !ok || err != nil {
		t.Fatalf("swap with current version should succeed: ok=%v err=%v", ok, err)
	}

	rec, err := repo.GetThrottle(ctx, "alice")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Version != 2 || len(rec.Completions) != 2 || !rec.LastCompletedAt.Equal(later) {
		t.Errorf("unexpected record %+v", rec)
	}

	if err := repo.DeleteThrottle(ctx, "alice"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.GetThrottle(ctx, "alice"); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSlotRepository(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := NewSlotRepository(setupTestDB(t))
	repo.now = func() time.Time { return now }
	ttl := time.Minute

	alice := &admission.Ticket{ID: "t-alice", Slot: "sync", Identity: "alice", Weight: 10}
	bob := &admission.Ticket{ID: "t-bob", Slot: "sync", Identity: "bob", Weight: 12}

	t.Run("waiters are ordered by arrival", func(t *testing.T) {
		for _, tk := range []*admission.Ticket{alice, bob} {
			if err := repo.Enqueue(ctx, tk, ttl); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
		}
		ahead, waiting, err := repo.Position(ctx, bob, ttl)
		if err != nil || ahead != 1 || waiting != 2 {
			t.Fatalf("expected (1, 2), got (%d, %d) err=%v", ahead, waiting, err)
		}
	})

	t.Run("compare-and-swap acquire", func(t *testing.T) {
		if ok, err := repo.TryAcquire(ctx, alice, ttl); !ok || err != nil {
			t.Fatalf("alice should acquire: ok=%v err=%v", ok, err)
		}
		if ok, _ := repo.TryAcquire(ctx, bob, ttl); ok {
			t.Fatal("bob must not acquire a held slot")
		}

		snap, err := repo.Snapshot(ctx, "sync")
		if err != nil {
			t.Fatalf("snapshot failed: %v", err)
		}
		if snap.HolderID != alice.ID || snap.Generation != 1 || snap.Waiting != 1 {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	})

	t.Run("stale release is rejected", func(t *testing.T) {
		if err := repo.Release(ctx, bob); !errors.Is(err, shared.ErrSlotNotHeld) {
			t.Errorf("expected ErrSlotNotHeld, got %v", err)
		}
		if err := repo.Enqueue(ctx, bob, ttl); err != nil {
			t.Fatalf("re-enqueue failed: %v", err)
		}
	})

	t.Run("expired slot is reclaimed", func(t *testing.T) {
		now = now.Add(ttl + time.Second)

		if _, _, err := repo.Position(ctx, bob, ttl); !errors.Is(err, shared.ErrNotFound) {
			t.Fatalf("expired waiter should be reported missing, got %v", err)
		}
		if err := repo.Enqueue(ctx, bob, ttl); err != nil {
			t.Fatalf("re-enqueue failed: %v", err)
		}

		if ok, err := repo.TryAcquire(ctx, bob, ttl); !ok || err != nil {
			t.Fatalf("bob should reclaim the expired slot: ok=%v err=%v", ok, err)
		}
		if bob.Generation != 2 {
			t.Errorf("expected generation 2, got %d", bob.Generation)
		}
		if ok, _ := repo.Extend(ctx, alice, ttl); ok {
			t.Error("expired holder must not extend")
		}
		if ok, _ := repo.Extend(ctx, bob, ttl); !ok {
			t.Error("current holder should extend")
		}
	})

	t.Run("release and force release", func(t *testing.T) {
		if err := repo.Release(ctx, bob); err != nil {
			t.Fatalf("release failed: %v", err)
		}
		snap, _ := repo.Snapshot(ctx, "sync")
		if snap.HolderID != "" || snap.Waiting != 0 {
			t.Errorf("expected free slot, got %+v", snap)
		}

		if ok, _ := repo.TryAcquire(ctx, alice, ttl); !ok {
			t.Fatal("alice should acquire free slot")
		}
		if err := repo.ForceRelease(ctx, "sync"); err != nil {
			t.Fatalf("force release failed: %v", err)
		}
		if err := repo.Release(ctx, alice); !errors.Is(err, shared.ErrSlotNotHeld) {
			t.Errorf("release after force release should fail, got %v", err)
		}
	})
}

func TestSlotRepositoryQueue(t *testing.T) {
	ctx := context.Background()
	q := admission.NewQueue(NewSlotRepository(setupTestDB(t)), admission.Config{
		Slot:            "sync",
		BypassThreshold: 2,
		TTL:             time.Minute,
		WaiterTTL:       time.Minute,
		PollInterval:    5 * time.Millisecond,
		FIFO:            true,
		RenewInterval:   -1,
	}, nil)

	first, timedOut, err := q.Acquire(ctx, "alice", 5, admission.AcquireOpts{})
	if err != nil || timedOut {
		t.Fatalf("acquire failed: timedOut=%v err=%v", timedOut, err)
	}

	_, timedOut, err = q.Acquire(ctx, "bob", 5, admission.AcquireOpts{Deadline: time.Now().Add(30 * time.Millisecond)})
	if err != nil || !timedOut {
		t.Fatalf("expected timeout while held, got timedOut=%v err=%v", timedOut, err)
	}

	if err := q.Release(ctx, first); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	snap, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snap.HolderID != "" || snap.Waiting != 0 {
		t.Errorf("expected empty queue, got %+v", snap)
	}
}

func TestSyncRunRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncRunRepository(setupTestDB(t))

	for i, state := range []string{"committed", "rejected", "committed"} {
		run := models.NewSyncRun(0, "alice", 25)
		run.SetState(state)
		run.SetSuccess(state == "committed")
		run.SetCommitted(i * 10)
		finished := run.StartedAt().Add(time.Second)
		run.SetFinishedAt(&finished)
		if err := repo.RecordRun(ctx, run); err != nil {
			t.Fatalf("record run failed: %v", err)
		}
	}

	runs, err := repo.List(ctx, map[string]any{"identity": "alice", "limit": 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Committed() != 20 || !runs[0].Success() {
		t.Errorf("expected newest run first, got committed=%d success=%v", runs[0].Committed(), runs[0].Success())
	}
	if runs[0].Duration() != time.Second {
		t.Errorf("expected 1s duration, got %v", runs[0].Duration())
	}

	committed, _ := repo.List(ctx, map[string]any{"state": "committed"})
	if len(committed) != 2 {
		t.Errorf("expected 2 committed runs, got %d", len(committed))
	}

	runs[0].SetMessage("edited")
	if err := repo.Update(ctx, runs[0]); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ := repo.Get(ctx, runs[0].ID())
	if got.Message() != "edited" {
		t.Errorf("expected updated message, got %q", got.Message())
	}

	if err := repo.Delete(ctx, got.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, got.ID()); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
