package generation

import (
	"context"
	"testing"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/policy"
)

func testGenerations(tag string) map[policy.Role]string {
	return map[policy.Role]string{
		policy.RoleShell:  tag,
		policy.RoleData:   tag,
		policy.RoleStatic: tag,
	}
}

func seedBuckets(t *testing.T, storage cache.Storage, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := storage.Open(context.Background(), name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
}

func TestCurrentBucketName(t *testing.T) {
	m, err := New("murajaah", cache.NewMemoryStore(), map[policy.Role]string{
		policy.RoleShell:  "v2.0",
		policy.RoleData:   "v1",
		policy.RoleStatic: "v3",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if got := m.CurrentBucketName(policy.RoleShell); got != "murajaah-shell-v2.0" {
		t.Fatalf("unexpected shell bucket: %s", got)
	}
	if got := m.CurrentBucketName(policy.RoleNone); got != "" {
		t.Fatalf("non-cacheable role should have no bucket, got %s", got)
	}
	names := m.CurrentBucketNames()
	if len(names) != 3 || names[0] != "murajaah-data-v1" {
		t.Fatalf("unexpected current names: %v", names)
	}
}

func TestNewRequiresEveryRole(t *testing.T) {
	if _, err := New("murajaah", cache.NewMemoryStore(), map[policy.Role]string{policy.RoleShell: "v1"}); err == nil {
		t.Fatalf("missing roles should be rejected")
	}
	if _, err := New("murajaah", cache.NewMemoryStore(), testGenerations("v/1")); err == nil {
		t.Fatalf("generation producing unsafe bucket name should be rejected")
	}
}

func TestMigrateDeletesStaleAndIsIdempotent(t *testing.T) {
	storage := cache.NewMemoryStore()
	seedBuckets(t, storage,
		"murajaah-shell-v1", "murajaah-data-v1", "murajaah-static-v1",
		"murajaah-shell-v2", "murajaah-data-v2", "murajaah-static-v2",
		"murajaah-cache-v2.0",
	)

	m, err := New("murajaah", storage, testGenerations("v2"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	deleted, err := m.Migrate(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(deleted) != 4 {
		t.Fatalf("expected 4 stale buckets deleted, got %v", deleted)
	}

	remaining, _ := storage.Keys(context.Background())
	if len(remaining) != 3 {
		t.Fatalf("exactly the current set should remain, got %v", remaining)
	}
	for _, name := range remaining {
		if !m.IsCurrent(name) {
			t.Fatalf("non-current bucket survived: %s", name)
		}
	}

	again, err := m.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second migrate should delete nothing, got %v", again)
	}
}

func TestClearNamespaceKeepsForeignBuckets(t *testing.T) {
	storage := cache.NewMemoryStore()
	seedBuckets(t, storage, "murajaah-shell-v1", "murajaah-data-v2", "other-app-v1")

	m, _ := New("murajaah", storage, testGenerations("v2"))
	deleted, err := m.ClearNamespace(context.Background())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected both namespace buckets deleted, got %v", deleted)
	}
	if ok, _ := storage.Has(context.Background(), "other-app-v1"); !ok {
		t.Fatalf("foreign bucket must survive a namespace clear")
	}
}

func TestOpenCreatesCurrentBucketLazily(t *testing.T) {
	storage := cache.NewMemoryStore()
	m, _ := New("murajaah", storage, testGenerations("v5"))
	if ok, _ := storage.Has(context.Background(), "murajaah-static-v5"); ok {
		t.Fatalf("bucket should not exist before first open")
	}
	bucket, err := m.Open(context.Background(), policy.RoleStatic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if bucket.Name() != "murajaah-static-v5" {
		t.Fatalf("unexpected bucket: %s", bucket.Name())
	}
}
