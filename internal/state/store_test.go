package state

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBlob(t *testing.T, w float64) []byte {
	t.Helper()
	st, err := New(VariantExp3, map[model.ModelID]Stats{
		model.NewModelID("a", 1): ExpWeight{Value: w},
		model.NewModelID("b", 1): ExpWeight{Value: 1},
	}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, err := Encode(st)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return blob
}

func TestGetNoState(t *testing.T) {
	s := tempDB(t)
	_, err := s.Get(context.Background(), Key{Policy: "exp3", Label: "x"})
	if !errors.Is(err, ErrNoState) {
		t.Fatalf("expected ErrNoState, got %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}
	blob := sampleBlob(t, 2)

	id, err := s.Put(ctx, key, blob)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty version ID")
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("stored bytes differ from input")
	}

	rec, err := s.GetVersion(ctx, id)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if rec.ParentID != "" {
		t.Fatalf("expected empty parent, got %s", rec.ParentID)
	}
	if rec.Variant != VariantExp3 {
		t.Fatalf("expected exp3 variant, got %s", rec.Variant)
	}
	if rec.WeightSum != 3 {
		t.Fatalf("expected weight sum 3, got %f", rec.WeightSum)
	}
}

func TestPutChainsParents(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}

	v1, _ := s.Put(ctx, key, sampleBlob(t, 1))
	v2, err := s.Put(ctx, key, sampleBlob(t, 2))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, err := s.GetVersion(ctx, v2)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if rec.ParentID != v1 {
		t.Fatalf("expected parent %s, got %s", v1, rec.ParentID)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	a := Key{Policy: "exp3", Label: "a"}
	b := Key{Policy: "ucb", Label: "a"}

	blobA := sampleBlob(t, 5)
	s.Put(ctx, a, blobA)

	if _, err := s.Get(ctx, b); !errors.Is(err, ErrNoState) {
		t.Fatalf("expected ErrNoState for other policy, got %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != a {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestRollback(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}

	first := sampleBlob(t, 1)
	v1, _ := s.Put(ctx, key, first)
	s.Put(ctx, key, sampleBlob(t, 9))

	if err := s.Rollback(ctx, key, v1); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, _ := s.Get(ctx, key)
	if !bytes.Equal(got, first) {
		t.Fatal("expected first blob after rollback")
	}
}

func TestRollbackNonExistent(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}
	s.Put(ctx, key, sampleBlob(t, 1))

	if err := s.Rollback(ctx, key, "nonexistent-id"); err == nil {
		t.Fatal("expected error for non-existent version")
	}
}

func TestRollbackOtherKeyVersion(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	a := Key{Policy: "exp3", Label: "a"}
	b := Key{Policy: "exp3", Label: "b"}
	s.Put(ctx, a, sampleBlob(t, 1))
	vb, _ := s.Put(ctx, b, sampleBlob(t, 1))

	if err := s.Rollback(ctx, a, vb); err == nil {
		t.Fatal("expected error rolling back to another key's version")
	}
}

func TestListVersions(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}

	s.Put(ctx, key, sampleBlob(t, 1))
	s.Put(ctx, key, sampleBlob(t, 2))
	last, _ := s.Put(ctx, key, sampleBlob(t, 3))

	versions, err := s.ListVersions(ctx, key, 2)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].VersionID != last {
		t.Fatalf("expected newest first, got %s", versions[0].VersionID)
	}
}

func TestPutUndecodableBlob(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}

	id, err := s.Put(ctx, key, []byte("garbage"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, _ := s.GetVersion(ctx, id)
	if rec.Variant != 0 {
		t.Fatalf("expected zero variant for undecodable blob, got %d", rec.Variant)
	}
}

func TestNewStoreInvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "test.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestDBAccessor(t *testing.T) {
	s := tempDB(t)
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestGetVersionNotFound(t *testing.T) {
	s := tempDB(t)
	if _, err := s.GetVersion(context.Background(), "nonexistent-id"); err == nil {
		t.Fatal("expected error for nonexistent version")
	}
}

func TestOperationsOnClosedDB(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "closed.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Close()

	ctx := context.Background()
	key := Key{Policy: "exp3", Label: "label"}
	if _, err := s.Get(ctx, key); err == nil || errors.Is(err, ErrNoState) {
		t.Errorf("Get: expected db error, got %v", err)
	}
	if _, err := s.Put(ctx, key, []byte{1}); err == nil {
		t.Error("Put: expected error on closed db")
	}
	if _, err := s.ListVersions(ctx, key, 5); err == nil {
		t.Error("ListVersions: expected error on closed db")
	}
	if _, err := s.Keys(ctx); err == nil {
		t.Error("Keys: expected error on closed db")
	}
	if err := s.Rollback(ctx, key, "x"); err == nil {
		t.Error("Rollback: expected error on closed db")
	}
}

func TestNewStore_CorruptDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database file at all!!"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewStore(path); err == nil {
		t.Fatal("expected error opening corrupt db")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := Key{Policy: "ucb", Label: "l"}

	if _, err := m.Get(ctx, key); !errors.Is(err, ErrNoState) {
		t.Fatalf("expected ErrNoState, got %v", err)
	}

	blob := []byte{1, 2, 3}
	v1, _ := m.Put(ctx, key, blob)
	blob[0] = 9 // caller mutation must not leak into the store

	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[0] != 1 {
		t.Fatal("store retained caller's slice")
	}
	got[1] = 7
	again, _ := m.Get(ctx, key)
	if again[1] != 2 {
		t.Fatal("Get returned internal slice")
	}

	v2, _ := m.Put(ctx, key, blob)
	if v1 == v2 {
		t.Fatal("expected distinct version strings")
	}
}
