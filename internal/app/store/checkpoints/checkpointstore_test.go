package checkpointstore_test

import (
	"bytes"
	"context"
	"testing"

	checkpointstore "github.com/dalemusser/workwatch/internal/app/store/checkpoints"
	"github.com/dalemusser/workwatch/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
)

func mustToken(t *testing.T, data string) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(bson.M{"_data": data})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	return raw
}

func TestStore_LoadMissing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := checkpointstore.New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	tok, err := store.Load(ctx, "work_items")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if tok != nil {
		t.Errorf("expected nil token, got %v", tok)
	}
}

func TestStore_SaveOverwritesAndClear(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := checkpointstore.New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	first := mustToken(t, "8263A1")
	second := mustToken(t, "8263A2")

	if err := store.Save(ctx, "work_items", first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, "work_items", second); err != nil {
		t.Fatalf("Save (overwrite) failed: %v", err)
	}

	got, err := store.Load(ctx, "work_items")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("expected second token, got %v", got)
	}

	if err := store.Clear(ctx, "work_items"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	got, err = store.Load(ctx, "work_items")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil after Clear; got %v, %v", got, err)
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	store := checkpointstore.NewRedis(client, "workwatch:test:checkpoint:")
	ctx, cancel := testutil.TestContext()
	defer cancel()

	name := "rt-" + testutil.UniqueSuffix()
	t.Cleanup(func() { _ = store.Clear(context.Background(), name) })

	tok, err := store.Load(ctx, name)
	if err != nil || tok != nil {
		t.Fatalf("expected nil, nil before save; got %v, %v", tok, err)
	}

	want := mustToken(t, "8263B1")
	if err := store.Save(ctx, name, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Load(ctx, name)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
