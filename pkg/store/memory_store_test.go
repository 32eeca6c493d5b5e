package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
	"github.com/NicolasHaas/wordquizzle/pkg/store"
)

func TestMemoryStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := store.NewMemoryWithClock(func() time.Time { return fixed })

	accounts := []model.Account{{Username: "mario", Points: 4, Friends: []string{"luigi"}}}
	if err := st.Save(ctx, accounts); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}
	accounts[0].Friends[0] = "wario"

	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	want := []model.Account{{Username: "mario", Points: 4, Friends: []string{"luigi"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
	if st.Saves() != 1 {
		t.Errorf("Saves: want 1 got %d", st.Saves())
	}
	if !st.LastSaved().Equal(fixed) {
		t.Errorf("LastSaved: want %v got %v", fixed, st.LastSaved())
	}
}

func TestMemoryStoreFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	boom := errors.New("disk full")
	st.FailSaves(boom)
	if err := st.Save(ctx, nil); !errors.Is(err, boom) {
		t.Fatalf("Save: want %v got %v", boom, err)
	}
	st.FailSaves(nil)
	if err := st.Save(ctx, nil); err != nil {
		t.Fatalf("Save after recovery: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.Load(ctx); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Load after Close: want ErrClosed got %v", err)
	}
}
