package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"your.org/session-hub/internal/errs"
)

func TestStateMachineEdges(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusCreated, StatusStarting}:       true,
		{StatusStarting, StatusAwaitingScan}:  true,
		{StatusStarting, StatusConnected}:     true,
		{StatusAwaitingScan, StatusConnected}: true,
		{StatusDisconnected, StatusStarting}:  true,
		{StatusFailed, StatusStarting}:        true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[[2]Status{from, to}] || from == to ||
				to == StatusDisconnected || to == StatusFailed
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCreatedCannotJumpToConnected(t *testing.T) {
	err := Transition(StatusCreated, StatusConnected)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.False(t, CanTransition("bogus", StatusStarting))
}

func TestNewIDAndOwnership(t *testing.T) {
	id, err := NewID("t1", "123")
	require.NoError(t, err)
	assert.Equal(t, "t1_123", id)
	assert.True(t, BelongsTo(id, "t1"))
	assert.False(t, BelongsTo(id, "t"))
	assert.False(t, BelongsTo("t1_", "t1"))

	_, err = NewID("", "x")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = NewID("t1", "a b")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestTenantIDsCannotOverlap(t *testing.T) {
	_, err := NewID("t1_a", "x")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.ErrorIs(t, ValidateTenantID("t1_a"), errs.ErrValidation)
	assert.NoError(t, ValidateTenantID("t1-a"))

	id, err := NewID("t1", "a_x")
	require.NoError(t, err)
	assert.Equal(t, "t1", TenantOf(id))
	assert.True(t, BelongsTo(id, "t1"))
	assert.False(t, BelongsTo(id, "t1_a"))
	assert.Empty(t, TenantOf("nounderscore"))
	assert.Empty(t, TenantOf("_x"))
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	now := time.Now().UTC()
	require.NoError(t, r.Save(ctx, Session{ID: "t1_b", TenantID: "t1", Status: StatusCreated, CreatedAt: now}))
	require.NoError(t, r.Save(ctx, Session{ID: "t1_a", TenantID: "t1", Status: StatusCreated, CreatedAt: now}))
	require.NoError(t, r.Save(ctx, Session{ID: "t2_a", TenantID: "t2", Status: StatusCreated, CreatedAt: now}))

	list, err := r.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t1_a", list[0].ID)

	tenants, err := r.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)

	phone := "5511999999999"
	got, err := r.UpdateStatus(ctx, "t1_a", StatusStarting, &phone)
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, got.Status)
	assert.Equal(t, phone, got.PhoneNumber)

	got, err = r.UpdateStatus(ctx, "t1_a", StatusAwaitingScan, nil)
	require.NoError(t, err)
	assert.Equal(t, phone, got.PhoneNumber)
	_, err = r.UpdateStatus(ctx, "t1_a", StatusCreated, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
	got, _ = r.Get(ctx, "t1_a")
	assert.Equal(t, StatusAwaitingScan, got.Status)

	require.NoError(t, r.Delete(ctx, "t1_a"))
	_, err = r.Get(ctx, "t1_a")
	assert.True(t, errs.IsNotFound(err))
	assert.True(t, errs.IsNotFound(r.Delete(ctx, "t1_a")))
	_, err = r.UpdateStatus(ctx, "t1_a", StatusFailed, nil)
	assert.True(t, errs.IsNotFound(err))
}

func TestRegistryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Save(ctx, Session{ID: "t1_a", TenantID: "t1", Metadata: map[string]any{"k": "v"}}))
	s, _ := r.Get(ctx, "t1_a")
	s.Metadata["k"] = "changed"
	again, _ := r.Get(ctx, "t1_a")
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("s1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, km.size())
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestPathWalksValidEdges(t *testing.T) {
	assert.Equal(t, []Status{StatusStarting, StatusConnected}, Path(StatusCreated, StatusConnected))
	assert.Equal(t, []Status{StatusDisconnected, StatusStarting}, Path(StatusConnected, StatusStarting))
	assert.Equal(t, []Status{StatusFailed}, Path(StatusAwaitingScan, StatusFailed))
	assert.Empty(t, Path(StatusConnected, StatusConnected))
	assert.Nil(t, Path(StatusConnected, StatusCreated))
	for _, from := range Statuses {
		for _, to := range Statuses {
			cur := from
			for _, step := range Path(from, to) {
				require.True(t, CanTransition(cur, step))
				cur = step
			}
		}
	}
}
