package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestArena_UpdateAndView(t *testing.T) {
	a := NewArena()

	err := a.Update(func(tx *Tx) error {
		return tx.Put("r/1", rec{Name: "one", Count: 1})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Slot())

	var got rec
	err = a.View(func(tx *Tx) error {
		return tx.Get("r/1", &got)
	})
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
}

func TestArena_AbortLeavesNoPartialState(t *testing.T) {
	a := NewArena()
	boom := errors.New("boom")

	err := a.Update(func(tx *Tx) error {
		_ = tx.Put("r/1", rec{Name: "staged"})
		_ = tx.Put("r/2", rec{Name: "staged"})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), a.Slot())

	_ = a.View(func(tx *Tx) error {
		assert.False(t, tx.Exists("r/1"))
		assert.False(t, tx.Exists("r/2"))
		return nil
	})
}

func TestArena_CreateRejectsExisting(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Update(func(tx *Tx) error {
		return tx.Create("r/1", rec{Name: "first"})
	}))

	err := a.Update(func(tx *Tx) error {
		return tx.Create("r/1", rec{Name: "second"})
	})
	assert.ErrorIs(t, err, ErrKeyExists)

	// The original record must be untouched.
	var got rec
	_ = a.View(func(tx *Tx) error { return tx.Get("r/1", &got) })
	assert.Equal(t, "first", got.Name)
}

func TestArena_CreateSeesStagedWrites(t *testing.T) {
	a := NewArena()
	err := a.Update(func(tx *Tx) error {
		if err := tx.Create("r/1", rec{}); err != nil {
			return err
		}
		return tx.Create("r/1", rec{})
	})
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestArena_ListPrefix(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Update(func(tx *Tx) error {
		_ = tx.Put("approval/p1/alice", rec{})
		_ = tx.Put("approval/p1/bob", rec{})
		_ = tx.Put("approval/p2/carol", rec{})
		return nil
	}))

	_ = a.View(func(tx *Tx) error {
		keys := tx.List("approval/p1/")
		assert.Equal(t, []string{"approval/p1/alice", "approval/p1/bob"}, keys)
		return nil
	})
}

func TestArena_ConcurrentUpdatesSerialize(t *testing.T) {
	a := NewArena()
	require.NoError(t, a.Update(func(tx *Tx) error {
		return tx.Put("counter", rec{Count: 0})
	}))

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Update(func(tx *Tx) error {
				var c rec
				if err := tx.Get("counter", &c); err != nil {
					return err
				}
				c.Count++
				return tx.Put("counter", c)
			})
		}()
	}
	wg.Wait()

	var final rec
	_ = a.View(func(tx *Tx) error { return tx.Get("counter", &final) })
	assert.Equal(t, writers, final.Count)
	assert.Equal(t, uint64(writers+1), a.Slot())
}

func TestTx_PutInViewFails(t *testing.T) {
	a := NewArena()
	err := a.View(func(tx *Tx) error {
		return tx.Put("r/1", rec{})
	})
	assert.Error(t, err)
}
