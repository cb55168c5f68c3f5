package identity_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/identity"
	"github.com/trezcool/coursework/tests"
)

var ctx = context.Background()

func TestMapper_GetOrAssign(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{BlindMarking: true}, 3)
	other := e.Activity(t, activity.Activity{BlindMarking: true})
	actID := c.Activity.ID

	// numbers follow the order of first lookup, not user IDs
	order := []int64{c.Learners[2].ID, c.Learners[0].ID, c.Learners[1].ID}
	for i, usrID := range order {
		n, err := e.Identities.GetOrAssign(ctx, actID, usrID)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
	n, err := e.Identities.GetOrAssign(ctx, actID, order[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n, "idempotent")

	n, err = e.Identities.GetOrAssign(ctx, other.ID, order[1])
	require.NoError(t, err)
	assert.Equal(t, 1, n, "numbered per activity")
}

func TestMapper_concurrentAssign(t *testing.T) {
	e := testutil.NewEngine()
	act := e.Activity(t, activity.Activity{BlindMarking: true})

	const users = 20
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	numbers := make(map[int64]int)
	for u := int64(1); u <= users; u++ {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(usrID int64) {
				defer wg.Done()
				n, err := e.Identities.GetOrAssign(ctx, act.ID, usrID)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				if prev, ok := numbers[usrID]; ok {
					assert.Equal(t, prev, n)
				}
				numbers[usrID] = n
			}(u)
		}
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, n := range numbers {
		assert.False(t, seen[n], "number %d issued twice", n)
		seen[n] = true
		assert.True(t, n >= 1 && n <= users)
	}
}

func TestMapper_DisplayAndReveal(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{BlindMarking: true}, 2)
	actID := c.Activity.ID
	l1, l2 := c.Learners[0].ID, c.Learners[1].ID

	id, err := e.Identities.Display(ctx, c.Marker.ID, actID, l2)
	require.NoError(t, err)
	assert.Equal(t, identity.Identity{Number: 1, Label: "Participant 1"}, id)

	id, err = e.Identities.Display(ctx, l1, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, null.Int64From(l1), id.UserID, "learners see themselves")

	found, err := e.Identities.FindUser(ctx, c.Teacher.ID, actID, 1)
	require.NoError(t, err)
	assert.Equal(t, l2, found)
	_, err = e.Identities.FindUser(ctx, c.Teacher.ID, actID, 7)
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	_, err = e.Identities.FindUser(ctx, c.Marker.ID, actID, 1)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "marker: %v", err)

	err = e.Identities.Reveal(ctx, c.Marker.ID, actID)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "marker revealing: %v", err)

	require.NoError(t, e.Identities.Reveal(ctx, c.Teacher.ID, actID))
	require.NoError(t, e.Identities.Reveal(ctx, c.Teacher.ID, actID), "second reveal is a no-op")
	assert.Equal(t, []string{core.EventIdentitiesRevealed}, e.Events.Actions())

	id, err = e.Identities.Display(ctx, c.Marker.ID, actID, l2)
	require.NoError(t, err)
	assert.Equal(t, null.Int64From(l2), id.UserID)

	// issued numbers survive the reveal
	n, err := e.Identities.GetOrAssign(ctx, actID, l2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = e.Identities.GetOrAssign(ctx, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMapper_Reveal_notBlind(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)

	err := e.Identities.Reveal(ctx, c.Teacher.ID, c.Activity.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "got %v", err)

	id, err := e.Identities.Display(ctx, c.Marker.ID, c.Activity.ID, c.Learners[0].ID)
	require.NoError(t, err)
	assert.True(t, id.UserID.Valid)
}
