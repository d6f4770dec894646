package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

type fakeEstimator struct {
	mu         sync.Mutex
	challenges int
	users      int
	err        error
	calls      int
}

func (f *fakeEstimator) EstimateChallengeCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.challenges, f.err
}

func (f *fakeEstimator) EstimateUserCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, f.err
}

func (f *fakeEstimator) set(challenges, users int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges, f.users, f.err = challenges, users, err
}

func (f *fakeEstimator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRefreshNow(t *testing.T) {
	est := &fakeEstimator{challenges: 500, users: 8400}
	store := upstream.NewCounterStore()
	fs := afero.NewMemMapFs()
	r := New(est, store, fs, Config{StatePath: "/var/rmbadge/counters.yaml"}, nil)
	require.NoError(t, fs.MkdirAll("/var/rmbadge", 0755))

	c, err := r.RefreshNow()
	require.NoError(t, err)
	assert.Equal(t, 500, c.Challenges)
	assert.Equal(t, 8400, c.Users)

	loaded, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, c, loaded)

	t.Run("failure keeps the previous snapshot", func(t *testing.T) {
		est.set(0, 0, errors.New("upstream down"))
		_, err := r.RefreshNow()
		require.Error(t, err)

		loaded, ok := store.Load()
		require.True(t, ok)
		assert.Equal(t, 8400, loaded.Users)
	})

	t.Run("state survives a restart", func(t *testing.T) {
		fresh := upstream.NewCounterStore()
		restarted := New(&fakeEstimator{}, fresh, fs, Config{StatePath: "/var/rmbadge/counters.yaml"}, nil)

		found, err := restarted.Warm()
		require.NoError(t, err)
		assert.True(t, found)

		loaded, ok := fresh.Load()
		require.True(t, ok)
		assert.Equal(t, 500, loaded.Challenges)
		assert.Equal(t, 8400, loaded.Users)
		assert.True(t, c.RefreshedAt.Equal(loaded.RefreshedAt))
	})
}

func TestWarm(t *testing.T) {
	t.Run("no state file", func(t *testing.T) {
		store := upstream.NewCounterStore()
		r := New(&fakeEstimator{}, store, afero.NewMemMapFs(), Config{StatePath: "/counters.yaml"}, nil)
		found, err := r.Warm()
		require.NoError(t, err)
		assert.False(t, found)
		_, ok := store.Load()
		assert.False(t, ok)
	})

	t.Run("state disabled", func(t *testing.T) {
		r := New(&fakeEstimator{}, upstream.NewCounterStore(), afero.NewMemMapFs(), Config{}, nil)
		found, err := r.Warm()
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("corrupt state", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/counters.yaml", []byte("users: [oops"), 0644))
		r := New(&fakeEstimator{}, upstream.NewCounterStore(), fs, Config{StatePath: "/counters.yaml"}, nil)
		_, err := r.Warm()
		assert.Error(t, err)
	})

	t.Run("readable state", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/counters.yaml", []byte("challenges: 12\nusers: 34\nrefreshed_at: 2024-03-01T12:00:00Z\n"), 0644))
		store := upstream.NewCounterStore()
		r := New(&fakeEstimator{}, store, fs, Config{StatePath: "/counters.yaml"}, nil)

		found, err := r.Warm()
		require.NoError(t, err)
		assert.True(t, found)
		c, _ := store.Load()
		assert.Equal(t, 12, c.Challenges)
		assert.Equal(t, 34, c.Users)
		assert.True(t, c.RefreshedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	})
}

func TestStartStop(t *testing.T) {
	est := &fakeEstimator{challenges: 1, users: 2}
	store := upstream.NewCounterStore()
	r := New(est, store, afero.NewMemMapFs(), Config{Interval: 10 * time.Millisecond}, nil)

	r.Start()
	require.Eventually(t, func() bool { return est.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	calls := est.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, est.callCount())

	c, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 2, c.Users)
}
