package registry

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshelm/skillbus/models"
	"github.com/opshelm/skillbus/store"
)

// fakeStore is an in-memory store.Store that counts writes so tests can
// assert when the persistence rewrite fires.
type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	writes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(table, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[table+"/"+key]
	if !ok {
		return "", &store.ErrKeyNotFound{Table: table, Key: key}
	}
	return value, nil
}

func (f *fakeStore) Put(table, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[table+"/"+key] = value
	f.writes++
	return nil
}

func (f *fakeStore) Delete(table, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, table+"/"+key)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var subA = models.Subscriber{Endpoint: "/tmp/a.sock", Path: "/notify"}
var subB = models.Subscriber{Endpoint: "/tmp/b.sock", Path: "/notify"}

func TestAddSubscription(t *testing.T) {
	st := newFakeStore()
	r := New(testLogger(), st)
	r.RegisterTopic("weather", nil, nil, nil)

	added, err := r.AddSubscription("weather", subA)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, st.writeCount())

	// Structural duplicate is a distinguishable no-op, not an error,
	// and does not rewrite storage.
	added, err = r.AddSubscription("weather", models.Subscriber{Endpoint: "/tmp/a.sock", Path: "/notify"})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, st.writeCount())
	assert.Len(t, r.Subscribers("weather"), 1)
}

func TestAddSubscriptionUnknownTopic(t *testing.T) {
	st := newFakeStore()
	r := New(testLogger(), st)

	added, err := r.AddSubscription("nope", subA)
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.False(t, added)
	assert.Equal(t, 0, st.writeCount())
	assert.Nil(t, r.Subscribers("nope"))
}

func TestRemoveSubscription(t *testing.T) {
	st := newFakeStore()
	r := New(testLogger(), st)
	r.RegisterTopic("weather", nil, nil, nil)

	_, err := r.AddSubscription("weather", subA)
	require.NoError(t, err)
	writesAfterAdd := st.writeCount()

	removed, err := r.RemoveSubscription("weather", subA)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, writesAfterAdd+1, st.writeCount())
	assert.Empty(t, r.Subscribers("weather"))

	// Removing a never-subscribed pair is a no-op success with no write.
	removed, err = r.RemoveSubscription("weather", subB)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, writesAfterAdd+1, st.writeCount())
}

func TestRemoveSubscriptionUnknownTopic(t *testing.T) {
	r := New(testLogger(), newFakeStore())
	_, err := r.RemoveSubscription("nope", subA)
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestReRegisterKeepsSubscribers(t *testing.T) {
	r := New(testLogger(), newFakeStore())
	r.RegisterTopic("weather", nil, nil, nil)
	_, err := r.AddSubscription("weather", subA)
	require.NoError(t, err)

	called := false
	r.RegisterTopic("weather", func(request, response models.Document) bool {
		called = true
		return true
	}, nil, nil)

	assert.Len(t, r.Subscribers("weather"), 1)
	h := r.Handlers("weather")
	require.NotNil(t, h.Subscribe)
	h.Subscribe(nil, models.Document{})
	assert.True(t, called)
}

func TestSubscribersIsASnapshot(t *testing.T) {
	r := New(testLogger(), newFakeStore())
	r.RegisterTopic("weather", nil, nil, nil)
	_, err := r.AddSubscription("weather", subA)
	require.NoError(t, err)

	snap := r.Subscribers("weather")
	_, err = r.AddSubscription("weather", subB)
	require.NoError(t, err)

	assert.Len(t, snap, 1)
	assert.Len(t, r.Subscribers("weather"), 2)
}

func TestPersistenceRoundTrip(t *testing.T) {
	st := newFakeStore()

	first := New(testLogger(), st)
	first.RegisterTopic("weather", nil, nil, nil)
	first.RegisterTopic("navigation", nil, nil, nil)
	_, err := first.AddSubscription("weather", subA)
	require.NoError(t, err)
	_, err = first.AddSubscription("weather", subB)
	require.NoError(t, err)
	_, err = first.AddSubscription("navigation", subA)
	require.NoError(t, err)

	// A fresh registry over the same store reconstructs the same set of
	// (topic, endpoint, path) triples, and the persisted topics are
	// subscribable before any re-registration.
	second := New(testLogger(), st)
	require.NoError(t, second.Load())

	assert.ElementsMatch(t, []models.Subscriber{subA, subB}, second.Subscribers("weather"))
	assert.ElementsMatch(t, []models.Subscriber{subA}, second.Subscribers("navigation"))
	assert.True(t, second.HasTopic("weather"))
}

func TestLoadEmptyStore(t *testing.T) {
	r := New(testLogger(), newFakeStore())
	require.NoError(t, r.Load())
	topics, subscribers := r.Counts()
	assert.Zero(t, topics)
	assert.Zero(t, subscribers)
}

func TestLoadMalformedBlob(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.Put(LocalStorageTable, "subscriptions", "{not json"))

	r := New(testLogger(), st)
	err := r.Load()
	require.Error(t, err)

	// No partial trust of corrupt data: the registry starts empty.
	topics, subscribers := r.Counts()
	assert.Zero(t, topics)
	assert.Zero(t, subscribers)
}

func TestLoadRecordMissingField(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.Put(LocalStorageTable, "subscriptions",
		`[{"id":"weather","endpoint":"/tmp/a.sock","path":"/notify"},{"id":"weather","endpoint":"","path":"/x"}]`))

	r := New(testLogger(), st)
	require.Error(t, r.Load())
	topics, _ := r.Counts()
	assert.Zero(t, topics)
}
