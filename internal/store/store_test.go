package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
)

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func openTestStore(t *testing.T, backend Backend) *RecordStore {
	t.Helper()
	s, err := Open(context.Background(), backend, WithIDGenerators(sequence("id-"), sequence("code")))
	require.NoError(t, err)
	return s
}

type failingBackend struct {
	loadErr error
	saveErr error
	data    []byte
}

func (f *failingBackend) Load(ctx context.Context) ([]byte, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.data == nil {
		return nil, ErrNoState
	}
	return f.data, nil
}

func (f *failingBackend) Save(ctx context.Context, data []byte) error {
	return f.saveErr
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())

	size := 300
	rec, err := s.Create(ctx, "Site", "https://example.com", model.StyleOverrides{Size: &size})
	require.NoError(t, err)

	assert.Equal(t, "id-1", rec.ID)
	assert.Equal(t, "Site", rec.Name)
	assert.Equal(t, "https://example.com", rec.OriginalURL)
	assert.Equal(t, rec.OriginalURL, rec.CurrentURL)
	assert.Equal(t, "code1", rec.ShortCode)
	assert.Empty(t, rec.Scans)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 300, rec.Style.Size)
	assert.Equal(t, model.DefaultStyle().Color, rec.Style.Color)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, rec.ID, cur.ID)

	found, ok := s.FindByShortCode(rec.ShortCode)
	require.True(t, ok)
	assert.Equal(t, rec.ID, found.ID)
}

func TestCreateGeneratesNanoidCodes(t *testing.T) {
	s, err := Open(context.Background(), NewMemoryBackend())
	require.NoError(t, err)

	a, err := s.Create(context.Background(), "a", "https://a.example", model.StyleOverrides{})
	require.NoError(t, err)
	b, err := s.Create(context.Background(), "b", "https://b.example", model.StyleOverrides{})
	require.NoError(t, err)

	assert.Len(t, a.ShortCode, ShortCodeLength)
	assert.Regexp(t, `^[A-Za-z0-9_-]{8}$`, a.ShortCode)
	assert.NotEqual(t, a.ShortCode, b.ShortCode)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSetCurrentURL(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())
	rec, err := s.Create(ctx, "Site", "https://example.com", model.StyleOverrides{})
	require.NoError(t, err)

	require.NoError(t, s.SetCurrentURL(ctx, rec.ID, "https://example.org"))

	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "https://example.org", got.CurrentURL)
	assert.Equal(t, "https://example.com", got.OriginalURL)
	assert.Equal(t, rec.ShortCode, got.ShortCode)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "https://example.org", cur.CurrentURL)

	t.Run("unknown id is a no-op", func(t *testing.T) {
		before := s.List()
		require.NoError(t, s.SetCurrentURL(ctx, "missing", "https://x.example"))
		assert.Equal(t, before, s.List())
	})
}

func TestAppendScan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())
	rec, err := s.Create(ctx, "Site", "https://example.com", model.StyleOverrides{})
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sc := model.Scan{
			ID:        "ignored",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			UserAgent: fmt.Sprintf("agent-%d", i),
			Device:    model.DeviceDesktop,
		}
		require.NoError(t, s.AppendScan(ctx, rec.ID, sc))
	}

	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	require.Len(t, got.Scans, 5)
	seen := map[string]bool{}
	for i, sc := range got.Scans {
		assert.Equal(t, fmt.Sprintf("agent-%d", i), sc.UserAgent)
		assert.NotEqual(t, "ignored", sc.ID)
		assert.False(t, seen[sc.ID], "duplicate scan id %s", sc.ID)
		seen[sc.ID] = true
	}

	t.Run("unknown id is silently ignored", func(t *testing.T) {
		require.NoError(t, s.AppendScan(ctx, "missing", model.Scan{}))
		got, _ := s.Get(rec.ID)
		assert.Len(t, got.Scans, 5)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())
	first, err := s.Create(ctx, "first", "https://a.example", model.StyleOverrides{})
	require.NoError(t, err)
	second, err := s.Create(ctx, "second", "https://b.example", model.StyleOverrides{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, second.ID))

	_, ok := s.FindByShortCode(second.ShortCode)
	assert.False(t, ok)
	_, ok = s.Current()
	assert.False(t, ok, "current pointed at the deleted record")

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	require.NoError(t, s.Select(ctx, first.ID))
	require.NoError(t, s.Delete(ctx, "missing"))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, first.ID, cur.ID)
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())
	a, _ := s.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	_, _ = s.Create(ctx, "b", "https://b.example", model.StyleOverrides{})

	require.NoError(t, s.Select(ctx, a.ID))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, a.ID, cur.ID)

	require.NoError(t, s.Select(ctx, "unknown"))
	_, ok = s.Current()
	assert.False(t, ok)

	require.NoError(t, s.Select(ctx, a.ID))
	require.NoError(t, s.Select(ctx, ""))
	_, ok = s.Current()
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())
	rec, _ := s.Create(ctx, "old", "https://a.example", model.StyleOverrides{})

	name := "new"
	style := model.DefaultStyle()
	style.Color = "#112233"
	require.NoError(t, s.Update(ctx, rec.ID, model.Patch{Name: &name, Style: &style}))

	got, _ := s.Get(rec.ID)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, "#112233", got.Style.Color)
	assert.Equal(t, rec.CurrentURL, got.CurrentURL)

	cur, _ := s.Current()
	assert.Equal(t, "new", cur.Name)
}

func TestReturnedRecordsDoNotAlias(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())
	rec, _ := s.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	require.NoError(t, s.AppendScan(ctx, rec.ID, model.Scan{UserAgent: "ua"}))

	got, _ := s.Get(rec.ID)
	got.Name = "mutated"
	got.Scans[0].UserAgent = "mutated"

	again, _ := s.Get(rec.ID)
	assert.Equal(t, "a", again.Name)
	assert.Equal(t, "ua", again.Scans[0].UserAgent)
}

func TestPersistenceAcrossOpen(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(t.TempDir(), "qr-store")
	s := openTestStore(t, backend)
	rec, err := s.Create(ctx, "Site", "https://example.com", model.StyleOverrides{})
	require.NoError(t, err)
	require.NoError(t, s.AppendScan(ctx, rec.ID, model.Scan{Timestamp: model.Now(), Device: model.DeviceMobile}))

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, s.List(), reopened.List())
	cur, ok := reopened.Current()
	require.True(t, ok)
	assert.Equal(t, rec.ID, cur.ID)
	assert.FileExists(t, filepath.Join(filepath.Dir(backend.Path()), "qr-store.json"))
}

func TestOpenCorruptStateStartsEmpty(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Save(context.Background(), []byte("{not json")))

	s, err := Open(context.Background(), backend)
	require.NoError(t, err)
	assert.Empty(t, s.List())
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestOpenBackendFailure(t *testing.T) {
	_, err := Open(context.Background(), &failingBackend{loadErr: errors.New("connection refused")})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}

func TestPersistFailureKeepsRecord(t *testing.T) {
	s := openTestStore(t, &failingBackend{saveErr: errors.New("disk full")})
	rec, err := s.Create(context.Background(), "a", "https://a.example", model.StyleOverrides{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)

	_, ok := s.Get(rec.ID)
	assert.True(t, ok)
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	writer := openTestStore(t, backend)
	reader := openTestStore(t, backend)

	rec, err := writer.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	require.NoError(t, err)

	_, ok := reader.FindByShortCode(rec.ShortCode)
	require.False(t, ok)

	require.NoError(t, reader.Reload(ctx))
	found, ok := reader.FindByShortCode(rec.ShortCode)
	require.True(t, ok)
	assert.Equal(t, rec.ID, found.ID)

	require.NoError(t, backend.Save(ctx, []byte("garbage")))
	err = reader.Reload(ctx)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.Len(t, reader.List(), 1, "failed reload keeps the previous table")
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, NewMemoryBackend())

	var events []Event
	cancel := s.Subscribe(func(ev Event) { events = append(events, ev) })

	rec, _ := s.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	require.NoError(t, s.SetCurrentURL(ctx, rec.ID, "https://b.example"))
	require.NoError(t, s.AppendScan(ctx, rec.ID, model.Scan{}))
	require.NoError(t, s.Select(ctx, ""))
	require.NoError(t, s.Delete(ctx, rec.ID))
	require.NoError(t, s.Delete(ctx, rec.ID))

	assert.Equal(t, []Event{
		{Kind: EventCreated, RecordID: rec.ID},
		{Kind: EventUpdated, RecordID: rec.ID},
		{Kind: EventScanned, RecordID: rec.ID},
		{Kind: EventSelected},
		{Kind: EventDeleted, RecordID: rec.ID},
	}, events)

	cancel()
	cancel()
	_, _ = s.Create(ctx, "b", "https://b.example", model.StyleOverrides{})
	assert.Len(t, events, 5)
}

// gatedBackend pauses the first armed Load until release is closed.
type gatedBackend struct {
	*MemoryBackend
	mu      sync.Mutex
	armed   bool
	loaded  chan struct{}
	release chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		MemoryBackend: NewMemoryBackend(),
		loaded:        make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedBackend) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := g.MemoryBackend.Load(ctx)
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(g.loaded)
		<-g.release
	}
	return data, err
}

func TestReloadDoesNotLoseConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	backend := newGatedBackend()
	s := openTestStore(t, backend)
	_, err := s.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	require.NoError(t, err)

	backend.arm()
	reloaded := make(chan error, 1)
	go func() { reloaded <- s.Reload(ctx) }()
	<-backend.loaded

	created := make(chan error, 1)
	var rec model.Record
	go func() {
		var err error
		rec, err = s.Create(ctx, "b", "https://b.example", model.StyleOverrides{})
		created <- err
	}()
	select {
	case <-created:
		t.Fatal("create finished while a reload was applying an older table")
	case <-time.After(20 * time.Millisecond):
	}

	close(backend.release)
	require.NoError(t, <-reloaded)
	require.NoError(t, <-created)

	_, ok := s.Get(rec.ID)
	assert.True(t, ok)
	assert.Len(t, s.List(), 2)

	fresh := openTestStore(t, backend.MemoryBackend)
	_, ok = fresh.Get(rec.ID)
	assert.True(t, ok, "backend holds the record created during the reload")
}

// flakyBackend is a MemoryBackend whose Save can be switched to fail.
type flakyBackend struct {
	*MemoryBackend
	fail bool
}

func (f *flakyBackend) Save(ctx context.Context, data []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Save(ctx, data)
}

func TestReloadKeepsUnsavedRecords(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	s := openTestStore(t, backend)

	backend.fail = true
	rec, err := s.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)

	assert.ErrorIs(t, s.Reload(ctx), apperr.ErrStorageUnavailable)
	_, ok := s.Get(rec.ID)
	assert.True(t, ok, "a failed write-back keeps the table")

	backend.fail = false
	require.NoError(t, s.Reload(ctx))
	_, ok = s.Get(rec.ID)
	assert.True(t, ok)

	fresh := openTestStore(t, backend.MemoryBackend)
	_, ok = fresh.Get(rec.ID)
	assert.True(t, ok, "reload wrote the unsaved table back")
}

func TestReloadNotifiesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	writer := openTestStore(t, backend)
	reader := openTestStore(t, backend)

	var events []Event
	reader.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, reader.Reload(ctx))
	assert.Empty(t, events, "nothing changed")

	_, err := writer.Create(ctx, "a", "https://a.example", model.StyleOverrides{})
	require.NoError(t, err)
	require.NoError(t, reader.Reload(ctx))
	require.NoError(t, reader.Reload(ctx))
	assert.Equal(t, []Event{{Kind: EventReloaded}}, events)
}
