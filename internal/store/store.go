// Package store owns the QR record table. All mutations go through one mutex
// and are written back to a Backend as a single serialized blob before the
// call returns.
package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
)

// ShortCodeLength is the length of generated short codes.
const ShortCodeLength = 8

// EventKind names the mutation that produced an Event.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventDeleted  EventKind = "deleted"
	EventSelected EventKind = "selected"
	EventScanned  EventKind = "scanned"
	EventReloaded EventKind = "reloaded"
)

// Event is delivered to subscribers after each mutation.
type Event struct {
	Kind     EventKind `json:"kind"`
	RecordID string    `json:"recordId,omitempty"`
}

// Store is what the views depend on.
type Store interface {
	Create(ctx context.Context, name, url string, o model.StyleOverrides) (model.Record, error)
	Update(ctx context.Context, id string, p model.Patch) error
	Delete(ctx context.Context, id string) error
	Select(ctx context.Context, id string) error
	Current() (model.Record, bool)
	SetCurrentURL(ctx context.Context, id, url string) error
	AppendScan(ctx context.Context, id string, s model.Scan) error
	FindByShortCode(code string) (model.Record, bool)
	Get(id string) (model.Record, bool)
	List() []model.Record
	Subscribe(fn func(Event)) (cancel func())
	Reload(ctx context.Context) error
}

// Option customizes a RecordStore.
type Option func(*RecordStore)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *RecordStore) { s.logger = l }
}

// WithIDGenerators replaces the record id and short code generators.
func WithIDGenerators(newID, newCode func() string) Option {
	return func(s *RecordStore) {
		if newID != nil {
			s.newID = newID
		}
		if newCode != nil {
			s.newCode = newCode
		}
	}
}

// RecordStore is the Store implementation backed by a Backend.
type RecordStore struct {
	mu        sync.Mutex
	backend   Backend
	records   []model.Record
	currentID string
	// dirty is set while the table holds mutations the backend has not
	// accepted yet.
	dirty bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	newID   func() string
	newCode func() string
	logger  *slog.Logger
}

var _ Store = (*RecordStore)(nil)

// Open loads the persisted state from backend. A backend that was never
// written yields an empty store, and so does a blob that cannot be decoded
// (logged at warn level). Only a failing backend read is returned as an
// error.
func Open(ctx context.Context, backend Backend, opts ...Option) (*RecordStore, error) {
	s := &RecordStore{
		backend: backend,
		subs:    make(map[int]func(Event)),
		newID:   uuid.NewString,
		newCode: newShortCode,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	data, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		s.records = []model.Record{}
		return s, nil
	case err != nil:
		return nil, apperr.StorageUnavailable("load state", err)
	}
	state, err := Decode(data)
	if err != nil {
		s.logger.Warn("discarding unreadable state", "error", err)
		s.records = []model.Record{}
		return s, nil
	}
	s.apply(state)
	return s, nil
}

func newShortCode() string {
	code, err := gonanoid.New(ShortCodeLength)
	if err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:ShortCodeLength]
	}
	return code
}

// apply installs a decoded state. Callers hold s.mu or own s exclusively.
func (s *RecordStore) apply(state State) {
	s.records = state.Records
	s.currentID = ""
	if s.indexOf(state.CurrentID) >= 0 {
		s.currentID = state.CurrentID
	}
}

func (s *RecordStore) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

// persist writes the whole table through the backend. Callers hold s.mu.
func (s *RecordStore) persist(ctx context.Context) error {
	data, err := Encode(State{Records: s.records, CurrentID: s.currentID})
	if err != nil {
		return apperr.StorageUnavailable("encode state", err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		s.dirty = true
		s.logger.Warn("persisting state failed", "error", err)
		return apperr.StorageUnavailable("save state", err)
	}
	s.dirty = false
	return nil
}

// Create appends a new record and makes it current. The record exists in
// memory even when the returned error reports a persistence failure.
func (s *RecordStore) Create(ctx context.Context, name, url string, o model.StyleOverrides) (model.Record, error) {
	s.mu.Lock()
	rec := model.Record{
		ID:          s.newID(),
		Name:        name,
		OriginalURL: url,
		CurrentURL:  url,
		ShortCode:   s.newCode(),
		CreatedAt:   model.Now(),
		Style:       model.MergeStyle(model.DefaultStyle(), o),
		Scans:       []model.Scan{},
	}
	s.records = append(s.records, rec)
	s.currentID = rec.ID
	err := s.persist(ctx)
	out := rec.Clone()
	s.mu.Unlock()

	s.notify(Event{Kind: EventCreated, RecordID: rec.ID})
	return out, err
}

// Update merges p into the record with id. Unknown ids are ignored.
func (s *RecordStore) Update(ctx context.Context, id string, p model.Patch) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	p.Apply(&s.records[i])
	err := s.persist(ctx)
	s.mu.Unlock()

	s.notify(Event{Kind: EventUpdated, RecordID: id})
	return err
}

// Delete removes the record and its scans, clearing current if it pointed
// there. Unknown ids are ignored.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	if s.currentID == id {
		s.currentID = ""
	}
	err := s.persist(ctx)
	s.mu.Unlock()

	s.notify(Event{Kind: EventDeleted, RecordID: id})
	return err
}

// Select makes id current. An empty or unknown id clears the selection.
func (s *RecordStore) Select(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.indexOf(id) >= 0 {
		s.currentID = id
	} else {
		s.currentID = ""
	}
	err := s.persist(ctx)
	current := s.currentID
	s.mu.Unlock()

	s.notify(Event{Kind: EventSelected, RecordID: current})
	return err
}

func (s *RecordStore) Current() (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(s.currentID)
	if i < 0 {
		return model.Record{}, false
	}
	return s.records[i].Clone(), true
}

// SetCurrentURL changes only the redirect target. Unknown ids are ignored.
func (s *RecordStore) SetCurrentURL(ctx context.Context, id, url string) error {
	return s.Update(ctx, id, model.Patch{CurrentURL: &url})
}

// AppendScan assigns sc a fresh id and appends it to the record's scans. An
// unknown id is a silent no-op.
func (s *RecordStore) AppendScan(ctx context.Context, id string, sc model.Scan) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	sc.ID = s.newID()
	s.records[i].Scans = append(s.records[i].Scans, sc)
	err := s.persist(ctx)
	s.mu.Unlock()

	s.notify(Event{Kind: EventScanned, RecordID: id})
	return err
}

// FindByShortCode returns the first record carrying code.
func (s *RecordStore) FindByShortCode(code string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ShortCode == code {
			return s.records[i].Clone(), true
		}
	}
	return model.Record{}, false
}

func (s *RecordStore) Get(id string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return model.Record{}, false
	}
	return s.records[i].Clone(), true
}

// List returns every record in store order.
func (s *RecordStore) List() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Record, len(s.records))
	for i := range s.records {
		out[i] = s.records[i].Clone()
	}
	return out
}

// Reload replaces the in-memory table with the backend's blob. On a read or
// decode failure the current table is kept and a StorageUnavailable error is
// returned. While earlier mutations are still unsaved the table is written
// back instead of being replaced. Subscribers hear about it only when the
// table actually changed.
func (s *RecordStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.dirty {
		err := s.persist(ctx)
		s.mu.Unlock()
		return err
	}
	data, err := s.backend.Load(ctx)
	var state State
	switch {
	case errors.Is(err, ErrNoState):
		state = State{Records: []model.Record{}}
	case err != nil:
		s.mu.Unlock()
		return apperr.StorageUnavailable("reload state", err)
	default:
		state, err = Decode(data)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	before := s.snapshot()
	s.apply(state)
	changed := !bytes.Equal(before, s.snapshot())
	s.mu.Unlock()

	if changed {
		s.notify(Event{Kind: EventReloaded})
	}
	return nil
}

// snapshot encodes the table for change detection. Callers hold s.mu.
func (s *RecordStore) snapshot() []byte {
	data, err := Encode(State{Records: s.records, CurrentID: s.currentID})
	if err != nil {
		return nil
	}
	return data
}

// Subscribe registers fn for every subsequent Event. fn runs on the mutating
// goroutine and must not block; cancel stops delivery.
func (s *RecordStore) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *RecordStore) notify(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
