// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sodap/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (tests, dev, snapshot-backed)
// =============================================================================

// Memory is a ledger.TxStore held in process memory. Transactions are
// optimistic: reads record the version they saw, writes are buffered, and
// commit validates the read set under the lock.
type Memory struct {
	mu          sync.RWMutex
	records     map[ledger.Key]ledger.Record
	entries     []ledger.Entry
	idempotency map[string]bool
}

var _ ledger.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[ledger.Key]ledger.Record),
		idempotency: make(map[string]bool),
	}
}

func (m *Memory) Get(_ context.Context, key ledger.Key) (ledger.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *Memory) Create(_ context.Context, key ledger.Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return fmt.Errorf("%s: %w", key, ledger.ErrAlreadyExists)
	}
	m.records[key] = newRecord(key, 1, data)
	return nil
}

func (m *Memory) PutIf(_ context.Context, key ledger.Key, expected int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ledger.ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("%s at version %d, expected %d: %w", key, cur.Version, expected, ledger.ErrVersionConflict)
	}
	m.records[key] = newRecord(key, expected+1, data)
	return nil
}

func (m *Memory) List(_ context.Context, prefix ledger.Key) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Record
	for k, rec := range m.records {
		if strings.HasPrefix(string(k), string(prefix)) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Append(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return fmt.Errorf("%s: %w", e.IdempotencyKey, ledger.ErrDuplicateIdempotencyKey)
	}
	m.appendLocked(e)
	return nil
}

func (m *Memory) appendLocked(e ledger.Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
}

func (m *Memory) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterEntries(m.entries, nil, f), nil
}

func newRecord(key ledger.Key, version int64, data []byte) ledger.Record {
	return ledger.Record{
		Key:       key,
		Version:   version,
		Data:      append(json.RawMessage(nil), data...),
		UpdatedAt: time.Now().UTC(),
	}
}

func sortRecords(recs []ledger.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}

func filterEntries(committed, pending []ledger.Entry, f ledger.EntryFilter) []ledger.Entry {
	var out []ledger.Entry
	for _, src := range [][]ledger.Entry{committed, pending} {
		for _, e := range src {
			if f.Matches(e) {
				out = append(out, e)
			}
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a buffered view and commits atomically.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	view := &txMemoryView{
		parent: m,
		reads:  make(map[ledger.Key]int64),
		writes: make(map[ledger.Key]ledger.Record),
	}
	if err := fn(view); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *txMemoryView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, seen := range v.reads {
		var cur int64
		if rec, ok := m.records[key]; ok {
			cur = rec.Version
		}
		if cur != seen {
			return fmt.Errorf("%s changed since read: %w", key, ledger.ErrVersionConflict)
		}
	}
	// Every record under a listed prefix was recorded as read; any other
	// one was inserted after the listing.
	for _, prefix := range v.scans {
		for key := range m.records {
			if !strings.HasPrefix(string(key), string(prefix)) {
				continue
			}
			if _, seen := v.reads[key]; !seen {
				return fmt.Errorf("%s inserted under listed %s: %w", key, prefix, ledger.ErrVersionConflict)
			}
		}
	}
	for _, e := range v.entries {
		if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
			return fmt.Errorf("%s committed concurrently: %w", e.IdempotencyKey, ledger.ErrVersionConflict)
		}
	}

	now := time.Now().UTC()
	for key, rec := range v.writes {
		rec.UpdatedAt = now
		m.records[key] = rec
	}
	for _, e := range v.entries {
		m.appendLocked(e)
	}
	return nil
}

// txMemoryView is the ledger.Store seen inside WithTx.
type txMemoryView struct {
	parent  *Memory
	reads   map[ledger.Key]int64
	writes  map[ledger.Key]ledger.Record
	scans   []ledger.Key
	entries []ledger.Entry
}

// current returns the version visible to the transaction, 0 when absent.
func (tv *txMemoryView) current(key ledger.Key) (ledger.Record, bool) {
	if rec, ok := tv.writes[key]; ok {
		return rec, true
	}
	tv.parent.mu.RLock()
	rec, ok := tv.parent.records[key]
	tv.parent.mu.RUnlock()
	if _, seen := tv.reads[key]; !seen {
		tv.reads[key] = rec.Version
	}
	return rec, ok
}

func (tv *txMemoryView) Get(_ context.Context, key ledger.Key) (ledger.Record, bool, error) {
	rec, ok := tv.current(key)
	return rec, ok, nil
}

func (tv *txMemoryView) Create(_ context.Context, key ledger.Key, data []byte) error {
	if _, ok := tv.current(key); ok {
		return fmt.Errorf("%s: %w", key, ledger.ErrAlreadyExists)
	}
	tv.writes[key] = newRecord(key, 1, data)
	return nil
}

func (tv *txMemoryView) PutIf(_ context.Context, key ledger.Key, expected int64, data []byte) error {
	rec, ok := tv.current(key)
	if !ok {
		return fmt.Errorf("%s: %w", key, ledger.ErrNotFound)
	}
	if rec.Version != expected {
		return fmt.Errorf("%s at version %d, expected %d: %w", key, rec.Version, expected, ledger.ErrVersionConflict)
	}
	tv.writes[key] = newRecord(key, expected+1, data)
	return nil
}

func (tv *txMemoryView) List(ctx context.Context, prefix ledger.Key) ([]ledger.Record, error) {
	committed, err := tv.parent.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	tv.scans = append(tv.scans, prefix)
	merged := make(map[ledger.Key]ledger.Record, len(committed))
	for _, rec := range committed {
		if _, seen := tv.reads[rec.Key]; !seen {
			tv.reads[rec.Key] = rec.Version
		}
		merged[rec.Key] = rec
	}
	for key, rec := range tv.writes {
		if strings.HasPrefix(string(key), string(prefix)) {
			merged[key] = rec
		}
	}
	out := make([]ledger.Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (tv *txMemoryView) Append(_ context.Context, e ledger.Entry) error {
	if e.IdempotencyKey != "" {
		tv.parent.mu.RLock()
		dup := tv.parent.idempotency[e.IdempotencyKey]
		tv.parent.mu.RUnlock()
		for _, p := range tv.entries {
			if p.IdempotencyKey == e.IdempotencyKey {
				dup = true
			}
		}
		if dup {
			return fmt.Errorf("%s: %w", e.IdempotencyKey, ledger.ErrDuplicateIdempotencyKey)
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tv.entries = append(tv.entries, e)
	return nil
}

func (tv *txMemoryView) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()
	return filterEntries(tv.parent.entries, tv.entries, f), nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type snapshot struct {
	Records []ledger.Record `json:"records"`
	Entries []ledger.Entry  `json:"entries"`
}

// Snapshot writes the full store state as JSON.
func (m *Memory) Snapshot(w io.Writer) error {
	m.mu.RLock()
	snap := snapshot{Entries: append([]ledger.Entry(nil), m.entries...)}
	for _, rec := range m.records {
		snap.Records = append(snap.Records, rec)
	}
	m.mu.RUnlock()

	sortRecords(snap.Records)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Restore replaces the store state with a snapshot written by Snapshot.
func (m *Memory) Restore(r io.Reader) error {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[ledger.Key]ledger.Record, len(snap.Records))
	for _, rec := range snap.Records {
		m.records[rec.Key] = rec
	}
	m.entries = snap.Entries
	m.idempotency = make(map[string]bool)
	for _, e := range m.entries {
		if e.IdempotencyKey != "" {
			m.idempotency[e.IdempotencyKey] = true
		}
	}
	return nil
}
