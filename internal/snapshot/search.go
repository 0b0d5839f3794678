package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
)

// DefaultSearchLimit caps results when the caller passes no limit.
const DefaultSearchLimit = 50

// maxFullLine bounds one JSONL record.
const maxFullLine = 16 << 20

// ArtifactReader opens artifacts of a snapshot for reading.
type ArtifactReader interface {
	OpenIndexed(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, error)
	OpenFull(ref domain.SnapshotRef, entity domain.EntityType) (*os.File, error)
}

// Record is one indexed row keyed by column name.
type Record map[string]string

// ID returns the record's sourcedId.
func (r Record) ID() string { return r["sourcedId"] }

// Predicate selects indexed rows.
type Predicate func(Record) bool

// MatchTerm matches rows where any of fields contains term, ignoring
// case. With no fields the entity's default search columns are used.
func MatchTerm(entity domain.EntityType, term string, fields ...string) Predicate {
	if len(fields) == 0 {
		fields = entity.SearchFields()
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	return func(r Record) bool {
		if needle == "" {
			return true
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(r[f]), needle) {
				return true
			}
		}
		return false
	}
}

// MatchExact matches rows whose field equals value, ignoring case.
func MatchExact(field, value string) Predicate {
	return func(r Record) bool {
		return strings.EqualFold(r[field], value)
	}
}

// Relationships is the result of resolving a record's links.
type Relationships struct {
	Entity  domain.EntityType `json:"entity_type"`
	Record  json.RawMessage   `json:"record"`
	Related domain.EntityType `json:"related_entity_type"`
	Records []json.RawMessage `json:"related"`
	// Missing lists linked ids absent from the related artifact.
	Missing []string `json:"missing,omitempty"`
}

// Engine answers queries against complete snapshots by streaming their
// artifacts.
type Engine struct {
	artifacts ArtifactReader
}

// NewEngine creates an Engine.
func NewEngine(artifacts ArtifactReader) *Engine {
	return &Engine{artifacts: artifacts}
}

func searchable(snap *domain.Snapshot, entity domain.EntityType) error {
	if snap == nil {
		return domain.ErrSnapshotUnavailable
	}
	if snap.Status != domain.StatusComplete {
		return fmt.Errorf("%w: %s is %s", domain.ErrSnapshotNotComplete, snap.Ref(), snap.Status)
	}
	if _, ok := snap.Files[entity]; !ok {
		return fmt.Errorf("%w: %s not captured in %s", domain.ErrSnapshotUnavailable, entity, snap.Ref())
	}
	return nil
}

// Scan streams indexed rows of entity to fn until fn returns false.
// Malformed rows, such as a torn last row, are skipped so the rest of
// the artifact stays searchable; CheckIntegrity reports them.
func (e *Engine) Scan(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType, fn func(Record) bool) error {
	malformed, err := e.scanIndexed(ctx, snap, entity, fn)
	if err != nil {
		return err
	}
	if malformed > 0 {
		logger.With(logger.Fields{
			logger.FieldEntityType: string(entity),
			logger.FieldRunID:      snap.RunID,
			logger.FieldCount:      malformed,
		}).Warn(ctx, "Skipped malformed indexed rows in %s", snap.Ref())
	}
	return nil
}

// scanIndexed is Scan returning the number of skipped rows.
func (e *Engine) scanIndexed(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType, fn func(Record) bool) (int, error) {
	if err := searchable(snap, entity); err != nil {
		return 0, err
	}
	f, err := e.artifacts.OpenIndexed(snap.Ref(), entity)
	if err != nil {
		return 0, fmt.Errorf("open indexed artifact: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.ReuseRecord = true
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read indexed header: %w", err)
	}
	header = append([]string(nil), header...)

	malformed := 0
	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return malformed, err
			}
		}
		row, err := r.Read()
		if err == io.EOF {
			return malformed, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				malformed++
				continue
			}
			return malformed, fmt.Errorf("read indexed row: %w", err)
		}
		if len(row) != len(header) {
			malformed++
			continue
		}
		rec := make(Record, len(header))
		for i, col := range header {
			rec[col] = row[i]
		}
		if !fn(rec) {
			return malformed, nil
		}
	}
}

// Search returns up to limit rows matching pred, in artifact order.
func (e *Engine) Search(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType, pred Predicate, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	results := make([]Record, 0)
	err := e.Scan(ctx, snap, entity, func(r Record) bool {
		if pred == nil || pred(r) {
			results = append(results, r)
		}
		return len(results) < limit
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// scanFull streams raw JSONL records of entity to fn until it returns false.
func (e *Engine) scanFull(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType, fn func(id string, raw json.RawMessage) bool) error {
	f, err := e.artifacts.OpenFull(snap.Ref(), entity)
	if err != nil {
		return fmt.Errorf("open full artifact: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxFullLine)
	for n := 0; sc.Scan(); n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var head struct {
			SourcedID json.RawMessage `json:"sourcedId"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return fmt.Errorf("decode full record %d: %w", n, err)
		}
		if !fn(idOf(head.SourcedID), append(json.RawMessage(nil), line...)) {
			return nil
		}
	}
	return sc.Err()
}

// idOf renders a raw sourcedId the way the indexed artifact does, so
// numeric ids match their CSV cell.
func idOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	return cell(v)
}

// GetFullRecord returns the raw payload of one record.
func (e *Engine) GetFullRecord(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType, id string) (json.RawMessage, error) {
	if err := searchable(snap, entity); err != nil {
		return nil, err
	}
	var found json.RawMessage
	err := e.scanFull(ctx, snap, entity, func(rid string, raw json.RawMessage) bool {
		if rid == id {
			found = raw
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrRecordNotFound, entity, id)
	}
	return found, nil
}

// ResolveRelationships loads the record id of entity, follows its agents
// links and collects the linked records from the related entity. Row
// count divergence between the artifacts is reported as an
// *domain.IntegrityError instead of returning partial results.
func (e *Engine) ResolveRelationships(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType, id string) (*Relationships, error) {
	rel, ok := domain.RelationFor(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no relationships", domain.ErrUnknownEntity, entity)
	}
	if err := searchable(snap, entity); err != nil {
		return nil, err
	}
	if err := searchable(snap, rel.To); err != nil {
		return nil, err
	}
	for _, et := range []domain.EntityType{entity, rel.To} {
		if err := e.CheckIntegrity(ctx, snap, et); err != nil {
			return nil, err
		}
	}

	record, err := e.GetFullRecord(ctx, snap, entity, id)
	if err != nil {
		return nil, err
	}
	links, err := linkedIDs(record, rel)
	if err != nil {
		return nil, err
	}

	out := &Relationships{Entity: entity, Record: record, Related: rel.To, Records: []json.RawMessage{}}
	if len(links) == 0 {
		return out, nil
	}
	want := make(map[string]bool, len(links))
	for _, l := range links {
		want[l] = true
	}
	found := make(map[string]bool, len(links))
	err = e.scanFull(ctx, snap, rel.To, func(rid string, raw json.RawMessage) bool {
		if want[rid] && !found[rid] {
			found[rid] = true
			out.Records = append(out.Records, raw)
		}
		return len(found) < len(want)
	})
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if !found[l] {
			out.Missing = append(out.Missing, l)
		}
	}
	return out, nil
}

func linkedIDs(record json.RawMessage, rel domain.Relation) ([]string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(record, &payload); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	raw, ok := payload[rel.Field]
	if !ok {
		return nil, nil
	}
	var agents []struct {
		SourcedID json.RawMessage `json:"sourcedId"`
		Type      string          `json:"type"`
	}
	if err := json.Unmarshal(raw, &agents); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rel.Field, err)
	}
	seen := make(map[string]bool, len(agents))
	var ids []string
	for _, a := range agents {
		id := idOf(a.SourcedID)
		if id == "" || seen[id] || !strings.EqualFold(a.Type, rel.AgentType) {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// CheckIntegrity counts the rows of both artifacts of entity and
// compares them, and the artifact sizes, with the manifest. Malformed or
// torn rows count as divergence.
func (e *Engine) CheckIntegrity(ctx context.Context, snap *domain.Snapshot, entity domain.EntityType) error {
	if err := searchable(snap, entity); err != nil {
		return err
	}
	entry := snap.Files[entity]
	indexed := 0
	malformed, err := e.scanIndexed(ctx, snap, entity, func(Record) bool { indexed++; return true })
	if err != nil {
		return err
	}
	full := 0
	torn := false
	if err := e.scanFull(ctx, snap, entity, func(string, json.RawMessage) bool { full++; return true }); err != nil {
		var syntax *json.SyntaxError
		if !errors.As(err, &syntax) {
			return err
		}
		torn = true
	}
	sizesMatch, err := e.sizesMatch(snap, entity, entry)
	if err != nil {
		return err
	}
	if malformed > 0 || torn || !sizesMatch || indexed != full || indexed != entry.Rows {
		return &domain.IntegrityError{Entity: entity, IndexedRows: indexed, FullRows: full, ManifestRows: entry.Rows}
	}
	return nil
}

// sizesMatch compares on-disk artifact sizes with the manifest. Entries
// written without sizes are not checked.
func (e *Engine) sizesMatch(snap *domain.Snapshot, entity domain.EntityType, entry domain.ManifestEntry) (bool, error) {
	check := func(open func(domain.SnapshotRef, domain.EntityType) (*os.File, error), want int64) (bool, error) {
		if want <= 0 {
			return true, nil
		}
		f, err := open(snap.Ref(), entity)
		if err != nil {
			return false, fmt.Errorf("open artifact: %w", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return false, fmt.Errorf("stat artifact: %w", err)
		}
		return info.Size() == want, nil
	}
	ok, err := check(e.artifacts.OpenIndexed, entry.IndexedBytes)
	if err != nil || !ok {
		return ok, err
	}
	return check(e.artifacts.OpenFull, entry.FullBytes)
}
