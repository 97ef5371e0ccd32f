package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"layergraph/backend/internal/predicate"
	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

// Key layout. Every edge is written under its source (e) and its target (r)
// so both directions can be scanned by prefix.
//
//	n\x00<id>                              node properties
//	e\x00<from>\x00<rel>\x00<to>\x00<eid>  edge record
//	r\x00<to>\x00<from>\x00<rel>\x00<eid>  edge record
const (
	sep           = "\x00"
	nodePrefix    = "n" + sep
	edgePrefix    = "e" + sep
	reversePrefix = "r" + sep
)

// BadgerOptions configures an embedded store
type BadgerOptions struct {
	// Path is the data directory; ignored when InMemory is set
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// BadgerStore is the embedded key-value implementation of Store. Query
// takes the same CEL expressions as MemoryStore.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (creating if needed) a badger database
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, lgerrors.NewConfigMissingRequired("BADGER_PATH")
		}
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(opts.SyncWrites)
	}

	log := logger.OrDefault(opts.Logger, "badger")
	bopts = bopts.WithLogger(&badgerLogger{log: log.Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, lgerrors.NewStoreConnectionFailed("badger:"+opts.Path, err)
	}
	return &BadgerStore{db: db, logger: log}, nil
}

// badgerLogger routes badger's internal logging into zap, one level down so
// routine compaction chatter stays out of info logs
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimSpace(format), args...)
}

func nodeKey(id string) []byte {
	return []byte(nodePrefix + id)
}

func edgeKeys(from, to, relationship string, props map[string]any) (fwd, rev []byte) {
	eid, _ := props[PropEdgeID].(string)
	fwd = []byte(edgePrefix + from + sep + relationship + sep + to + sep + eid)
	rev = []byte(reversePrefix + to + sep + from + sep + relationship + sep + eid)
	return fwd, rev
}

func (s *BadgerStore) AddNode(ctx context.Context, id string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return lgerrors.NewContextCancelled("add node", err)
	}
	data, err := json.Marshal(nodeProps(id, props))
	if err != nil {
		return lgerrors.NewSerialization("properties", id, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(id), data)
	})
	if err != nil {
		return lgerrors.NewStoreQueryFailed("add node", err)
	}
	return nil
}

func (s *BadgerStore) AddEdge(ctx context.Context, from, to, relationship string, props map[string]any) error {
	if err := ctx.Err(); err != nil {
		return lgerrors.NewContextCancelled("add edge", err)
	}
	data, err := json.Marshal(EdgeRecord{From: from, To: to, Relationship: relationship, Properties: props})
	if err != nil {
		return lgerrors.NewSerialization("properties", relationship, err)
	}
	fwd, rev := edgeKeys(from, to, relationship, props)

	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range []string{from, to} {
			if _, err := txn.Get(nodeKey(id)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return lgerrors.NewReferentialIntegrity(lgerrors.KindEdge, relationship, lgerrors.KindNode, id)
				}
				return lgerrors.NewStoreQueryFailed("add edge", err)
			}
		}
		if err := txn.Set(fwd, data); err != nil {
			return lgerrors.NewStoreQueryFailed("add edge", err)
		}
		if err := txn.Set(rev, data); err != nil {
			return lgerrors.NewStoreQueryFailed("add edge", err)
		}
		return nil
	})
}

func (s *BadgerStore) HasNode(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, lgerrors.NewStoreQueryFailed("has node", err)
	}
	return found, nil
}

func (s *BadgerStore) ExtractNode(ctx context.Context, id string) (map[string]any, error) {
	var props map[string]any
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			props, err = decodeProps(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, lgerrors.NewNotFound(lgerrors.KindNode, id)
	}
	if err != nil {
		return nil, lgerrors.NewStoreQueryFailed("extract node", err)
	}
	return props, nil
}

func (s *BadgerStore) GetEdges(ctx context.Context, id string) ([]EdgeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, lgerrors.NewContextCancelled("get edges", err)
	}
	var out []EdgeRecord
	seen := make(map[string]bool)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{edgePrefix + id + sep, reversePrefix + id + sep} {
			err := scanEdges(txn, []byte(prefix), func(e EdgeRecord) {
				slot := edgeSlot(e.From, e.To, e.Relationship, e.Properties)
				if !seen[slot] {
					seen[slot] = true
					out = append(out, e)
				}
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, lgerrors.NewStoreQueryFailed("get edges", err)
	}
	sortEdgeRecords(out)
	return out, nil
}

func (s *BadgerStore) GetGraphData(ctx context.Context) (*GraphData, error) {
	if err := ctx.Err(); err != nil {
		return nil, lgerrors.NewContextCancelled("get graph data", err)
	}
	data := &GraphData{Nodes: []NodeRecord{}, Edges: []EdgeRecord{}}
	err := s.db.View(func(txn *badger.Txn) error {
		err := scanNodes(txn, func(n NodeRecord) {
			data.Nodes = append(data.Nodes, n)
		})
		if err != nil {
			return err
		}
		return scanEdges(txn, []byte(edgePrefix), func(e EdgeRecord) {
			data.Edges = append(data.Edges, e)
		})
	})
	if err != nil {
		return nil, lgerrors.NewStoreQueryFailed("get graph data", err)
	}
	sortNodeRecords(data.Nodes)
	sortEdgeRecords(data.Edges)
	return data, nil
}

// Query evaluates a CEL expression against every stored node
func (s *BadgerStore) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	prg, err := predicate.CompileStoreQuery(query)
	if err != nil {
		return nil, err
	}
	var nodes []NodeRecord
	err = s.db.View(func(txn *badger.Txn) error {
		return scanNodes(txn, func(n NodeRecord) {
			nodes = append(nodes, n)
		})
	})
	if err != nil {
		return nil, lgerrors.NewStoreQueryFailed("query", err)
	}
	sortNodeRecords(nodes)
	return matchNodes(prg, nodes), nil
}

func (s *BadgerStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return lgerrors.NewContextCancelled("delete node", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var edges []EdgeRecord
		for _, prefix := range []string{edgePrefix + id + sep, reversePrefix + id + sep} {
			err := scanEdges(txn, []byte(prefix), func(e EdgeRecord) {
				edges = append(edges, e)
			})
			if err != nil {
				return err
			}
		}
		for _, e := range edges {
			fwd, rev := edgeKeys(e.From, e.To, e.Relationship, e.Properties)
			if err := txn.Delete(fwd); err != nil {
				return err
			}
			if err := txn.Delete(rev); err != nil {
				return err
			}
		}
		return txn.Delete(nodeKey(id))
	})
	if err != nil {
		return lgerrors.NewStoreQueryFailed("delete node", err)
	}
	return nil
}

func (s *BadgerStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func scanNodes(txn *badger.Txn, fn func(NodeRecord)) error {
	prefix := []byte(nodePrefix)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id := string(bytes.TrimPrefix(item.Key(), prefix))
		err := item.Value(func(val []byte) error {
			props, err := decodeProps(val)
			if err != nil {
				return fmt.Errorf("decode node %s: %w", id, err)
			}
			fn(NodeRecord{ID: id, Properties: props})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func scanEdges(txn *badger.Txn, prefix []byte, fn func(EdgeRecord)) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			var e EdgeRecord
			dec := json.NewDecoder(bytes.NewReader(val))
			dec.UseNumber()
			if err := dec.Decode(&e); err != nil {
				return fmt.Errorf("decode edge %q: %w", it.Item().Key(), err)
			}
			e.Properties = normalizeProps(e.Properties)
			fn(e)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeProps(val []byte) (map[string]any, error) {
	var props map[string]any
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil {
		return nil, err
	}
	return normalizeProps(props), nil
}

// normalizeProps turns json.Number back into int64 or float64, matching
// what the Neo4j driver hands back
func normalizeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = normalizeValue(item)
		}
		return items
	case map[string]any:
		return normalizeProps(t)
	default:
		return v
	}
}
