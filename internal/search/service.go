package search

import (
	"context"
	"log/slog"
	"sync"
)

// Index is the write side of the primary search engine.
type Index interface {
	Searcher
	IndexQuotation(q QuotationRecord) error
	IndexMessage(m MessageRecord) error
	DeleteMessage(id string) error
	IndexQuotations(quotations []QuotationRecord) error
	IndexMessages(messages []MessageRecord) error
}

// RecordLoader reads every searchable row for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]QuotationRecord, []MessageRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	loader   RecordLoader
	log      *slog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is not
// configured.
func NewService(index Index, pgfts *PgFTS, log *slog.Logger) *Service {
	s := &Service{index: index, log: log}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) async(what, id string, fn func() error) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(); err != nil {
			s.log.Warn("search index write failed", "op", what, "id", id, "error", err)
		}
	}()
}

// IndexQuotation indexes a quotation (fire-and-forget to Meilisearch).
func (s *Service) IndexQuotation(q QuotationRecord) {
	s.async("index_quotation", q.ID, func() error { return s.index.IndexQuotation(q) })
}

// IndexMessage indexes a message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(m MessageRecord) {
	s.async("index_message", m.ID, func() error { return s.index.IndexMessage(m) })
}

// DeleteMessage removes a soft-deleted message from the index.
func (s *Service) DeleteMessage(id string) {
	s.async("delete_message", id, func() error { return s.index.DeleteMessage(id) })
}

// Wait blocks until in-flight index writes finish. Called on shutdown.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAllFromPG pushes every quotation and message from PostgreSQL into
// Meilisearch. Called at startup when the index is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexReady() || s.loader == nil {
		return
	}
	quotations, messages, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", "error", err)
		return
	}
	if err := s.index.IndexQuotations(quotations); err != nil {
		s.log.Error("reindex quotations", "error", err)
	}
	if err := s.index.IndexMessages(messages); err != nil {
		s.log.Error("reindex messages", "error", err)
	}
	s.log.Info("search reindex complete", "quotations", len(quotations), "messages", len(messages))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
