package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu         sync.Mutex
	healthy    bool
	results    []Result
	err        error
	lastQuery  Query
	quotations []QuotationRecord
	messages   []MessageRecord
	deleted    []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]Result, int, error) {
	f.lastQuery = q
	return f.results, len(f.results), f.err
}

func (f *fakeIndex) IndexQuotation(q QuotationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotations = append(f.quotations, q)
	return nil
}

func (f *fakeIndex) IndexMessage(m MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeIndex) DeleteMessage(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) IndexQuotations(q []QuotationRecord) error {
	f.quotations = append(f.quotations, q...)
	return nil
}

func (f *fakeIndex) IndexMessages(m []MessageRecord) error {
	f.messages = append(f.messages, m...)
	return nil
}

type fakeFallback struct {
	results []Result
	called  bool
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) Search(Query) ([]Result, int, error) {
	f.called = true
	return f.results, len(f.results), nil
}

type fakeLoader struct{}

func (fakeLoader) LoadAllRecords(context.Context) ([]QuotationRecord, []MessageRecord, error) {
	return []QuotationRecord{{ID: "q-1"}, {ID: "q-2"}}, []MessageRecord{{ID: "m-1"}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSearchPrefersHealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: true, results: []Result{{Type: ResultQuotation, ID: "q-1"}}}
	fb := &fakeFallback{}
	svc := &Service{index: idx, fallback: fb, log: quietLogger()}

	resp := svc.Search(Query{Text: "acetone", UserID: "u-1"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "acetone", resp.Query)
	assert.Equal(t, "u-1", idx.lastQuery.UserID)
	assert.False(t, fb.called)
}

func TestSearchFallsBackOnIndexError(t *testing.T) {
	idx := &fakeIndex{healthy: true, err: errors.New("boom")}
	fb := &fakeFallback{results: []Result{{Type: ResultMessage, ID: "m-1"}}}
	svc := &Service{index: idx, fallback: fb, log: quietLogger()}

	resp := svc.Search(Query{Text: "drum"})
	assert.True(t, fb.called)
	assert.Equal(t, 1, resp.Total)
}

func TestSearchNeverReturnsNilResults(t *testing.T) {
	svc := &Service{fallback: &fakeFallback{}, log: quietLogger()}
	resp := svc.Search(Query{Text: "nothing"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestIndexWritesSkipUnhealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	svc := &Service{index: idx, log: quietLogger()}

	svc.IndexMessage(MessageRecord{ID: "m-1"})
	svc.Wait()
	assert.Empty(t, idx.messages)
}

func TestIndexWritesAreAsyncAndDrainOnWait(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := &Service{index: idx, log: quietLogger()}

	svc.IndexQuotation(QuotationRecord{ID: "q-1"})
	svc.IndexMessage(MessageRecord{ID: "m-1"})
	svc.DeleteMessage("m-0")
	svc.Wait()

	assert.Len(t, idx.quotations, 1)
	assert.Len(t, idx.messages, 1)
	assert.Equal(t, []string{"m-0"}, idx.deleted)
}

func TestReindexAllFromPG(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := &Service{index: idx, loader: fakeLoader{}, log: quietLogger()}

	svc.ReindexAllFromPG(context.Background())
	assert.Len(t, idx.quotations, 2)
	assert.Len(t, idx.messages, 1)
}

func TestFiltersForScopesCustomer(t *testing.T) {
	q := Query{UserID: "u-1", ThreadStatus: "active"}
	assert.Equal(t, []string{`userId = "u-1"`, `threadStatus = "active"`}, filtersFor(q, ResultQuotation))
	assert.Equal(t, []string{`userId = "u-1"`}, filtersFor(q, ResultMessage))
	assert.Empty(t, filtersFor(Query{}, ResultMessage))
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"id":          raw("m-1"),
		"quotationId": raw("q-1"),
		"userId":      raw("u-1"),
		"authorName":  raw("Ops"),
		"content":     raw("drums ship friday"),
		"_formatted":  raw(map[string]string{"content": "<mark>drums</mark> ship friday"}),
	}
	r := hitToResult(hit, ResultMessage)
	assert.Equal(t, "m-1", r.ID)
	assert.Equal(t, "q-1", r.QuotationID)
	assert.Equal(t, "Ops", r.Title)
	assert.Equal(t, "<mark>drums</mark> ship friday", r.Snippet)

	q := hitToResult(meili.Hit{"id": raw("q-9"), "productName": raw("Acetone"), "threadStatus": raw("closed")}, ResultQuotation)
	assert.Equal(t, "q-9", q.QuotationID)
	assert.Equal(t, "Acetone", q.Title)
	assert.Equal(t, "closed", q.ThreadStatus)
}
