// Package storetest is the behavioral contract every store.Backend must meet,
// exercised through a store.Engine.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) store.Backend

var base = time.Date(2011, 6, 1, 10, 0, 0, 0, time.UTC)

// Run executes the whole contract against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(*testing.T, *store.Engine)
	}{
		{"AddGetRoundTrip", testAddGetRoundTrip},
		{"DuplicateID", testDuplicateID},
		{"GetMissing", testGetMissing},
		{"UpdateOnlySuppliedFields", testUpdateOnlySuppliedFields},
		{"UpdateMissing", testUpdateMissing},
		{"UpdateCannotChangeID", testUpdateCannotChangeID},
		{"DropRecord", testDropRecord},
		{"DropMatching", testDropMatching},
		{"HistoryOrder", testHistoryOrder},
		{"HistoryTiesAndNulls", testHistoryTiesAndNulls},
		{"PartitionByTimestamp", testPartitionByTimestamp},
		{"ProjectedFields", testProjectedFields},
		{"InAndNin", testInAndNin},
		{"QueryErrors", testQueryErrors},
		{"BufferFilters", testBufferFilters},
		{"ExampleScenario", testExampleScenario},
		{"ConcurrentCallers", testConcurrentCallers},
		{"ClosedEngine", testClosedEngine},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := store.New(open(t), store.WithFlushInterval(20*time.Millisecond))
			t.Cleanup(func() { _ = e.Close(context.Background()) })
			tc.fn(t, e)
		})
	}
}

// loadRecords adds n records submitted 100ms apart and returns their ids.
func loadRecords(t *testing.T, e *store.Engine, prefix string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%02d", prefix, i)
		err := e.AddRecord(context.Background(), id, record.Record{
			record.FieldHeader:     map[string]any{"msg_type": "apply_request", "seq": float64(i)},
			record.FieldContent:    map[string]any{"a": 5.0},
			record.FieldSubmitted:  base.Add(time.Duration(i) * 100 * time.Millisecond),
			record.FieldClientUUID: "client-1",
			record.FieldQueue:      "default",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func testAddGetRoundTrip(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	submitted := time.Date(2011, 6, 1, 10, 0, 0, 123456789, time.FixedZone("CEST", 2*3600))
	in := record.Record{
		record.FieldHeader:        map[string]any{"msg_type": "apply_request", "nested": map[string]any{"n": []any{1, "x", 0.25}}, "seq": int64(9007199254740993)},
		record.FieldContent:       map[string]any{},
		record.FieldBuffers:       [][]byte{[]byte("abc"), {}, {0, 255}},
		record.FieldSubmitted:     submitted,
		record.FieldEngineUUID:    "engine-7",
		record.FieldResultBuffers: nil,
		record.FieldSourceCode:    "print(1)",
		record.FieldStdout:        "",
	}
	require.NoError(t, e.AddRecord(ctx, "m1", in))

	got, err := e.GetRecord(ctx, "m1")
	require.NoError(t, err)

	want := record.Default(record.Record{
		record.FieldID:         "m1",
		record.FieldHeader:     map[string]any{"msg_type": "apply_request", "nested": map[string]any{"n": []any{int64(1), "x", 0.25}}, "seq": int64(9007199254740993)},
		record.FieldContent:    map[string]any{},
		record.FieldBuffers:    [][]byte{[]byte("abc"), {}, {0, 255}},
		record.FieldSubmitted:  time.Date(2011, 6, 1, 8, 0, 0, 123456000, time.UTC),
		record.FieldEngineUUID: "engine-7",
		record.FieldSourceCode: "print(1)",
		record.FieldStdout:     "",
	})
	assert.Equal(t, want, got)
	assert.Nil(t, got[record.FieldCompleted])
	assert.Equal(t, [][]byte{}, got[record.FieldResultBuffers])

	require.NoError(t, e.Flush(ctx))
	again, err := e.GetRecord(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

func testDuplicateID(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	require.NoError(t, e.AddRecord(ctx, "dup", record.Record{record.FieldSubmitted: base}))
	err := e.AddRecord(ctx, "dup", record.Record{record.FieldSubmitted: base})
	assert.True(t, errors.Is(err, store.ErrDuplicateID), "got %v", err)

	// the failed insert must not disturb the pending state
	ids, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dup"}, ids)
}

func testGetMissing(t *testing.T, e *store.Engine) {
	_, err := e.GetRecord(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testUpdateOnlySuppliedFields(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	ids := loadRecords(t, e, "u", 3)
	id := ids[len(ids)-1]

	before, err := e.GetRecord(ctx, id)
	require.NoError(t, err)

	now := time.Now()
	data := record.Record{record.FieldStdout: "hello there", record.FieldCompleted: now}
	require.NoError(t, e.UpdateRecord(ctx, id, data))

	after, err := e.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello there", after[record.FieldStdout])
	completed, ok := after.Time(record.FieldCompleted)
	require.True(t, ok)
	assert.True(t, completed.Equal(now.UTC().Truncate(time.Microsecond)))

	before[record.FieldStdout] = "hello there"
	before[record.FieldCompleted] = completed
	assert.Equal(t, before, after)

	// the neighbours are untouched
	other, err := e.GetRecord(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, other[record.FieldStdout])
}

func testUpdateMissing(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	err := e.UpdateRecord(ctx, "ghost", record.Record{record.FieldStdout: "x"})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	err = e.UpdateRecord(ctx, "ghost", record.Record{})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	_, err = e.GetRecord(ctx, "ghost")
	assert.True(t, errors.Is(err, store.ErrNotFound), "update must never create")
}

func testUpdateCannotChangeID(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	loadRecords(t, e, "i", 1)
	err := e.UpdateRecord(ctx, "i-00", record.Record{record.FieldID: "other"})
	assert.True(t, errors.Is(err, store.ErrInvalidRecord), "got %v", err)

	require.NoError(t, e.UpdateRecord(ctx, "i-00", record.Record{record.FieldID: "i-00", record.FieldQueue: "q2"}))
	got, err := e.GetRecord(ctx, "i-00")
	require.NoError(t, err)
	assert.Equal(t, "q2", got[record.FieldQueue])

	err = e.UpdateRecord(ctx, "i-00", record.Record{"pyout": "x"})
	assert.True(t, errors.Is(err, store.ErrInvalidRecord), "got %v", err)
}

func testDropRecord(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	ids := loadRecords(t, e, "d", 2)

	require.NoError(t, e.DropRecord(ctx, ids[1]))
	_, err := e.GetRecord(ctx, ids[1])
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	err = e.DropRecord(ctx, ids[1])
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[:1], hist)
}

func testDropMatching(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	keep := loadRecords(t, e, "keep", 3)
	gone := loadRecords(t, e, "gone", 4)

	require.NoError(t, e.DropMatchingRecords(ctx, query.Expression{"msg_id": query.Ops{"$in": []string{"nobody"}}}))

	q := query.Expression{"msg_id": query.Ops{"$in": gone}}
	require.NoError(t, e.DropMatchingRecords(ctx, q))
	recs, err := e.FindRecords(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, recs)

	all, err := e.FindRecords(ctx, query.Expression{})
	require.NoError(t, err)
	assert.ElementsMatch(t, keep, idsOf(all))
}

func testHistoryOrder(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	before, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, before)

	// insert out of submission order
	offsets := map[string]int{"h-c": 3, "h-a": 1, "h-d": 4, "h-b": 2}
	for _, id := range []string{"h-c", "h-a", "h-d", "h-b"} {
		sub := base.Add(time.Duration(offsets[id]) * time.Second)
		require.NoError(t, e.AddRecord(ctx, id, record.Record{record.FieldSubmitted: sub}))
	}
	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h-a", "h-b", "h-c", "h-d"}, hist)

	var latest time.Time
	for _, id := range hist {
		rec, err := e.GetRecord(ctx, id)
		require.NoError(t, err)
		sub, ok := rec.Time(record.FieldSubmitted)
		require.True(t, ok)
		assert.False(t, sub.Before(latest))
		latest = sub
	}

	loadRecords(t, e, "late", 1)
	require.NoError(t, e.UpdateRecord(ctx, "late-00", record.Record{record.FieldSubmitted: base.Add(time.Hour)}))
	hist, err = e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late-00", hist[len(hist)-1])
}

func testHistoryTiesAndNulls(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	for _, id := range []string{"t-z", "t-m", "t-a"} {
		require.NoError(t, e.AddRecord(ctx, id, record.Record{record.FieldSubmitted: base}))
	}
	require.NoError(t, e.AddRecord(ctx, "t-early", record.Record{record.FieldSubmitted: base.Add(-time.Second)}))
	require.NoError(t, e.AddRecord(ctx, "t-null", nil))

	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-null", "t-early", "t-z", "t-m", "t-a"}, hist)

	found, err := e.FindRecords(ctx, query.Expression{}, record.FieldSubmitted)
	require.NoError(t, err)
	assert.Equal(t, hist, idsOf(found), "find returns history order")
}

func testPartitionByTimestamp(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	ids := loadRecords(t, e, "p", 8)
	require.NoError(t, e.UpdateRecord(ctx, ids[2], record.Record{record.FieldCompleted: base.Add(time.Second)}))

	all, err := e.FindRecords(ctx, query.Expression{})
	require.NoError(t, err)
	require.Len(t, all, len(ids))

	for _, id := range ids {
		mid, err := e.GetRecord(ctx, id)
		require.NoError(t, err)
		tic, _ := mid.Time(record.FieldSubmitted)

		before, err := e.FindRecords(ctx, query.Expression{"submitted": query.Ops{"$lt": tic}})
		require.NoError(t, err)
		after, err := e.FindRecords(ctx, query.Expression{"submitted": query.Ops{"$gte": tic}})
		require.NoError(t, err)

		assert.Len(t, append(idsOf(before), idsOf(after)...), len(all))
		assert.ElementsMatch(t, idsOf(all), append(idsOf(before), idsOf(after)...))
		for _, b := range before {
			sub, _ := b.Time(record.FieldSubmitted)
			assert.True(t, sub.Before(tic))
		}
		for _, a := range after {
			sub, _ := a.Time(record.FieldSubmitted)
			assert.False(t, sub.Before(tic))
		}

		same, err := e.FindRecords(ctx, query.Expression{"submitted": tic})
		require.NoError(t, err)
		assert.Equal(t, []string{id}, idsOf(same))
	}

	done, err := e.FindRecords(ctx, query.Expression{"completed": query.Ops{"$gte": base}})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2]}, idsOf(done))
}

func testProjectedFields(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	loadRecords(t, e, "k", 4)

	for _, fields := range [][]record.Field{
		{record.FieldSubmitted, record.FieldCompleted},
		{record.FieldCompleted, record.FieldSubmitted},
		{record.FieldCompleted, record.FieldID, record.FieldSubmitted},
	} {
		found, err := e.FindRecords(ctx, query.Expression{"msg_id": query.Ops{"$ne": ""}}, fields...)
		require.NoError(t, err)
		require.Len(t, found, 4)
		for _, rec := range found {
			assert.Equal(t, []record.Field{record.FieldID, record.FieldSubmitted, record.FieldCompleted}, rec.Fields())
		}
	}

	found, err := e.FindRecords(ctx, query.Expression{}, record.FieldID)
	require.NoError(t, err)
	for _, rec := range found {
		assert.Equal(t, []record.Field{record.FieldID}, rec.Fields())
	}

	found, err = e.FindRecords(ctx, query.Expression{}, record.FieldHeader, record.FieldBuffers)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "apply_request", found[0].Mapping(record.FieldHeader)["msg_type"])
	assert.Equal(t, [][]byte{}, found[0][record.FieldBuffers])

	_, err = e.FindRecords(ctx, query.Expression{}, record.FieldStdout, "pyerr")
	assert.True(t, errors.Is(err, store.ErrInvalidQuery), "got %v", err)
}

func testInAndNin(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	loadRecords(t, e, "n", 7)
	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)

	var even, odd []string
	for i, id := range hist {
		if i%2 == 0 {
			even = append(even, id)
		} else {
			odd = append(odd, id)
		}
	}

	recs, err := e.FindRecords(ctx, query.Expression{"msg_id": query.Ops{"$in": even}})
	require.NoError(t, err)
	assert.ElementsMatch(t, even, idsOf(recs))

	recs, err = e.FindRecords(ctx, query.Expression{"msg_id": query.Ops{"$nin": even}})
	require.NoError(t, err)
	assert.ElementsMatch(t, odd, idsOf(recs))

	recs, err = e.FindRecords(ctx, query.Expression{"msg_id": query.Ops{"in": []any{}}})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testQueryErrors(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	loadRecords(t, e, "q", 1)

	_, err := e.FindRecords(ctx, query.Expression{"bogus": 1, "also": 2})
	require.True(t, errors.Is(err, store.ErrInvalidQuery), "got %v", err)
	assert.Contains(t, err.Error(), "also, bogus")

	_, err = e.FindRecords(ctx, query.Expression{"msg_id": query.Ops{"$regex": "q"}})
	assert.True(t, errors.Is(err, store.ErrInvalidQuery), "got %v", err)

	err = e.DropMatchingRecords(ctx, query.Expression{"engine_uuid": query.Ops{"$nin": []any{"e", nil}}})
	assert.True(t, errors.Is(err, store.ErrUnsupportedNullComparison), "got %v", err)

	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func testBufferFilters(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	require.NoError(t, e.AddRecord(ctx, "b-empty", record.Record{record.FieldSubmitted: base}))
	require.NoError(t, e.AddRecord(ctx, "b-full", record.Record{
		record.FieldSubmitted: base.Add(time.Second),
		record.FieldBuffers:   [][]byte{[]byte("payload")},
	}))

	recs, err := e.FindRecords(ctx, query.Expression{"buffers": nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-empty"}, idsOf(recs))

	recs, err = e.FindRecords(ctx, query.Expression{"buffers": query.Ops{"$ne": nil}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-full"}, idsOf(recs))

	recs, err = e.FindRecords(ctx, query.Expression{"buffers": query.Ops{"$eq": [][]byte{[]byte("payload")}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-full"}, idsOf(recs))
}

func testExampleScenario(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	t0 := base
	require.NoError(t, e.AddRecord(ctx, "m1", record.Record{record.FieldSubmitted: t0}))
	require.NoError(t, e.AddRecord(ctx, "m2", record.Record{record.FieldSubmitted: t0.Add(time.Second)}))

	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, hist)

	require.NoError(t, e.UpdateRecord(ctx, "m1", record.Record{record.FieldCompleted: t0.Add(2 * time.Second)}))
	m1, err := e.GetRecord(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), m1[record.FieldCompleted])
	assert.Equal(t, t0, m1[record.FieldSubmitted])

	require.NoError(t, e.DropMatchingRecords(ctx, query.Expression{"completed": query.Ops{"$ne": nil}}))
	recs, err := e.FindRecords(ctx, query.Expression{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, idsOf(recs))
}

func testConcurrentCallers(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("c-%d-%d", w, i)
				if err := e.AddRecord(ctx, id, record.Record{record.FieldSubmitted: base.Add(time.Duration(i) * time.Second)}); err != nil {
					errs <- err
					return
				}
				if err := e.UpdateRecord(ctx, id, record.Record{record.FieldEngineUUID: "e"}); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hist, err := e.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 40)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, st.Records)
}

func testClosedEngine(t *testing.T, e *store.Engine) {
	ctx := context.Background()
	loadRecords(t, e, "x", 1)
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))

	_, err := e.GetHistory(ctx)
	assert.True(t, errors.Is(err, store.ErrClosed), "got %v", err)
}

func idsOf(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

// SortedIDs is a small helper for backend-specific tests.
func SortedIDs(recs []record.Record) []string {
	out := idsOf(recs)
	sort.Strings(out)
	return out
}
