package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdb/internal/config"
	"taskdb/internal/query"
	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/store/memory"
)

type fakeUploader struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return "mem://" + key, nil
}

var t0 = time.Date(2013, 5, 6, 7, 8, 9, 0, time.UTC)

func seed(t *testing.T) *store.Engine {
	t.Helper()
	ctx := context.Background()
	eng := store.New(memory.New())
	t.Cleanup(func() { _ = eng.Close(ctx) })
	require.NoError(t, eng.AddRecord(ctx, "done", record.Record{
		record.FieldSubmitted: t0,
		record.FieldCompleted: t0.Add(time.Second),
		record.FieldHeader:    map[string]any{"msg_type": "task_request"},
		record.FieldBuffers:   [][]byte{[]byte("hi")},
	}))
	require.NoError(t, eng.AddRecord(ctx, "running", record.Record{record.FieldSubmitted: t0.Add(time.Second)}))
	return eng
}

func TestArchiveCompleted(t *testing.T) {
	ctx := context.Background()
	eng := seed(t)
	up := &fakeUploader{}
	a := newArchiver(eng, up, "archive", "_s1", nil)
	a.now = func() time.Time { return t0 }

	res, err := a.Archive(ctx, query.Expression{"completed": query.Ops{"$ne": nil}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(up.keys[0], "archive/_s1/20130506T070809Z-"), up.keys[0])
	assert.True(t, strings.HasSuffix(up.keys[0], ".jsonl"))
	assert.Equal(t, "mem://"+up.keys[0], res.Location)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(up.bodies[0]), &line))
	assert.Equal(t, "done", line["msg_id"])
	assert.Equal(t, "2013-05-06T07:08:10.000000", line["completed"])
	assert.Equal(t, []any{"aGk="}, line["buffers"])
	assert.Nil(t, line["stdout"])

	hist, err := eng.GetHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"running"}, hist)
}

func TestArchiveNothingMatches(t *testing.T) {
	eng := seed(t)
	up := &fakeUploader{}
	res, err := newArchiver(eng, up, "p", "t", nil).Archive(context.Background(), query.Expression{"queue": "none"})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, up.keys)
}

func TestArchiveUploadFailureKeepsRecords(t *testing.T) {
	ctx := context.Background()
	eng := seed(t)
	up := &fakeUploader{err: errors.New("denied")}

	_, err := newArchiver(eng, up, "p", "t", nil).Archive(ctx, query.Expression{})
	assert.Error(t, err)
	hist, err := eng.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestArchiveInvalidQuery(t *testing.T) {
	_, err := newArchiver(seed(t), &fakeUploader{}, "p", "t", nil).Archive(context.Background(), query.Expression{"nope": 1})
	assert.True(t, errors.Is(err, store.ErrInvalidQuery), "got %v", err)
}

func TestLocalArchive(t *testing.T) {
	ctx := context.Background()
	eng := seed(t)
	cfg := config.Config{Location: t.TempDir(), ArchivePrefix: "arch", Table: "tbl"}
	a, err := New(ctx, cfg, eng, nil)
	require.NoError(t, err)

	res, err := a.Archive(ctx, query.Expression{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)

	f, err := os.Open(res.Location)
	require.NoError(t, err)
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		ids = append(ids, line["msg_id"].(string))
	}
	assert.Equal(t, []string{"done", "running"}, ids)
}

func TestS3Archive(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	ctx := context.Background()
	cfg := config.Config{
		ArchiveBucket:    "records",
		ArchiveRegion:    "us-east-1",
		ArchiveEndpoint:  srv.URL,
		ArchivePathStyle: true,
		ArchivePrefix:    "arch",
		Session:          "s-1",
	}
	a, err := New(ctx, cfg, seed(t), nil)
	require.NoError(t, err)

	res, err := a.Archive(ctx, query.Expression{"completed": query.Ops{"$ne": nil}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Location, "s3://records/arch/_s_1/"), res.Location)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "PUT /records/arch/_s_1/"), paths[0])
}
