package coordinator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/fileprovider/internal/accounts"
	"github.com/fruitsalade/fileprovider/internal/dispatch"
	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/identifier"
	"github.com/fruitsalade/fileprovider/internal/item"
	"github.com/fruitsalade/fileprovider/internal/itemcache"
	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeRemote is an in-memory engine.Remote.
type fakeRemote struct {
	mu       sync.Mutex
	calls    []string
	dirs     map[string][]engine.Entry
	files    map[string]engine.Entry
	content  map[string]string
	failures map[string]error

	block   chan struct{} // when set, Download waits for it
	started chan string

	statBlock   chan struct{} // when set, Stat waits for it
	statStarted chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		dirs:     make(map[string][]engine.Entry),
		files:    make(map[string]engine.Entry),
		content:  make(map[string]string),
		failures:    make(map[string]error),
		started:     make(chan string, 16),
		statStarted: make(chan string, 16),
	}
}

func (r *fakeRemote) record(op, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+" "+p)
	return r.failures[op]
}

func (r *fakeRemote) setFailure(op string, err error) {
	r.mu.Lock()
	r.failures[op] = err
	r.mu.Unlock()
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRemote) count(op string) int {
	n := 0
	for _, c := range r.callLog() {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (r *fakeRemote) ListChildren(ctx context.Context, p string) ([]engine.Entry, error) {
	if err := r.record("list", p); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.dirs[p]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return append([]engine.Entry(nil), entries...), nil
}

func (r *fakeRemote) Stat(ctx context.Context, p string) (engine.Entry, error) {
	if err := r.record("stat", p); err != nil {
		return engine.Entry{}, err
	}
	if r.statBlock != nil {
		r.statStarted <- p
		select {
		case <-r.statBlock:
		case <-ctx.Done():
			return engine.Entry{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.files[p]
	if !ok {
		return engine.Entry{}, engine.ErrNotFound
	}
	return e, nil
}

func (r *fakeRemote) Download(ctx context.Context, p, localPath string, progress *engine.Progress) error {
	if err := r.record("download", p); err != nil {
		return err
	}
	r.started <- p
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	data := r.content[p]
	r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(progress.Writer(f), strings.NewReader(data))
	return err
}

func (r *fakeRemote) Upload(ctx context.Context, p, localPath string, progress *engine.Progress) (engine.UploadResult, error) {
	if err := r.record("upload", p); err != nil {
		return engine.UploadResult{}, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return engine.UploadResult{}, err
	}
	return engine.UploadResult{
		Version:    "uploaded-" + string(data),
		Size:       int64(len(data)),
		ModifiedAt: time.Unix(1700000000, 0),
	}, nil
}

func (r *fakeRemote) Delete(ctx context.Context, p string) error {
	return r.record("delete", p)
}

func (r *fakeRemote) CreateDirectory(ctx context.Context, p string) error {
	return r.record("mkdir", p)
}

type testEnv struct {
	coord  *Coordinator
	loop   *dispatch.Loop
	cache  *itemcache.Cache
	remote *fakeRemote
	acct   accounts.Account
	seg    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	loop := dispatch.New("test")
	remote := newFakeRemote()
	acct := accounts.Account{
		Username:  "acct1",
		Hostname:  "example.com",
		Port:      443,
		Provider:  accounts.ProviderHTTP,
		LocalRoot: t.TempDir(),
	}
	worker := engine.NewAsyncWorker(engine.WorkerConfig{
		Name:        acct.Segment(),
		Remote:      remote,
		Poster:      loop,
		Concurrency: 2,
	})
	reg, err := registry.New([]registry.Binding{{Account: acct, Worker: worker}})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Serve(ctx)
	go worker.Serve(ctx)

	cache := itemcache.New()
	coord, err := New(Config{Registry: reg, Dispatcher: loop, Cache: cache})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{coord: coord, loop: loop, cache: cache, remote: remote, acct: acct, seg: acct.Segment()}
}

func (e *testEnv) id(p string) string {
	return e.seg + p
}

type outcome struct {
	path string
	it   item.Item
	err  error
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for continuation")
		return outcome{}
	}
}

func (e *testEnv) list(t *testing.T, id string, out *Listing) error {
	t.Helper()
	ch := make(chan outcome, 2)
	e.coord.ListChildren(context.Background(), id, out,
		func() { ch <- outcome{} },
		func(err error) { ch <- outcome{err: err} })
	return await(t, ch).err
}

func (e *testEnv) download(t *testing.T, id string, progress *engine.Progress) outcome {
	t.Helper()
	ch := make(chan outcome, 2)
	e.coord.Download(context.Background(), id, progress,
		func(p string) { ch <- outcome{path: p} },
		func(err error) { ch <- outcome{err: err} })
	return await(t, ch)
}

func (e *testEnv) cached(t *testing.T, id string) item.Item {
	t.Helper()
	it, ok := e.cache.Get(id)
	if !ok {
		t.Fatalf("%s not cached", id)
	}
	return it
}

func TestListRoot(t *testing.T) {
	env := newTestEnv(t)

	var out Listing
	if err := env.list(t, identifier.Root, &out); err != nil {
		t.Fatalf("list root: %v", err)
	}
	items := out.Items()
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].ID != env.seg+"/" || !items[0].IsContainer || items[0].ParentID != identifier.Root {
		t.Errorf("account item = %+v", items[0])
	}
	if n := len(env.remote.callLog()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestListChildren(t *testing.T) {
	env := newTestEnv(t)
	env.remote.dirs["/Documents"] = []engine.Entry{
		{Name: "report.odt", Size: 10, Version: "v1"},
		{Name: "photos", IsContainer: true},
	}

	var out Listing
	if err := env.list(t, env.id("/Documents/"), &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.Len() != 2 {
		t.Fatalf("got %d items, want 2", out.Len())
	}

	report := env.cached(t, env.id("/Documents/report.odt"))
	if report.ParentID != env.id("/Documents/") || report.Version != "v1" || report.State != item.MetadataKnown {
		t.Errorf("report = %+v", report)
	}
	if _, ok := env.cache.Get(env.id("/Documents/photos/")); !ok {
		t.Error("photos/ not cached")
	}

	// A second listing without photos drops it from the cache.
	env.remote.mu.Lock()
	env.remote.dirs["/Documents"] = env.remote.dirs["/Documents"][:1]
	env.remote.mu.Unlock()

	var again Listing
	if err := env.list(t, env.id("/Documents/"), &again); err != nil {
		t.Fatalf("relist: %v", err)
	}
	if _, ok := env.cache.Get(env.id("/Documents/photos/")); ok {
		t.Error("photos/ still cached after it vanished")
	}
}

func TestListKeepsLocalState(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	env.cache.Put(id, item.Item{Name: "a.txt", ParentID: env.seg + "/", Version: "v1", LocalVersion: "v1", State: item.Downloaded})
	env.remote.dirs["/"] = []engine.Entry{{Name: "a.txt", Version: "v2"}}

	var out Listing
	if err := env.list(t, env.seg+"/", &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	got := env.cached(t, id)
	if got.State != item.Stale || got.LocalVersion != "v1" || got.Version != "v2" {
		t.Errorf("after refresh = %+v", got)
	}
}

func TestListPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.remote.dirs["/"] = []engine.Entry{
		{Name: "good.txt"},
		{Name: "bad/name"},
		{Name: "never.txt"},
	}

	var out Listing
	err := env.list(t, env.seg+"/", &out)
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != KindEngine || !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v (kind %s)", err, KindOf(err))
	}
	items := out.Items()
	if len(items) != 1 || items[0].Name != "good.txt" {
		t.Errorf("partial items = %+v", items)
	}
}

func TestListEngineFailure(t *testing.T) {
	env := newTestEnv(t)
	env.remote.setFailure("list", errors.New("connection refused"))

	var out Listing
	err := env.list(t, env.seg+"/", &out)
	if KindOf(err) != KindEngine || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("err = %v", err)
	}
}

func TestIdentityErrorsFailImmediately(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"unknown account", "nobody (elsewhere:1).dir/Documents/", registry.ErrUnknownAccount},
		{"malformed", "", identifier.ErrMalformed},
		{"not a container", env.id("/file.txt"), ErrNotContainer},
	}
	for _, tt := range tests {
		var out Listing
		var got error
		called := 0
		env.coord.ListChildren(context.Background(), tt.id, &out,
			func() { called++ },
			func(err error) { called++; got = err })

		if called != 1 {
			t.Errorf("%s: continuations fired %d times before return", tt.name, called)
			continue
		}
		if !errors.Is(got, tt.want) || KindOf(got) != KindIdentity {
			t.Errorf("%s: err = %v, kind %s", tt.name, got, KindOf(got))
		}
		if out.Len() != 0 {
			t.Errorf("%s: output has %d items", tt.name, out.Len())
		}
	}
	if n := len(env.remote.callLog()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
}

func TestDownloadFastPath(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/Documents/report.odt")
	env.cache.Put(id, item.Item{Name: "report.odt", Version: "v1", LocalVersion: "v1", State: item.Downloaded})

	o := env.download(t, id, engine.NewProgress(0))
	if o.err != nil {
		t.Fatalf("download: %v", o.err)
	}
	want := filepath.Join(env.acct.LocalRoot, "Documents", "report.odt")
	if o.path != want {
		t.Errorf("path = %q, want %q", o.path, want)
	}
	if n := len(env.remote.callLog()); n != 0 {
		t.Errorf("remote calls = %v, want none", env.remote.callLog())
	}
	if env.coord.Stats().DownloadsSkipped != 1 {
		t.Errorf("DownloadsSkipped = %d", env.coord.Stats().DownloadsSkipped)
	}
}

func TestDownloadUncached(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/notes.txt")
	env.remote.files["/notes.txt"] = engine.Entry{Name: "notes.txt", Size: 5, Version: "v7"}
	env.remote.content["/notes.txt"] = "hello"

	progress := engine.NewProgress(5)
	o := env.download(t, id, progress)
	if o.err != nil {
		t.Fatalf("download: %v", o.err)
	}
	data, err := os.ReadFile(o.path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("local content = %q, %v", data, err)
	}
	if progress.Completed() != 5 {
		t.Errorf("progress = %d", progress.Completed())
	}

	got := env.cached(t, id)
	if !got.IsDownloaded() || got.IsDownloading() || !got.IsMostRecentDownloaded() || got.LocalVersion != "v7" {
		t.Errorf("after download = %+v", got)
	}
	calls := env.remote.callLog()
	if len(calls) != 2 || calls[0] != "stat /notes.txt" || calls[1] != "download /notes.txt" {
		t.Errorf("calls = %v", calls)
	}

	// Second request is served locally.
	if o := env.download(t, id, nil); o.err != nil {
		t.Fatalf("second download: %v", o.err)
	}
	if env.remote.count("download") != 1 {
		t.Errorf("downloads = %d, want 1", env.remote.count("download"))
	}
}

func TestDownloadFailureKeepsLocalCopy(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	env.cache.Put(id, item.Item{Name: "a.txt", Version: "v2", LocalVersion: "v1", State: item.Stale})
	env.remote.setFailure("download", errors.New("503 service unavailable"))

	o := env.download(t, id, engine.NewProgress(0))
	if o.err == nil || KindOf(o.err) != KindEngine {
		t.Fatalf("err = %v", o.err)
	}
	got := env.cached(t, id)
	if got.IsDownloading() || !got.IsDownloaded() || got.State != item.Stale {
		t.Errorf("after failure = %+v", got)
	}
}

func TestDownloadCancelled(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/big.iso")
	env.cache.Put(id, item.Item{Name: "big.iso", Version: "v1", State: item.MetadataKnown})
	env.remote.block = make(chan struct{})

	progress := engine.NewProgress(1 << 30)
	ch := make(chan outcome, 1)
	env.coord.Download(context.Background(), id, progress,
		func(p string) { ch <- outcome{path: p} },
		func(err error) { ch <- outcome{err: err} })

	<-env.remote.started
	if got := env.cached(t, id); !got.IsDownloading() {
		t.Errorf("state while in flight = %s", got.State)
	}
	progress.Cancel()

	o := await(t, ch)
	if KindOf(o.err) != KindCancelled || !errors.Is(o.err, engine.ErrCancelled) {
		t.Fatalf("err = %v (kind %s)", o.err, KindOf(o.err))
	}
	got := env.cached(t, id)
	if got.IsDownloading() || got.IsDownloaded() {
		t.Errorf("after cancel = %+v", got)
	}
	if env.coord.Stats().Cancellations != 1 {
		t.Errorf("Cancellations = %d", env.coord.Stats().Cancellations)
	}
}

func TestDownloadJoinsInFlight(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/shared.bin")
	env.cache.Put(id, item.Item{Name: "shared.bin", Version: "v1", State: item.MetadataKnown})
	env.remote.content["/shared.bin"] = "data"
	env.remote.block = make(chan struct{})

	ch := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		env.coord.Download(context.Background(), id, engine.NewProgress(0),
			func(p string) { ch <- outcome{path: p} },
			func(err error) { ch <- outcome{err: err} })
	}
	<-env.remote.started
	close(env.remote.block)

	for i := 0; i < 2; i++ {
		if o := await(t, ch); o.err != nil {
			t.Fatalf("download %d: %v", i, o.err)
		}
	}
	if env.remote.count("download") != 1 {
		t.Errorf("remote downloads = %d, want 1", env.remote.count("download"))
	}
	if env.coord.Stats().DownloadsJoined != 1 {
		t.Errorf("DownloadsJoined = %d", env.coord.Stats().DownloadsJoined)
	}
}

func TestDownloadJoinedCallerSurvivesFirstCancel(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/shared.bin")
	env.cache.Put(id, item.Item{Name: "shared.bin", Version: "v1", State: item.MetadataKnown})
	env.remote.content["/shared.bin"] = "data"
	env.remote.block = make(chan struct{})

	first, second := engine.NewProgress(0), engine.NewProgress(0)
	firstCh := make(chan outcome, 1)
	secondCh := make(chan outcome, 1)
	env.coord.Download(context.Background(), id, first,
		func(p string) { firstCh <- outcome{path: p} },
		func(err error) { firstCh <- outcome{err: err} })
	<-env.remote.started
	env.coord.Download(context.Background(), id, second,
		func(p string) { secondCh <- outcome{path: p} },
		func(err error) { secondCh <- outcome{err: err} })

	first.Cancel()
	if o := await(t, firstCh); KindOf(o.err) != KindCancelled {
		t.Fatalf("first err = %v (kind %s), want cancelled", o.err, KindOf(o.err))
	}

	close(env.remote.block)
	o := await(t, secondCh)
	if o.err != nil {
		t.Fatalf("joined download failed: %v (kind %s)", o.err, KindOf(o.err))
	}
	if got := env.cached(t, id); !got.IsMostRecentDownloaded() {
		t.Errorf("after download = %+v", got)
	}
	if second.Completed() != 4 {
		t.Errorf("joined progress = %d, want 4", second.Completed())
	}
	if env.remote.count("download") != 1 {
		t.Errorf("remote downloads = %d, want 1", env.remote.count("download"))
	}
}

func TestDownloadAllWaitersCancelled(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/shared.bin")
	env.cache.Put(id, item.Item{Name: "shared.bin", Version: "v1", State: item.MetadataKnown})
	env.remote.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	progress := engine.NewProgress(0)
	ch := make(chan outcome, 2)
	env.coord.Download(ctx, id, progress,
		func(p string) { ch <- outcome{path: p} },
		func(err error) { ch <- outcome{err: err} })
	<-env.remote.started
	env.coord.Download(context.Background(), id, progress,
		func(p string) { ch <- outcome{path: p} },
		func(err error) { ch <- outcome{err: err} })

	cancel()
	if o := await(t, ch); KindOf(o.err) != KindCancelled {
		t.Fatalf("context-cancelled waiter err = %v", o.err)
	}
	progress.Cancel()
	if o := await(t, ch); KindOf(o.err) != KindCancelled {
		t.Fatalf("progress-cancelled waiter err = %v", o.err)
	}
	if got := env.cached(t, id); got.IsDownloading() {
		t.Errorf("still downloading after every waiter left: %+v", got)
	}

	// A later download starts a fresh transfer.
	close(env.remote.block)
	env.remote.content["/shared.bin"] = "data"
	if o := env.download(t, id, nil); o.err != nil {
		t.Fatalf("retry: %v", o.err)
	}
}

func TestDownloadVanished(t *testing.T) {
	env := newTestEnv(t)
	o := env.download(t, env.id("/gone.txt"), nil)
	if KindOf(o.err) != KindConsistency {
		t.Fatalf("err = %v (kind %s)", o.err, KindOf(o.err))
	}
	if _, ok := env.cache.Get(env.id("/gone.txt")); ok {
		t.Error("vanished item cached")
	}
}

func TestDownloadContainerRejected(t *testing.T) {
	env := newTestEnv(t)
	o := env.download(t, env.id("/Documents/"), nil)
	if !errors.Is(o.err, ErrIsContainer) || KindOf(o.err) != KindIdentity {
		t.Errorf("err = %v", o.err)
	}
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func (e *testEnv) upload(t *testing.T, it item.Item, source string) outcome {
	t.Helper()
	ch := make(chan outcome, 2)
	e.coord.Upload(context.Background(), it, source, engine.NewProgress(0),
		func(it item.Item) { ch <- outcome{it: it} },
		func(err error) { ch <- outcome{err: err} })
	return await(t, ch)
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	prior := item.Item{Name: "a.txt", ParentID: env.seg + "/", Version: "v1", Size: 1, State: item.MetadataKnown}
	env.cache.Put(id, prior)

	o := env.upload(t, env.cached(t, id), writeSource(t, "xyz"))
	if o.err != nil {
		t.Fatalf("upload: %v", o.err)
	}
	if o.it.Version != "uploaded-xyz" || o.it.Size != 3 || !o.it.IsMostRecentDownloaded() {
		t.Errorf("uploaded item = %+v", o.it)
	}
	if got := env.cached(t, id); got != o.it {
		t.Errorf("cache = %+v, want %+v", got, o.it)
	}
}

func TestUploadFailureLeavesCache(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	env.cache.Put(id, item.Item{Name: "a.txt", Version: "v1", State: item.MetadataKnown})
	before := env.cached(t, id)
	env.remote.setFailure("upload", engine.ErrNotFound)

	o := env.upload(t, before, writeSource(t, "xyz"))
	if o.err == nil || KindOf(o.err) != KindEngine {
		t.Fatalf("err = %v", o.err)
	}
	if got := env.cached(t, id); got != before {
		t.Errorf("cache changed: %+v", got)
	}
}

func TestUploadCreatesUncached(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/new/file.txt")

	o := env.upload(t, item.Item{ID: id}, writeSource(t, "abc"))
	if o.err != nil {
		t.Fatalf("upload: %v", o.err)
	}
	got := env.cached(t, id)
	if got.Name != "file.txt" || got.ParentID != env.id("/new/") || got.LocalVersion != "uploaded-abc" {
		t.Errorf("created = %+v", got)
	}
}

func (e *testEnv) remove(t *testing.T, id string) error {
	t.Helper()
	ch := make(chan outcome, 2)
	e.coord.Delete(context.Background(), id,
		func() { ch <- outcome{} },
		func(err error) { ch <- outcome{err: err} })
	return await(t, ch).err
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	dir := env.id("/d/")
	env.cache.Put(dir, item.Item{Name: "d", IsContainer: true})
	env.cache.Put(env.id("/d/a.txt"), item.Item{Name: "a.txt"})
	env.cache.Put(env.id("/keep.txt"), item.Item{Name: "keep.txt"})

	if err := env.remove(t, dir); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, id := range []string{dir, env.id("/d/a.txt")} {
		if _, ok := env.cache.Get(id); ok {
			t.Errorf("%s still cached", id)
		}
	}
	if _, ok := env.cache.Get(env.id("/keep.txt")); !ok {
		t.Error("unrelated item removed")
	}
	if calls := env.remote.callLog(); len(calls) != 1 || calls[0] != "delete /d" {
		t.Errorf("calls = %v", calls)
	}
}

func TestDeleteFailureLeavesCache(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	env.cache.Put(id, item.Item{Name: "a.txt", Version: "v1"})
	before := env.cached(t, id)
	env.remote.setFailure("delete", errors.New("permission denied"))

	if err := env.remove(t, id); err == nil {
		t.Fatal("expected failure")
	}
	if got := env.cached(t, id); got != before {
		t.Errorf("cache changed: %+v", got)
	}
}

func TestDeleteRootsRejected(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{identifier.Root, env.seg + "/"} {
		if err := env.remove(t, id); !errors.Is(err, ErrReadOnly) {
			t.Errorf("delete %q: err = %v", id, err)
		}
	}
}

func TestCreateItem(t *testing.T) {
	env := newTestEnv(t)
	ch := make(chan outcome, 2)
	create := func(template item.Item, source string) outcome {
		env.coord.CreateItem(context.Background(), template, source, nil,
			func(it item.Item) { ch <- outcome{it: it} },
			func(err error) { ch <- outcome{err: err} })
		return await(t, ch)
	}

	o := create(item.Item{Name: "Projects", IsContainer: true, ParentID: env.seg + "/"}, "")
	if o.err != nil {
		t.Fatalf("create folder: %v", o.err)
	}
	if o.it.ID != env.id("/Projects/") || !o.it.IsContainer {
		t.Errorf("folder = %+v", o.it)
	}

	o = create(item.Item{Name: "plan.md", ParentID: env.id("/Projects")}, writeSource(t, "# plan"))
	if o.err != nil {
		t.Fatalf("create file: %v", o.err)
	}
	if o.it.ID != env.id("/Projects/plan.md") || o.it.ParentID != env.id("/Projects/") {
		t.Errorf("file = %+v", o.it)
	}

	o = create(item.Item{Name: "a/b", ParentID: env.seg + "/"}, "")
	if KindOf(o.err) != KindIdentity {
		t.Errorf("invalid name: err = %v", o.err)
	}

	calls := env.remote.callLog()
	if len(calls) != 2 || calls[0] != "mkdir /Projects" || calls[1] != "upload /Projects/plan.md" {
		t.Errorf("calls = %v", calls)
	}
	stats := env.coord.Stats()
	if stats.DirsCreated != 1 || stats.FilesCreated != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.id("/a.txt")
	env.cache.Put(id, item.Item{Name: "a.txt", Version: "v1", LocalVersion: "v1", State: item.Downloaded})
	env.remote.files["/a.txt"] = engine.Entry{Name: "a.txt", Version: "v2"}

	it, err := env.coord.Item(ctx, id, false)
	if err != nil || it.Version != "v1" {
		t.Fatalf("cached lookup = %+v, %v", it, err)
	}
	if env.remote.count("stat") != 0 {
		t.Error("cached lookup reached the engine")
	}

	it, err = env.coord.Item(ctx, id, true)
	if err != nil {
		t.Fatalf("forced lookup: %v", err)
	}
	if it.Version != "v2" || it.State != item.Stale || it.LocalVersion != "v1" {
		t.Errorf("refreshed = %+v", it)
	}

	// Vanished remotely.
	env.remote.mu.Lock()
	delete(env.remote.files, "/a.txt")
	env.remote.mu.Unlock()
	_, err = env.coord.Item(ctx, id, true)
	if KindOf(err) != KindConsistency {
		t.Fatalf("err = %v (kind %s)", err, KindOf(err))
	}
	if _, ok := env.cache.Get(id); ok {
		t.Error("vanished item still cached")
	}
}

func TestItemSharedLookupOutlivesFirstCaller(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	env.remote.files["/a.txt"] = engine.Entry{Name: "a.txt", Version: "v1"}
	env.remote.statBlock = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.coord.Item(ctx, id, false)
		firstErr <- err
	}()
	<-env.remote.statStarted

	type res struct {
		it  item.Item
		err error
	}
	second := make(chan res, 1)
	go func() {
		it, err := env.coord.Item(context.Background(), id, false)
		second <- res{it, err}
	}()
	// Let the second caller join the lookup in flight.
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first caller kept waiting after its context ended")
	}

	close(env.remote.statBlock)
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller: %v (kind %s)", r.err, KindOf(r.err))
		}
		if r.it.Version != "v1" {
			t.Errorf("item = %+v", r.it)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller timed out")
	}
}

func TestMalformedIdentifierLoggedAsWarning(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zap.DebugLevel)
	restore := logging.Replace(zap.New(core))
	defer restore()

	if o := env.download(t, "//", nil); !errors.Is(o.err, identifier.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", o.err)
	}
	warned := logs.FilterMessage("malformed identifier").FilterLevelExact(zap.WarnLevel)
	if warned.Len() != 1 {
		t.Errorf("warn entries = %d, want 1", warned.Len())
	}
	if logs.FilterMessage("operation failed").Len() != 0 {
		t.Error("malformed identifier also logged at debug")
	}
}

func TestLookupRoots(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.coord.Item(context.Background(), identifier.Root, false)
	if err != nil || root.ID != identifier.Root || root != env.coord.RootItem() {
		t.Fatalf("root = %+v, %v", root, err)
	}
	acct, err := env.coord.Item(context.Background(), env.seg+"/", false)
	if err != nil || acct.ParentID != identifier.Root || acct.Name != env.seg {
		t.Fatalf("account root = %+v, %v", acct, err)
	}
	if n := len(env.remote.callLog()); n != 0 {
		t.Errorf("remote calls = %d", n)
	}
}

func TestItemFromOwningContext(t *testing.T) {
	env := newTestEnv(t)
	var got error
	err := env.loop.Call(context.Background(), func(ctx context.Context) {
		_, got = env.coord.Item(ctx, identifier.Root, false)
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !errors.Is(got, dispatch.ErrReentrant) {
		t.Errorf("err = %v, want ErrReentrant", got)
	}
}

func TestChangedInvalidates(t *testing.T) {
	env := newTestEnv(t)
	id := env.id("/a.txt")
	env.cache.Put(id, item.Item{Name: "a.txt", Version: "v1", Size: 2, LocalVersion: "v1", State: item.Downloaded})
	env.remote.files["/a.txt"] = engine.Entry{Name: "a.txt", Version: "v2", Size: 3}
	env.remote.content["/a.txt"] = "new"

	env.coord.Changed(context.Background(), env.seg, "/a.txt")
	// Changed is queued; a blocking call behind it observes its effect.
	if err := env.loop.Call(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := env.cached(t, id); got.State != item.Stale {
		t.Fatalf("state = %s, want stale", got.State)
	}

	if o := env.download(t, id, nil); o.err != nil {
		t.Fatalf("download: %v", o.err)
	}
	if env.remote.count("download") != 1 {
		t.Error("stale item served from the fast path")
	}
	if env.remote.count("stat") != 1 {
		t.Errorf("stat calls = %d, want a refresh before the transfer", env.remote.count("stat"))
	}
	got := env.cached(t, id)
	if got.Version != "v2" || got.Size != 3 || got.LocalVersion != "v2" || !got.IsMostRecentDownloaded() {
		t.Errorf("after download = %+v", got)
	}
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	env.coord.Close()

	var got error
	env.coord.Delete(context.Background(), env.id("/a.txt"), func() {}, func(err error) { got = err })
	if !errors.Is(got, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{identifier.ErrMalformed, KindIdentity},
		{registry.ErrUnknownAccount, KindIdentity},
		{engine.ErrCancelled, KindCancelled},
		{context.Canceled, KindCancelled},
		{engine.ErrNotFound, KindConsistency},
		{errors.New("boom"), KindEngine},
		{&OpError{Op: "list", Kind: KindCancelled, Err: errors.New("x")}, KindCancelled},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
