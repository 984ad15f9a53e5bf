package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/ragmux/internal/chunker"
	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/extract"
	"github.com/kalambet/ragmux/internal/retrieval"
	"github.com/kalambet/ragmux/internal/storage"
)

// writePDF writes a minimal one-page PDF whose bytes depend on label.
func writePDF(t *testing.T, dir, name, label string) string {
	t.Helper()
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R >>",
	}
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", label)
	objs = append(objs, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))

	buf := []byte("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = len(buf)
		buf = append(buf, fmt.Sprintf("%d 0 obj\n%s\nendobj\n", i+1, o)...)
	}
	xref := len(buf)
	buf = append(buf, fmt.Sprintf("xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)...)
	for _, off := range offsets {
		buf = append(buf, fmt.Sprintf("%010d 00000 n \n", off)...)
	}
	buf = append(buf, fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)...)

	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("writing %s: %v", p, err)
	}
	return p
}

type fakeExtractor struct {
	calls  atomic.Int32
	text   string
	method string
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, path string) (extract.Result, error) {
	f.calls.Add(1)
	if _, err := os.Stat(path); err != nil {
		return extract.Result{}, fmt.Errorf("stored copy missing: %w", err)
	}
	if f.err != nil {
		return extract.Result{}, f.err
	}
	method := f.method
	if method == "" {
		method = extract.MethodStandard
	}
	return extract.Result{Pages: []extract.Page{{Number: 1, Text: f.text}}, Method: method}, nil
}

type mockBatchEmbedder struct {
	embedFn func(texts []string) ([][]float32, error)
}

func (m *mockBatchEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

type harness struct {
	pipe  *Pipeline
	db    *storage.Store
	docs  *docstore.Store
	index *retrieval.SQLiteStore
	ext   *fakeExtractor
	emb   *mockBatchEmbedder
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	docs, err := docstore.Open(context.Background(), db)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	split, err := chunker.New(40, 10)
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}

	h := &harness{
		db:    db,
		docs:  docs,
		index: retrieval.NewSQLiteStore(db.DB()),
		ext:   &fakeExtractor{text: "첫 번째 문단입니다. 검색에 쓰일 내용이 들어 있습니다.\n\n두 번째 문단은 조금 더 깁니다. 여러 조각으로 나뉘어야 합니다."},
		emb:   &mockBatchEmbedder{},
		dir:   t.TempDir(),
	}
	h.pipe = New(Config{
		Registry:     docs,
		Extractor:    h.ext,
		Splitter:     split,
		Embedder:     h.emb,
		Index:        h.index,
		DocumentsDir: filepath.Join(h.dir, "documents"),
		MinBytes:     100,
	})
	return h
}

// restart reloads the registry from storage, as a new process would.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	docs, err := docstore.Open(context.Background(), h.db)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	h.docs = docs
	h.pipe.cfg.Registry = docs
}

func (h *harness) chunkCount(t *testing.T) int {
	t.Helper()
	n, err := h.index.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestIngest_Success(t *testing.T) {
	h := newHarness(t)
	src := writePDF(t, h.dir, "manual.pdf", "manual")

	res, ok := h.pipe.Ingest(context.Background(), src)
	if !ok {
		t.Fatalf("Ingest failed: %+v", res)
	}
	if res.Duplicate || res.Chunks < 2 || res.Method != extract.MethodStandard {
		t.Errorf("result = %+v", res)
	}

	doc, err := h.docs.Get(res.DocumentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Status != storage.StatusCompleted || doc.ChunkCount != res.Chunks || doc.Filename != "manual.pdf" {
		t.Errorf("document = %+v", doc)
	}
	if doc.TotalChars == 0 {
		t.Error("TotalChars not recorded")
	}
	if _, err := os.Stat(doc.StoredPath); err != nil {
		t.Errorf("stored copy missing: %v", err)
	}
	if got := h.chunkCount(t); got != res.Chunks {
		t.Errorf("index has %d chunks, want %d", got, res.Chunks)
	}

	chunks, _ := h.index.All(context.Background())
	for i, c := range chunks {
		if c.Meta.DocumentID != doc.ID || c.Meta.ChunkIndex != i || c.Meta.ContentHash != doc.ContentHash {
			t.Errorf("chunk %d meta = %+v", i, c.Meta)
		}
	}
}

func TestIngest_Idempotent(t *testing.T) {
	h := newHarness(t)
	src := writePDF(t, h.dir, "a.pdf", "same")

	first, ok := h.pipe.Ingest(context.Background(), src)
	if !ok {
		t.Fatalf("first ingest: %+v", first)
	}
	before := h.chunkCount(t)

	second, ok := h.pipe.Ingest(context.Background(), src)
	if !ok || !second.Duplicate || second.DocumentID != first.DocumentID {
		t.Errorf("second ingest = %+v", second)
	}
	if h.ext.calls.Load() != 1 {
		t.Errorf("extractor called %d times, want 1", h.ext.calls.Load())
	}
	if after := h.chunkCount(t); after != before {
		t.Errorf("chunk count changed %d -> %d", before, after)
	}
}

func TestIngest_SameContentDifferentPath(t *testing.T) {
	h := newHarness(t)
	a := writePDF(t, h.dir, "a.pdf", "shared")
	b := writePDF(t, h.dir, "copy-of-a.pdf", "shared")

	first, _ := h.pipe.Ingest(context.Background(), a)
	second, ok := h.pipe.Ingest(context.Background(), b)
	if !ok || !second.Duplicate || second.DocumentID != first.DocumentID {
		t.Errorf("copy ingest = %+v", second)
	}
	if h.ext.calls.Load() != 1 {
		t.Errorf("extractor called %d times, want 1", h.ext.calls.Load())
	}
	if len(h.docs.List()) != 1 {
		t.Errorf("registry has %d documents, want 1", len(h.docs.List()))
	}
}

func TestIngest_ChangedFileAtSamePath(t *testing.T) {
	h := newHarness(t)
	src := writePDF(t, h.dir, "report.pdf", "v1")
	first, _ := h.pipe.Ingest(context.Background(), src)

	writePDF(t, h.dir, "report.pdf", "version two of the report")
	second, ok := h.pipe.Ingest(context.Background(), src)
	if !ok || second.Duplicate || second.DocumentID == first.DocumentID {
		t.Errorf("changed file result = %+v", second)
	}
	entry, _ := h.docs.LookupPath(src)
	if entry.DocumentID != second.DocumentID {
		t.Errorf("path index points at %s, want %s", entry.DocumentID, second.DocumentID)
	}
}

func TestIngest_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	tiny := filepath.Join(h.dir, "tiny.pdf")
	os.WriteFile(tiny, []byte("%PDF-1.4"), 0o644)

	res, ok := h.pipe.Ingest(context.Background(), tiny)
	if ok || res.Reason == "" || res.Retryable {
		t.Errorf("result = %+v", res)
	}
	if len(h.docs.List()) != 0 {
		t.Error("rejected file must not create a document")
	}
	if h.pipe.IngestFile(context.Background(), filepath.Join(h.dir, "missing.pdf")) {
		t.Error("IngestFile(missing) = true")
	}
}

func TestIngest_NoTextFailsPermanently(t *testing.T) {
	h := newHarness(t)
	h.ext.err = fmt.Errorf("%w (OCR)", extract.ErrNoText)
	src := writePDF(t, h.dir, "scan.pdf", "scan")

	res, ok := h.pipe.Ingest(context.Background(), src)
	if ok || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if res.Reason != "no extractable text (OCR)" {
		t.Errorf("Reason = %q", res.Reason)
	}

	doc, _ := h.docs.Get(res.DocumentID)
	if doc.Status != storage.StatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
	if _, err := os.Stat(doc.StoredPath); !os.IsNotExist(err) {
		t.Error("stored copy of failed document not removed")
	}
	if _, found := h.docs.LookupHash(doc.ContentHash); found {
		t.Error("hash reservation not released")
	}
}

func TestIngest_EmbedFailureLeavesNoChunksAndRetries(t *testing.T) {
	h := newHarness(t)
	h.emb.embedFn = func([]string) ([][]float32, error) { return nil, errors.New("ollama unreachable") }
	src := writePDF(t, h.dir, "a.pdf", "retry")

	res, ok := h.pipe.Ingest(context.Background(), src)
	if ok || !res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if h.chunkCount(t) != 0 {
		t.Error("partial chunks left in index")
	}

	h.emb.embedFn = nil
	retry, ok := h.pipe.Ingest(context.Background(), src)
	if !ok || retry.Duplicate || retry.DocumentID == res.DocumentID {
		t.Errorf("retry = %+v", retry)
	}

	// The earlier failed document is untouched by the successful retry.
	failed, _ := h.docs.Get(res.DocumentID)
	if failed.Status != storage.StatusFailed {
		t.Errorf("first attempt status = %q", failed.Status)
	}
}

func TestIngest_RecordsOCRMethod(t *testing.T) {
	h := newHarness(t)
	h.ext.method = extract.MethodOCR
	res, ok := h.pipe.Ingest(context.Background(), writePDF(t, h.dir, "scan.pdf", "ocr"))
	if !ok || res.Method != extract.MethodOCR {
		t.Fatalf("result = %+v", res)
	}
	chunks, _ := h.index.All(context.Background())
	if chunks[0].Meta.ProcessingMethod != extract.MethodOCR {
		t.Errorf("chunk method = %q", chunks[0].Meta.ProcessingMethod)
	}
}

type countingRewriter struct{ calls int }

func (c *countingRewriter) Rewrite(_ context.Context, text string) (string, int) {
	c.calls++
	return text + "\n\nconverted", 1
}

func TestIngest_AppliesRewriter(t *testing.T) {
	h := newHarness(t)
	rw := &countingRewriter{}
	h.pipe.cfg.Rewriter = rw

	if _, ok := h.pipe.Ingest(context.Background(), writePDF(t, h.dir, "code.pdf", "code")); !ok {
		t.Fatal("ingest failed")
	}
	if rw.calls != 1 {
		t.Errorf("rewriter calls = %d", rw.calls)
	}
	chunks, _ := h.index.All(context.Background())
	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "converted") {
			found = true
		}
	}
	if !found {
		t.Error("rewritten text not indexed")
	}
}

func TestIngest_ConcurrentSameFile(t *testing.T) {
	h := newHarness(t)
	paths := make([]string, 6)
	for i := range paths {
		paths[i] = writePDF(t, h.dir, fmt.Sprintf("dup-%d.pdf", i), "identical")
	}

	var wg sync.WaitGroup
	results := make([]Result, len(paths))
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			results[i], _ = h.pipe.Ingest(context.Background(), p)
		}(i, p)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if !r.OK {
			t.Errorf("ingest failed: %+v", r)
		}
		if !r.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d non-duplicate results, want 1", fresh)
	}
	if n := h.ext.calls.Load(); n != 1 {
		t.Errorf("extractor ran %d times, want 1", n)
	}
}

func TestIngest_ReplacesInterruptedIngestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := writePDF(t, h.dir, "a.pdf", "interrupted")
	hash, err := hashFile(src)
	if err != nil {
		t.Fatalf("hashFile: %v", err)
	}

	// An earlier process reserved the content and died before indexing it.
	crashed := storage.Document{
		ID:          "crashed",
		Filename:    "a.pdf",
		ContentHash: hash,
		StoredPath:  filepath.Join(h.dir, "documents", "crashed.pdf"),
		UploadTime:  time.Now().UTC(),
	}
	if _, err := h.docs.Reserve(ctx, crashed, src); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	h.restart(t)

	res, ok := h.pipe.Ingest(ctx, src)
	if !ok || res.Duplicate || res.DocumentID == "crashed" {
		t.Fatalf("result = %+v, want a fresh ingestion", res)
	}
	if n := h.ext.calls.Load(); n != 1 {
		t.Errorf("extractor ran %d times, want 1", n)
	}
	if got := h.chunkCount(t); got == 0 || got != res.Chunks {
		t.Errorf("index has %d chunks, want %d", got, res.Chunks)
	}

	old, _ := h.docs.Get("crashed")
	if old.Status != storage.StatusFailed {
		t.Errorf("interrupted document status = %q, want failed", old.Status)
	}
	if id, _ := h.docs.LookupHash(hash); id != res.DocumentID {
		t.Errorf("hash owned by %q, want %q", id, res.DocumentID)
	}

	// The content is now indexed, so a further upload is a real duplicate.
	again, ok := h.pipe.Ingest(ctx, src)
	if !ok || !again.Duplicate || again.DocumentID != res.DocumentID {
		t.Errorf("second ingest = %+v", again)
	}
}

func TestIngest_ReplacesMissingDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := writePDF(t, h.dir, "a.pdf", "lost")

	first, ok := h.pipe.Ingest(ctx, src)
	if !ok {
		t.Fatalf("first ingest: %+v", first)
	}
	doc, _ := h.docs.Get(first.DocumentID)
	os.Remove(doc.StoredPath)
	if _, err := h.docs.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if doc, _ = h.docs.Get(first.DocumentID); doc.Status != storage.StatusMissing {
		t.Fatalf("status = %q, want missing", doc.Status)
	}

	second, ok := h.pipe.Ingest(ctx, src)
	if !ok || second.Duplicate || second.DocumentID == first.DocumentID {
		t.Fatalf("re-ingest = %+v", second)
	}
	if n := h.ext.calls.Load(); n != 2 {
		t.Errorf("extractor ran %d times, want 2", n)
	}
	if got := h.chunkCount(t); got != second.Chunks {
		t.Errorf("index has %d chunks, want only the new %d", got, second.Chunks)
	}
	if !h.docs.IsCompleted(second.DocumentID) {
		t.Error("replacement document not completed")
	}
}
