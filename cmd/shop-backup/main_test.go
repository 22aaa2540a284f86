package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/shop-backup/internal/testutil"
	"github.com/Sternrassler/shop-backup/pkg/bulk"
	"github.com/Sternrassler/shop-backup/pkg/client"
	"github.com/Sternrassler/shop-backup/pkg/clock"
	"github.com/Sternrassler/shop-backup/pkg/pagination"
	"github.com/rs/zerolog"
)

const testJobID = "gid://shopify/BulkOperation/42"

const ordersResult = `{"id":"gid://shopify/Order/1","name":"#1001"}
{"id":"gid://shopify/LineItem/101","__parentId":"gid://shopify/Order/1","quantity":1}
{"id":"gid://shopify/LineItem/102","__parentId":"gid://shopify/Order/1","quantity":2}
{"id":"gid://shopify/Metafield/401","__parentId":"gid://shopify/Order/1","key":"gift"}
{"id":"gid://shopify/Order/2","name":"#1002"}
`

// newTestBackup serves a completed bulk job for every submission and the
// given handler for pages.json.
func newTestBackup(t *testing.T, pages http.HandlerFunc) (*backup, *testutil.MockShopify) {
	t.Helper()

	mock := testutil.NewMockShopify()
	t.Cleanup(mock.Close)

	resultURL := mock.URL() + "/results/bulk.jsonl"
	mock.SetHandler("/graphql.json", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		op := `"id":"` + testJobID + `","createdAt":"2024-05-01T10:00:00Z"`
		var resp string
		switch {
		case strings.Contains(string(body), "bulkOperationRunQuery"):
			resp = `{"bulkOperationRunQuery":{"bulkOperation":{` + op + `,"status":"CREATED"},"userErrors":[]}}`
		default:
			resp = `{"currentBulkOperation":{` + op + `,"status":"COMPLETED","objectCount":"5","url":"` + resultURL + `"}}`
		}
		testutil.ResponseHandler(testutil.NewGraphQLResponse(resp))(w, r)
	})
	mock.SetResponse("/results/bulk.jsonl", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       ordersResult,
	})
	if pages != nil {
		mock.SetHandler("/pages.json", pages)
	}

	cfg := client.DefaultConfig("", "shpat_test")
	cfg.BaseURL = mock.BaseURL()
	c, err := client.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.SetHTTPClient(mock.Client())

	fake := clock.NewFake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	exec := client.NewExecutor(nil, fake, zerolog.Nop())

	return &backup{
		orch:   bulk.NewOrchestrator(c, c.HTTPClient(), exec, bulk.Config{Clock: fake}),
		pager:  pagination.New(exec, pagination.DefaultConfig()),
		rest:   c,
		outDir: filepath.Join(t.TempDir(), "out"),
		logger: zerolog.Nop(),
	}, mock
}

func twoPages(mock **testutil.MockShopify) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_info") == "" {
			next := (*mock).BaseURL() + "/pages.json?limit=250&page_info=cGFnZTI"
			testutil.ResponseHandler(testutil.NewRESTPageResponse(`{"pages":[{"id":1,"title":"About"}]}`, next))(w, r)
			return
		}
		testutil.ResponseHandler(testutil.NewRESTPageResponse(`{"pages":[{"id":2,"title":"Contact"}]}`, ""))(w, r)
	}
}

func readJSON(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out []map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("%s is not a JSON array: %v\n%s", path, err, data)
	}
	return out
}

func TestBackup_ExportsBulkAndRESTResources(t *testing.T) {
	var mock *testutil.MockShopify
	b, m := newTestBackup(t, twoPages(&mock))
	mock = m

	targets, err := lookupResources([]string{"orders", "pages"})
	if err != nil {
		t.Fatal(err)
	}

	results, err := b.run(context.Background(), targets)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	orders := readJSON(t, filepath.Join(b.outDir, "orders.json"))
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if items, _ := orders[0]["lineItems"].([]any); len(items) != 2 {
		t.Errorf("lineItems = %v, want 2 entries", orders[0]["lineItems"])
	}
	if fields, _ := orders[0]["metafields"].([]any); len(fields) != 1 {
		t.Errorf("metafields = %v, want 1 entry", orders[0]["metafields"])
	}
	if items, _ := orders[1]["lineItems"].([]any); items == nil || len(items) != 0 {
		t.Errorf("second order lineItems = %v, want empty list", orders[1]["lineItems"])
	}
	if results[0].Records != 2 {
		t.Errorf("orders records = %d, want 2", results[0].Records)
	}

	pages := readJSON(t, filepath.Join(b.outDir, "pages.json"))
	if len(pages) != 2 || pages[0]["title"] != "About" || pages[1]["title"] != "Contact" {
		t.Errorf("pages = %v", pages)
	}
	if results[1].Records != 2 {
		t.Errorf("pages records = %d, want 2", results[1].Records)
	}

	queries := mock.GetRESTQueries()
	if len(queries) != 2 {
		t.Fatalf("REST queries = %v, want 2", queries)
	}
	if !strings.Contains(queries[0], "published_status=any") {
		t.Errorf("first query %q should carry filters", queries[0])
	}
	if strings.Contains(queries[1], "published_status") {
		t.Errorf("follow-up query %q must carry only the cursor", queries[1])
	}
}

func TestBackup_EmptyListing(t *testing.T) {
	b, _ := newTestBackup(t, testutil.ResponseHandler(testutil.NewRESTPageResponse(`{"pages":[]}`, "")))

	targets, _ := lookupResources([]string{"pages"})
	if _, err := b.run(context.Background(), targets); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(b.outDir, "pages.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]\n" {
		t.Errorf("pages.json = %q, want empty array", data)
	}
}

func TestBackup_ContinuesPastFailedResource(t *testing.T) {
	b, _ := newTestBackup(t, testutil.ResponseHandler(testutil.MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"errors":"Not Found"}`,
	}))

	targets, _ := lookupResources([]string{"pages", "orders"})
	results, err := b.run(context.Background(), targets)
	if err == nil {
		t.Fatal("run() expected an error for the failed resource")
	}

	var re *resourceError
	if !errors.As(err, &re) || re.Resource != "pages" {
		t.Errorf("error = %v, want a resourceError for pages", err)
	}
	if results[0].Err == nil {
		t.Error("pages result should carry the error")
	}
	if results[1].Err != nil {
		t.Errorf("orders result error = %v, want success after the failure", results[1].Err)
	}
	if _, err := os.Stat(filepath.Join(b.outDir, "pages.json")); !os.IsNotExist(err) {
		t.Errorf("failed resource left a file behind (stat err = %v)", err)
	}
	if _, err := os.Stat(filepath.Join(b.outDir, "orders.json")); err != nil {
		t.Errorf("orders.json missing: %v", err)
	}
}

func TestBackup_CancelledContextSkipsRemaining(t *testing.T) {
	b, mock := newTestBackup(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	targets, _ := lookupResources([]string{"orders", "pages"})
	results, err := b.run(ctx, targets)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("run() error = %v, want context.Canceled", err)
	}
	if len(results) != 2 {
		t.Errorf("len(results) = %d, want 2", len(results))
	}
	if n := mock.GetRequestCount(); n != 0 {
		t.Errorf("requests = %d, want none after cancellation", n)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := writeFileAtomic(path, func(w *bufio.Writer) error {
		_, err := w.WriteString(`["ok"]`)
		return err
	}); err != nil {
		t.Fatalf("writeFileAtomic() error = %v", err)
	}

	writeErr := errors.New("boom")
	if err := writeFileAtomic(path, func(w *bufio.Writer) error {
		w.WriteString(`["partial`)
		return writeErr
	}); !errors.Is(err, writeErr) {
		t.Fatalf("writeFileAtomic() error = %v, want %v", err, writeErr)
	}

	data, _ := os.ReadFile(path)
	if string(data) != `["ok"]` {
		t.Errorf("file = %q, a failed write must not replace it", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the target file", len(entries))
	}
}

func TestLookupResources(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr bool
	}{
		{"all defaults", []string{"orders", "products", "customers", "collections", "pages"}, []string{"orders", "products", "customers", "collections", "pages"}, false},
		{"case and spaces", []string{" Orders "}, []string{"orders"}, false},
		{"unknown", []string{"orders", "refunds"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lookupResources(tt.names)
			if (err != nil) != tt.wantErr {
				t.Fatalf("lookupResources() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d resources, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.Name != tt.want[i] {
					t.Errorf("resource[%d] = %q, want %q", i, r.Name, tt.want[i])
				}
			}
		})
	}
}

func TestResources_Catalogue(t *testing.T) {
	for _, name := range knownResources() {
		r := resources[name]
		if r.Name != name {
			t.Errorf("resource %q has Name %q", name, r.Name)
		}
		if r.isBulk() {
			if r.RootType == "" || len(r.Schema.Slots) == 0 {
				t.Errorf("bulk resource %q needs a root type and schema", name)
			}
			continue
		}
		if r.Path == "" || r.Key == "" {
			t.Errorf("listing resource %q needs a path and key", name)
		}
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
	for _, key := range []string{
		"SHOPIFY_SHOP", "SHOPIFY_ACCESS_TOKEN", "SHOPIFY_API_VERSION", "SHOPIFY_BASE_URL", "BACKUP_OUTPUT_DIR",
		"BACKUP_RESOURCES", "METRICS_FILE", "REDIS_ADDR", "LOG_LEVEL", "LOG_PRETTY",
		"RATE_LIMIT_MIN_INTERVAL", "BULK_POLL_INTERVAL", "BULK_POLL_TIMEOUT", "BULK_DOWNLOAD_HEADER_TIMEOUT", "RETRY_MAX",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want int
	}{
		{"bad flag", nil, []string{"-nope"}, 2},
		{"missing credentials", nil, nil, 2},
		{"missing config file", map[string]string{"SHOPIFY_SHOP": "demo", "SHOPIFY_ACCESS_TOKEN": "shpat"}, []string{"-config", "does-not-exist.yaml"}, 2},
		{"unknown resource", map[string]string{"SHOPIFY_SHOP": "demo", "SHOPIFY_ACCESS_TOKEN": "shpat"}, []string{"-resources", "orders,refunds"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := run(context.Background(), tt.args, io.Discard); got != tt.want {
				t.Errorf("run() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_EndToEnd(t *testing.T) {
	clearEnv(t)

	var mock *testutil.MockShopify
	_, mock = newTestBackup(t, twoPages(&mock))

	dir := t.TempDir()
	t.Setenv("SHOPIFY_SHOP", "demo")
	t.Setenv("SHOPIFY_ACCESS_TOKEN", "shpat_test")
	t.Setenv("SHOPIFY_BASE_URL", mock.BaseURL())
	t.Setenv("RATE_LIMIT_MIN_INTERVAL", "0s")

	var stdout bytes.Buffer
	code := run(context.Background(), []string{
		"-resources", "orders,pages",
		"-out", filepath.Join(dir, "backup"),
		"-metrics-file", filepath.Join(dir, "backup.prom"),
	}, &stdout)
	if code != 0 {
		t.Fatalf("run() = %d, want 0\n%s", code, stdout.String())
	}

	if orders := readJSON(t, filepath.Join(dir, "backup", "orders.json")); len(orders) != 2 {
		t.Errorf("orders = %d, want 2", len(orders))
	}
	if pages := readJSON(t, filepath.Join(dir, "backup", "pages.json")); len(pages) != 2 {
		t.Errorf("pages = %d, want 2", len(pages))
	}

	prom, err := os.ReadFile(filepath.Join(dir, "backup.prom"))
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	if !strings.Contains(string(prom), "shopify_bulk_jobs_total") {
		t.Errorf("metrics file missing bulk job counter:\n%s", prom)
	}
	if got := mock.LastRequestHeader.Get("X-Shopify-Access-Token"); got != "shpat_test" {
		t.Errorf("access token header = %q", got)
	}
	if !strings.Contains(stdout.String(), "orders") {
		t.Errorf("summary missing orders:\n%s", stdout.String())
	}
}

func TestRun_FailedResourceExitsNonZero(t *testing.T) {
	clearEnv(t)

	_, mock := newTestBackup(t, nil)

	t.Setenv("SHOPIFY_SHOP", "demo")
	t.Setenv("SHOPIFY_ACCESS_TOKEN", "shpat_test")
	t.Setenv("SHOPIFY_BASE_URL", mock.BaseURL())
	t.Setenv("RATE_LIMIT_MIN_INTERVAL", "0s")

	code := run(context.Background(), []string{"-resources", "pages", "-out", t.TempDir()}, io.Discard)
	if code != 1 {
		t.Errorf("run() = %d, want 1 when a resource fails", code)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, []result{
		{Resource: "orders", Records: 12, Duration: 1500 * time.Millisecond},
		{Resource: "pages", Err: &resourceError{Resource: "pages", Err: errors.New("HTTP 404")}},
	})

	out := buf.String()
	for _, want := range []string{"RESOURCE", "orders", "12", "ok", "FAILED: pages: HTTP 404"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}
