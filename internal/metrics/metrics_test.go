package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/foldersync/foldersyncd/internal/concurrency"
	"github.com/foldersync/foldersyncd/internal/copydriver"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/keymaterial"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/statemgr"
	"github.com/foldersync/foldersyncd/internal/store/leveldb"
	"github.com/foldersync/foldersyncd/internal/txqueue"
)

type fakeRegistries struct{ reg gometrics.Registry }

func (f fakeRegistries) Registry() gometrics.Registry { return f.reg }

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	db, err := leveldb.OpenTemp()
	if err != nil {
		t.Fatalf("OpenTemp: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Jobs().Put(model.Job{ID: "j1"}); err != nil {
		t.Fatalf("Put job: %v", err)
	}

	bus := eventbus.New(nil)
	state := statemgr.New(db, bus)
	conc := concurrency.New(db)
	keys := keymaterial.New(t.TempDir())
	driver := copydriver.New(copydriver.Config{MaxConcurrentProcesses: 2}, bus, keys, func(copydriver.Outcome) {})

	resolve := func(job model.Job, file model.FileRecord) (copydriver.CopyOptions, error) {
		return copydriver.CopyOptions{Job: job}, nil
	}
	queue := txqueue.New(db, state, conc, driver, bus, resolve, txqueue.Policy{})

	counters := gometrics.NewRegistry()
	c := gometrics.NewCounter()
	c.Inc(42)
	counters.Register("recovery.stuck", c)

	return New(db, queue, conc, driver, fakeRegistries{counters})
}

func TestCollectorSampleAndScrape(t *testing.T) {
	coll := newTestCollector(t)
	coll.sample()

	srv := httptest.NewServer(coll.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	out := body.String()

	for _, want := range []string{
		"foldersyncd_queue_depth",
		"foldersyncd_active_transfers",
		"foldersyncd_job_slots_in_use",
		"foldersyncd_recovery_stuck",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q:\n%s", want, out)
		}
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"recovery.stuck":  "recovery_stuck",
		"scheduler-scans": "scheduler_scans",
		"plain":           "plain",
		"a.b-c d":         "a_b_c_d",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
