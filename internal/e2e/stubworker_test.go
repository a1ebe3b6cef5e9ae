// Package e2e drives the bridge against the real reference worker binary.
package e2e

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/bridge"
	"github.com/mattjoyce/procbridge/internal/capability"
	"github.com/mattjoyce/procbridge/internal/dispatch"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/outcome"
	"github.com/mattjoyce/procbridge/internal/protocol"
	"github.com/mattjoyce/procbridge/internal/scheduler"
	"github.com/mattjoyce/procbridge/internal/stats"
)

var (
	buildOnce sync.Once
	workerBin string
	buildErr  error
)

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found")
		}
		dir = parent
	}
}

// stubWorker builds cmd/stubworker once per test binary.
func stubWorker(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the worker binary")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}
	root := repoRoot(t)
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "procbridge-e2e-")
		if err != nil {
			buildErr = err
			return
		}
		workerBin = filepath.Join(dir, "stubworker")
		cmd := exec.Command(goBin, "build", "-o", workerBin, "./cmd/stubworker")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = &buildError{err: err, out: string(out)}
		}
	})
	require.NoError(t, buildErr)
	return workerBin
}

type buildError struct {
	err error
	out string
}

func (e *buildError) Error() string { return e.err.Error() + ": " + e.out }

type harness struct {
	bridge *bridge.Bridge
	hub    *events.Hub
	stats  *stats.Tracker
	client *capability.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bin := stubWorker(t)
	log.Setup("ERROR", "json")

	dbPath := filepath.Join(t.TempDir(), "worker.db")
	sup := dispatch.New(dispatch.Config{
		Env:       []string{"PROCBRIDGE_WORKER_DB=" + dbPath, "PROCBRIDGE_WORKER_LOG_LEVEL=ERROR"},
		KillGrace: 500 * time.Millisecond,
	}, log.WithComponent("dispatch"))

	registry, err := action.NewRegistry(nil)
	require.NoError(t, err)

	h := &harness{hub: events.NewHub(64), stats: stats.NewTracker()}
	h.bridge, err = bridge.New(bridge.Options{
		Worker:    protocol.WorkerCommand{Path: bin},
		Registry:  registry,
		Runner:    sup,
		Timeout:   10 * time.Second,
		Events:    h.hub,
		Observers: []bridge.Observer{h.stats},
		Logger:    log.WithComponent("bridge"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.bridge.Close(context.Background()) })

	h.client = capability.New(h.bridge, h.hub)
	return h
}

func TestStubWorker_AccountAndBanks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.client.InitDB(ctx)
	require.True(t, out.OK(), out.String())

	out = h.client.HomeData(ctx)
	assert.Equal(t, outcome.KindApplicationFailure, out.Kind)
	assert.Equal(t, "Not authenticated", out.Message)

	out = h.client.Register(ctx, capability.Registration{Name: "Ana", Email: "ana@example.com", Password: "pw"})
	require.True(t, out.OK(), out.String())
	reg, err := capability.Decode[struct {
		User capability.User `json:"user"`
	}](out)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", reg.User.Email)

	out = h.client.AddBank(ctx, capability.Bank{BankName: "ITAU", Account: "Ahorro", CurrentBalance: 1500})
	require.True(t, out.OK(), out.String())

	out = h.client.AddBank(ctx, capability.Bank{BankName: "ITAU", Account: "Ahorro"})
	assert.Equal(t, outcome.KindApplicationFailure, out.Kind)
	assert.Equal(t, "Bank account already exists", out.Message)

	home, err := capability.Decode[struct {
		TotalBalance float64 `json:"total_balance"`
		Banks        []struct {
			BankName string `json:"bank_name"`
		} `json:"banks"`
	}](h.client.HomeData(ctx))
	require.NoError(t, err)
	assert.Equal(t, 1500.0, home.TotalBalance)
	require.Len(t, home.Banks, 1)

	require.True(t, h.client.Logout(ctx).OK())
	out = h.client.Login(ctx, capability.Credentials{Email: "ana@example.com", Password: "nope"})
	assert.Equal(t, "Invalid credentials", out.Message)
}

func TestStubWorker_ConcurrentReadsAndWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.True(t, h.client.Register(ctx, capability.Registration{Name: "Ana", Email: "ana@example.com", Password: "pw"}).OK())

	var wg sync.WaitGroup
	results := make(chan outcome.Outcome, 12)
	for i := range 6 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			results <- h.client.HomeData(ctx)
		}()
		go func() {
			defer wg.Done()
			results <- h.client.AddBank(ctx, capability.Bank{BankName: "BANK", Account: string(rune('A' + i)), CurrentBalance: 10})
		}()
	}
	wg.Wait()
	close(results)

	for out := range results {
		assert.True(t, out.OK(), out.String())
	}

	home, err := capability.Decode[struct {
		TotalBalance float64 `json:"total_balance"`
	}](h.client.HomeData(ctx))
	require.NoError(t, err)
	assert.Equal(t, 60.0, home.TotalBalance)

	snap := h.stats.Snapshot()
	var total int64
	for _, st := range snap {
		total += st.Total
	}
	assert.Equal(t, int64(14), total)
}

func TestStubWorker_ScheduledSyncPublishes(t *testing.T) {
	h := newHarness(t)
	ch, cancelSub := h.hub.Subscribe(events.TypeDataSync)
	defer cancelSub()

	sched := scheduler.New(scheduler.Config{
		Every:  100 * time.Millisecond,
		Action: string(action.SyncBackgroundData),
	}, h.bridge, h.hub, log.WithComponent("scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	select {
	case ev := <-ch:
		var resp outcome.Response
		require.NoError(t, json.Unmarshal(ev.Data, &resp))
		assert.True(t, resp.Success)
		assert.Contains(t, string(resp.Data), "synced_at")
	case <-time.After(10 * time.Second):
		t.Fatal("no data-sync event")
	}
}

func TestStubWorker_UnimplementedActionIsApplicationFailure(t *testing.T) {
	h := newHarness(t)
	out := h.client.CostCenters(context.Background())
	assert.Equal(t, outcome.KindApplicationFailure, out.Kind)
	assert.Equal(t, "Unknown action: get_cost_centers_list", out.Message)
}
