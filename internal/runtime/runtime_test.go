package runtime

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/streamd/internal/config"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/pkg/clock"
)

func testConfig(dir, strategy string) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.Server.DataDir = dir
	cfg.Server.Fsync = "always"
	cfg.Sequence.Strategy = strategy
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(context.Background(), Options{Config: testConfig(t.TempDir(), "persisted")})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Store() == nil || rt.Sessions() == nil || rt.Sequences() == nil || rt.Buffer() == nil {
		t.Fatalf("runtime not fully wired")
	}
}

func TestRecoverSeedsBufferAndLiftsMemoryGenerator(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := clock.Fake(time.Now())

	rt, err := Open(ctx, Options{Config: testConfig(dir, "memory"), Clock: clk})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		seq, err := rt.Sequences().For("s1").Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		env, _ := envelope.New(envelope.PrimaryID("s1", seq), seq, envelope.TypeData,
			envelope.WithSession("s1"), envelope.WithTimestamp(clk.Now()))
		if err := rt.Store().Append(ctx, env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Open(ctx, Options{Config: testConfig(dir, "memory"), Clock: clk})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	next, err := rt.Sequences().For("s1").Next(ctx)
	if err != nil || next != 4 {
		t.Fatalf("next after restart = %d, %v", next, err)
	}
	gaps := rt.Buffer().DetectGaps("s1", 1, 3)
	if len(gaps) != 1 || gaps[0].Start != 1 || gaps[0].End != 3 {
		t.Fatalf("gaps after restart = %v", gaps)
	}
}

func TestOpenRejectsUnknownStrategy(t *testing.T) {
	if _, err := Open(context.Background(), Options{Config: testConfig(t.TempDir(), "dice")}); err == nil {
		t.Fatalf("expected error")
	}
}
