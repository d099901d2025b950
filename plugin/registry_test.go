package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
)

type countingPlugin struct {
	name     string
	applied  atomic.Int32
	dupes    atomic.Int32
	appended atomic.Int32
	fail     bool
}

func (p *countingPlugin) Name() string { return p.name }

func (p *countingPlugin) OnCreditApplied(context.Context, *credit.ProcessedEvent) error {
	p.applied.Add(1)
	if p.fail {
		return errors.New("boom")
	}
	return nil
}

func (p *countingPlugin) OnCreditDuplicate(context.Context, string, id.UserID) error {
	p.dupes.Add(1)
	return nil
}

func (p *countingPlugin) OnHistoryAppended(context.Context, id.ProjectID, *project.HistoryEntry) error {
	p.appended.Add(1)
	return nil
}

type slowPlugin struct{ release chan struct{} }

func (p *slowPlugin) Name() string { return "slow" }

func (p *slowPlugin) OnCreditApplied(context.Context, *credit.ProcessedEvent) error {
	<-p.release
	return nil
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&countingPlugin{name: "audit"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&countingPlugin{name: "audit"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if r.Get("audit") == nil {
		t.Error("Get(audit) returned nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should return nil")
	}
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := NewRegistry()
	a := &countingPlugin{name: "a"}
	b := &countingPlugin{name: "b", fail: true}
	_ = r.Register(a)
	_ = r.Register(b)

	ctx := context.Background()
	r.EmitCreditApplied(ctx, &credit.ProcessedEvent{EventID: "evt_1"})
	r.EmitCreditDuplicate(ctx, "evt_1", id.NewUserID())
	r.EmitHistoryAppended(ctx, id.NewProjectID(), &project.HistoryEntry{})
	// No plugin implements these; they must be no-ops.
	r.EmitWebhookReceived(ctx, "evt_1", "checkout.session.completed")
	r.EmitInit(ctx, nil)

	for _, p := range []*countingPlugin{a, b} {
		if got := p.applied.Load(); got != 1 {
			t.Errorf("%s applied = %d, want 1", p.name, got)
		}
		if got := p.dupes.Load(); got != 1 {
			t.Errorf("%s dupes = %d, want 1", p.name, got)
		}
		if got := p.appended.Load(); got != 1 {
			t.Errorf("%s appended = %d, want 1", p.name, got)
		}
	}

	names := r.List()
	if len(names) != 2 || names[0].Name() != "a" || names[1].Name() != "b" {
		t.Errorf("List() order wrong: %v", names)
	}
}

func TestSlowPluginTimesOut(t *testing.T) {
	slow := &slowPlugin{release: make(chan struct{})}
	defer close(slow.release)

	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	_ = r.Register(slow)

	start := time.Now()
	r.EmitCreditApplied(context.Background(), &credit.ProcessedEvent{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("emit blocked for %v", elapsed)
	}
}
