package remotecomms

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/gc"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/translator"
)

// newTestComms builds a Comms over a real loopback listener, draining its
// run queue with a tiny in-process crank loop so inbound deliveries
// actually resolve (standing in for a full Crank without importing it,
// since crank already imports remotecomms's sibling interface and a
// reverse import would cycle).
func newTestComms(t *testing.T, seed string) (*Comms, kstore.KernelStore, *promise.Subsystem) {
	t.Helper()
	store := kstore.NewMemoryStore()
	tr := translator.New(store)
	proms := promise.New(store)
	_ = gc.New(store, tr)

	cfg := config.RemoteCommsConfig{ListenAddr: "127.0.0.1:0", DialTimeout: time.Second}
	c := New(cfg, store, tr, proms, queue.NewNoopNotifier(), seed)

	ctx := context.Background()
	if err := c.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.ListenAddr = c.listener.Addr().String()
	c.cfg = cfg

	// Drain the run queue for inbound "deliver" frames directed at this
	// store: resolve every send item immediately with an echo of its args,
	// simulating a trivial bootstrap object without a full crank.
	go func() {
		for {
			item, _, ok, err := store.DequeueRunItem(ctx, nil)
			if err != nil {
				return
			}
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			if item.Type != domain.RunItemSend || item.ResultKP == "" {
				continue
			}
			if err := store.SetPromiseDecider(ctx, nil, item.ResultKP, "echo-vat"); err != nil {
				continue
			}
			entries := []promise.ResolveEntry{{KP: item.ResultKP, Rejected: false, Value: item.Args}}
			_, _ = proms.Resolve(ctx, nil, "echo-vat", entries)
		}
	}()

	return c, store, proms
}

func TestIssueAndRedeemOcapUrl(t *testing.T) {
	ctx := context.Background()
	issuer, issuerStore, _ := newTestComms(t, "issuer-seed")
	redeemer, _, _ := newTestComms(t, "redeemer-seed")
	redeemer.AddPeer(issuer.Self(), issuer.listener.Addr().String())

	root, err := issuerStore.AllocateObject(ctx, nil, domain.ObjectOwner("v1"))
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}

	url, err := issuer.IssueOcapUrl(ctx, nil, root)
	if err != nil {
		t.Fatalf("issue ocap url: %v", err)
	}

	proxy, err := redeemer.RedeemOcapUrl(ctx, nil, url)
	if err != nil {
		t.Fatalf("redeem ocap url: %v", err)
	}

	got, ok := redeemer.proxies[proxy]
	if !ok {
		t.Fatalf("expected a proxy record for %s", proxy)
	}
	if got.peer != issuer.Self() {
		t.Fatalf("expected proxy peer %s, got %s", issuer.Self(), got.peer)
	}
}

func TestParseOcapURL(t *testing.T) {
	peer, token, err := parseOcapURL("ocap:abcd1234/tok-5678")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if peer != "abcd1234" || token != "tok-5678" {
		t.Fatalf("unexpected parse result: peer=%s token=%s", peer, token)
	}

	if _, _, err := parseOcapURL("not-an-ocap-url"); err == nil {
		t.Fatalf("expected error for a non-ocap url")
	}
	if _, _, err := parseOcapURL("ocap:/missing-peer"); err == nil {
		t.Fatalf("expected error for a missing peer segment")
	}
}

func TestForwardDeliversAndResolvesResult(t *testing.T) {
	ctx := context.Background()
	issuer, issuerStore, _ := newTestComms(t, "issuer-seed-2")
	caller, callerStore, callerProms := newTestComms(t, "caller-seed-2")
	caller.AddPeer(issuer.Self(), issuer.listener.Addr().String())

	root, err := issuerStore.AllocateObject(ctx, nil, domain.ObjectOwner("v1"))
	if err != nil {
		t.Fatalf("allocate object: %v", err)
	}
	url, err := issuer.IssueOcapUrl(ctx, nil, root)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	proxyKRef, err := caller.RedeemOcapUrl(ctx, nil, url)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	resultKP, err := callerProms.Allocate(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate result promise: %v", err)
	}
	item := domain.SendItem("", proxyKRef, "ping", domain.DataCapData(`"hello"`, nil), resultKP)

	if err := caller.Forward(ctx, issuer.Self(), proxyKRef, item); err != nil {
		t.Fatalf("forward: %v", err)
	}

	p, err := callerStore.GetPromise(ctx, nil, resultKP)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if !p.IsResolved() {
		t.Fatalf("expected the caller's result promise to be resolved after Forward returns")
	}
	if p.State != domain.PromiseFulfilled {
		t.Fatalf("expected fulfilled, got %s: %+v", p.State, p.Value)
	}
}

func TestForwardToUnknownProxyRejects(t *testing.T) {
	ctx := context.Background()
	caller, callerStore, callerProms := newTestComms(t, "caller-seed-3")

	resultKP, err := callerProms.Allocate(ctx, nil, "")
	if err != nil {
		t.Fatalf("allocate result promise: %v", err)
	}
	item := domain.SendItem("", "ko999", "ping", domain.CapData{}, resultKP)

	if err := caller.Forward(ctx, "nobody", "ko999", item); err != nil {
		t.Fatalf("forward should resolve via rejection, not error: %v", err)
	}

	p, err := callerStore.GetPromise(ctx, nil, resultKP)
	if err != nil {
		t.Fatalf("get promise: %v", err)
	}
	if p.State != domain.PromiseRejected {
		t.Fatalf("expected rejected result for an unregistered proxy, got %s", p.State)
	}
}
