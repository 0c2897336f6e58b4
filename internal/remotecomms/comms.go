// Package remotecomms implements the RemoteComms router described in
// spec.md section 4.7: a stable peer identity, length-prefixed framed
// sessions to other kernels, and OCAP URL issuance/redemption for proxying
// objects across kernel boundaries. Framing is grounded directly on the
// teacher's internal/kata length-prefixed TCP protocol; only the JSON
// envelope shape changes.
package remotecomms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/logging"
	"github.com/oriys/vatkernel/internal/metrics"
	"github.com/oriys/vatkernel/internal/observability"
	pkgcrypto "github.com/oriys/vatkernel/internal/pkg/crypto"
	"github.com/oriys/vatkernel/internal/promise"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/translator"
)

// remoteDecider is the pseudo vat-identity RemoteComms uses as the decider
// of record for result promises it resolves on behalf of a reply received
// over the wire, the same pattern crank.KernelVat uses for kernel-
// synthesized resolutions: promise.Subsystem.Resolve requires the acting
// vat to match the promise's current decider, and these promises never had
// a real local vat as decider.
const remoteDecider domain.VatID = "remote-comms"

// remoteProxy records what a locally-allocated remote:<peer>-owned kref
// actually names on the other side of the wire.
type remoteProxy struct {
	peer  domain.PeerID
	token string
}

// session serializes one peer connection: spec.md's "FIFO per
// (sourceVat, targetVat) pair on remote sends (enforced by serializing the
// outbound transport)" is realized here as one frame in flight per peer at
// a time.
type session struct {
	mu   sync.Mutex
	conn net.Conn
}

// Comms is one kernel's RemoteComms instance.
type Comms struct {
	cfg        config.RemoteCommsConfig
	store      kstore.KernelStore
	translator *translator.Translator
	promises   *promise.Subsystem
	notifier   queue.Notifier
	self       domain.PeerID

	mu         sync.Mutex
	knownPeers map[domain.PeerID]string
	sessions   map[domain.PeerID]*session
	proxies    map[domain.KRef]remoteProxy

	listener net.Listener
}

// New creates a Comms bound to selfSeed's derived peer identity. selfSeed
// stands in for the key-pair material spec.md describes ("peer identifier
// derived from a key pair"); key-pair cryptography and distributed trust
// are out of this core's scope (spec.md non-goals: "does not provide
// distributed consensus across kernels"), so a content hash of an
// operator-supplied seed is the peer id, grounded on the same
// crypto.HashString content-identity pattern the teacher uses for function
// source hashes.
func New(cfg config.RemoteCommsConfig, store kstore.KernelStore, tr *translator.Translator, proms *promise.Subsystem, notifier queue.Notifier, selfSeed string) *Comms {
	self := domain.PeerID(cfg.PeerID)
	if self == "" {
		self = domain.PeerID(pkgcrypto.HashString(selfSeed))
	}
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Comms{
		cfg:        cfg,
		store:      store,
		translator: tr,
		promises:   proms,
		notifier:   notifier,
		self:       self,
		knownPeers: make(map[domain.PeerID]string),
		sessions:   make(map[domain.PeerID]*session),
		proxies:    make(map[domain.KRef]remoteProxy),
	}
}

// Self returns this kernel's own peer identity.
func (c *Comms) Self() domain.PeerID { return c.self }

// AddPeer records address as peer's dial target, the "known relays" input
// of spec.md's initialize().
func (c *Comms) AddPeer(peer domain.PeerID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownPeers[peer] = addr
}

// Listen binds cfg.ListenAddr and accepts inbound peer connections until
// ctx is cancelled.
func (c *Comms) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("remotecomms: listen on %s: %w", c.cfg.ListenAddr, err)
	}
	c.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Op().Warn("remotecomms: accept failed", "error", err)
				continue
			}
			go c.handleConn(ctx, conn)
		}
	}()
	return nil
}

func (c *Comms) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		metrics.Global().RecordRemoteFrame(true)

		spanCtx, span := observability.StartServerSpan(ctx, "remotecomms.frame.receive",
			observability.AttrPeerID.String(conn.RemoteAddr().String()),
		)

		var reply Frame
		switch f.Kind {
		case FrameDeliver:
			reply = c.handleInboundDeliver(spanCtx, f)
		case FrameRedeem:
			reply = c.handleInboundRedeem(spanCtx, f)
		default:
			reply = Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: fmt.Sprintf("unexpected frame kind %q", f.Kind)}
		}
		if reply.Rejected || reply.Error != "" {
			observability.SetSpanError(span, errors.New(reply.Error))
		} else {
			observability.SetSpanOK(span)
		}
		span.End()

		if err := writeFrame(conn, reply); err != nil {
			logging.Op().Warn("remotecomms: write reply failed", "error", err)
			return
		}
		metrics.Global().RecordRemoteFrame(false)
	}
}

// handleInboundDeliver is the issuing kernel's side of an incoming deliver
// frame: resolve the token to a local kref, enqueue an ordinary send item,
// and wait for its result promise to resolve.
func (c *Comms) handleInboundDeliver(ctx context.Context, f Frame) Frame {
	kref, _, ok, err := c.store.LookupOcapToken(ctx, nil, f.Token)
	if err != nil {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: err.Error()}
	}
	if !ok {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: "unknown ocap token"}
	}

	resultKP, err := c.promises.Allocate(ctx, nil, "")
	if err != nil {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: err.Error()}
	}
	item := domain.SendItem("", kref, f.Method, f.Args, resultKP)
	if err := c.store.EnqueueRunItem(ctx, nil, item); err != nil {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: err.Error()}
	}
	_ = c.notifier.Notify(ctx, queue.QueueRun)

	p, err := c.awaitResolution(ctx, resultKP)
	if err != nil {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: err.Error()}
	}
	reply := Frame{Kind: FrameResolve, Token: f.Token, Rejected: p.State == domain.PromiseRejected}
	if p.Value != nil {
		reply.Result = p.Value
	}
	return reply
}

// handleInboundRedeem is the issuing kernel's side of a redeem frame: the
// token must still exist, and the reply simply confirms it so the
// redeeming kernel can allocate its own proxy kref.
func (c *Comms) handleInboundRedeem(ctx context.Context, f Frame) Frame {
	_, _, ok, err := c.store.LookupOcapToken(ctx, nil, f.Token)
	if err != nil {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: err.Error()}
	}
	if !ok {
		return Frame{Kind: FrameResolve, Token: f.Token, Rejected: true, Error: "unknown ocap token"}
	}
	return Frame{Kind: FrameResolve, Token: f.Token}
}

// awaitResolution polls kp until it resolves or deliveryTimeout() elapses.
// RemoteComms has no crank transaction to hook a notify into (spec.md
// section 5: "a crank suspends... in RemoteComms while awaiting network
// I/O" — here the reverse direction, awaiting a local resolution before a
// network reply can be sent), so a bounded poll is the simplest correct
// wait that doesn't require teaching the promise subsystem about
// non-vat subscribers.
func (c *Comms) awaitResolution(ctx context.Context, kp domain.KRef) (*domain.Promise, error) {
	deadline := time.Now().Add(c.deliveryTimeout())
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		p, err := c.store.GetPromise(ctx, nil, kp)
		if err != nil {
			return nil, err
		}
		if p.IsResolved() {
			return p, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for local resolution of %s", kp)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Comms) deliveryTimeout() time.Duration {
	if c.cfg.DialTimeout > 0 {
		return 10 * c.cfg.DialTimeout
	}
	return 30 * time.Second
}

// Forward implements crank.RemoteForwarder: translate item into a deliver
// frame addressed at the token backing target, send it to peer, and
// resolve item.ResultKP from the reply. Called synchronously from inside
// the crank's dispatch of a `send` run item, matching the suspension point
// spec.md section 5 describes.
func (c *Comms) Forward(ctx context.Context, peer domain.PeerID, target domain.KRef, item domain.RunItem) error {
	c.mu.Lock()
	proxy, ok := c.proxies[target]
	c.mu.Unlock()
	if !ok {
		return c.resolveAsRemote(ctx, item.ResultKP, true, domain.ErrorCapData("no remote proxy registered for this object"))
	}

	_, span := observability.StartSpan(ctx, "remotecomms.frame.send",
		observability.AttrPeerID.String(string(peer)),
		observability.AttrKRef.String(string(target)),
	)
	defer span.End()

	sess, err := c.dial(ctx, peer)
	if err != nil {
		observability.SetSpanError(span, err)
		return c.resolveAsRemote(ctx, item.ResultKP, true, domain.ErrorCapData(domain.RemotePeerDisconnectedError().Error()))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	req := Frame{Kind: FrameDeliver, Token: proxy.token, Method: item.Method, Args: item.Args}
	if err := writeFrame(sess.conn, req); err != nil {
		c.dropSession(peer)
		observability.SetSpanError(span, err)
		return c.resolveAsRemote(ctx, item.ResultKP, true, domain.ErrorCapData(domain.RemotePeerDisconnectedError().Error()))
	}
	metrics.Global().RecordRemoteFrame(false)

	reply, err := readFrame(sess.conn)
	if err != nil {
		c.dropSession(peer)
		observability.SetSpanError(span, err)
		return c.resolveAsRemote(ctx, item.ResultKP, true, domain.ErrorCapData(domain.RemotePeerDisconnectedError().Error()))
	}
	metrics.Global().RecordRemoteFrame(true)

	value := domain.CapData{}
	if reply.Result != nil {
		value = *reply.Result
	} else if reply.Error != "" {
		value = domain.ErrorCapData(reply.Error)
	}
	if reply.Rejected {
		observability.SetSpanError(span, fmt.Errorf("remote rejected: %s", reply.Error))
	} else {
		observability.SetSpanOK(span)
	}
	return c.resolveAsRemote(ctx, item.ResultKP, reply.Rejected, value)
}

// resolveAsRemote mirrors crank's kernel-decider pattern for promises
// RemoteComms resolves on the crank's behalf.
func (c *Comms) resolveAsRemote(ctx context.Context, kp domain.KRef, rejected bool, value domain.CapData) error {
	if kp == "" {
		return nil
	}
	p, err := c.store.GetPromise(ctx, nil, kp)
	if err != nil {
		return err
	}
	if p.IsResolved() {
		return nil
	}
	if p.Decider == "" {
		if err := c.store.SetPromiseDecider(ctx, nil, kp, remoteDecider); err != nil {
			return err
		}
	}
	items, err := c.promises.Resolve(ctx, nil, remoteDecider, []promise.ResolveEntry{{KP: kp, Rejected: rejected, Value: value}})
	if err != nil {
		return err
	}
	metrics.Global().RecordPromiseResolution()
	for _, it := range items {
		if err := c.store.EnqueueRunItem(ctx, nil, it); err != nil {
			return err
		}
	}
	if len(items) > 0 {
		_ = c.notifier.Notify(ctx, queue.QueueRun)
	}
	return nil
}

func (c *Comms) dial(ctx context.Context, peer domain.PeerID) (*session, error) {
	c.mu.Lock()
	if sess, ok := c.sessions[peer]; ok {
		c.mu.Unlock()
		return sess, nil
	}
	addr, ok := c.knownPeers[peer]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("remotecomms: unknown peer %s", peer)
	}

	timeout := c.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remotecomms: dial %s at %s: %w", peer, addr, err)
	}

	sess := &session{conn: conn}
	c.mu.Lock()
	c.sessions[peer] = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Comms) dropSession(peer domain.PeerID) {
	c.mu.Lock()
	sess, ok := c.sessions[peer]
	delete(c.sessions, peer)
	c.mu.Unlock()
	if ok {
		_ = sess.conn.Close()
	}
}

// IssueOcapUrl allocates a random token bound to kref and returns an opaque
// URL ocap:<peerId>/<token> (spec.md section 4.7).
func (c *Comms) IssueOcapUrl(ctx context.Context, ex db.Executor, kref domain.KRef) (string, error) {
	token := uuid.NewString()
	if err := c.store.SaveOcapToken(ctx, ex, token, kref, ""); err != nil {
		return "", fmt.Errorf("remotecomms: issue ocap url: %w", err)
	}
	return fmt.Sprintf("ocap:%s/%s", c.self, token), nil
}

// RedeemOcapUrl parses url, contacts the issuing peer to confirm the token
// is still live, and allocates a synthetic local kref owned by
// remote:<peerId> that routes future sends through Forward.
func (c *Comms) RedeemOcapUrl(ctx context.Context, ex db.Executor, url string) (domain.KRef, error) {
	peer, token, err := parseOcapURL(url)
	if err != nil {
		return "", err
	}

	sess, err := c.dial(ctx, peer)
	if err != nil {
		return "", fmt.Errorf("remotecomms: redeem: %w", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := writeFrame(sess.conn, Frame{Kind: FrameRedeem, Token: token}); err != nil {
		c.dropSession(peer)
		return "", fmt.Errorf("remotecomms: redeem: %w", err)
	}
	metrics.Global().RecordRemoteFrame(false)
	reply, err := readFrame(sess.conn)
	if err != nil {
		c.dropSession(peer)
		return "", fmt.Errorf("remotecomms: redeem: %w", err)
	}
	metrics.Global().RecordRemoteFrame(true)
	if reply.Rejected {
		return "", fmt.Errorf("remotecomms: redeem rejected: %s", reply.Error)
	}

	kref, err := c.store.AllocateObject(ctx, ex, domain.RemoteOwner(peer))
	if err != nil {
		return "", fmt.Errorf("remotecomms: allocate proxy object: %w", err)
	}
	c.mu.Lock()
	c.proxies[kref] = remoteProxy{peer: peer, token: token}
	c.mu.Unlock()
	return kref, nil
}
