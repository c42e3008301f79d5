package announce

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/crosshatch-labs/crosshatch/internal/config"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/internal/timelock"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// Topic names are fixed; mainnet and testnet meshes separate at the DHT
// protocol prefix and discovery namespace, not the topic string.
const (
	// SessionsTopic carries session lifecycle announcements.
	SessionsTopic = "/crosshatch/sessions/1"

	// AuctionsTopic carries Dutch auction openings for resolvers.
	AuctionsTopic = "/crosshatch/auctions/1"

	// EnvelopeTopic carries sealed peer-addressed envelopes.
	EnvelopeTopic = "/crosshatch/envelope/1"
)

const (
	// ResyncInterval is how often the active set is re-announced so
	// peers that joined between transitions still converge.
	ResyncInterval = 5 * time.Minute

	// ResyncCooldown suppresses repeat rebroadcasts when the same peer
	// reconnects in quick succession.
	ResyncCooldown = 5 * time.Minute

	// MaxSessionsPerResync bounds one rebroadcast batch.
	MaxSessionsPerResync = 100

	// publishTimeout bounds a single gossip publish.
	publishTimeout = 10 * time.Second
)

// SessionAnnouncement is the public view of a session broadcast to the
// mesh. It carries the hashlock and deadlines a counterparty needs to
// verify escrows on chain. Preimages never travel.
type SessionAnnouncement struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Hashlock     string        `json:"hashlock"`
	SourceChain  string        `json:"source_chain"`
	DestChain    string        `json:"dest_chain"`
	SourceAmount string        `json:"source_amount"`
	DestAmount   string        `json:"dest_amount"`
	Deadlines    *timelock.Set `json:"deadlines,omitempty"`
	From         string        `json:"from"`
	Timestamp    int64         `json:"timestamp"`
}

// AuctionAnnouncement invites resolvers to fill a fresh session. The
// price decays from start to end over the duration; whoever submits a
// signed order first wins the fill.
type AuctionAnnouncement struct {
	SessionID       string `json:"session_id"`
	Pair            string `json:"pair"`
	StartPrice      string `json:"start_price"`
	EndPrice        string `json:"end_price"`
	DurationSeconds int64  `json:"duration_seconds"`
	ValidUntil      int64  `json:"valid_until"`
	From            string `json:"from"`
	Timestamp       int64  `json:"timestamp"`
}

// DirectHandler handles one opened direct message.
type DirectHandler func(ctx context.Context, from peer.ID, msg *Direct) error

// Service gossips session lifecycle and auction openings over libp2p
// and carries sealed envelopes for peer-addressed messages such as
// order submission. It is an optional layer: without it resolvers poll
// the RPC API instead.
type Service struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	cfg    *config.Config
	log    *logging.Logger

	// Discovery
	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	// Lifecycle topics are publish-only; only envelopes are consumed.
	sessions  *pubsub.Topic
	auctions  *pubsub.Topic
	envelopes *pubsub.Topic
	envSub    *pubsub.Subscription

	// Envelope crypto and routing
	sealer   *Sealer
	handlers map[string]DirectHandler

	// Session source and order sink
	store swap.Store
	exec  func(id string, order []byte) error

	// Per-peer rebroadcast cooldown
	resynced map[peer.ID]time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
}

// New builds the announce layer: libp2p host, DHT, gossipsub and mDNS
// per cfg.Announce. execute receives orders submitted over the mesh and
// is normally the coordinator's Execute.
func New(ctx context.Context, cfg *config.Config, store swap.Store, execute func(id string, order []byte) error) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)

	svc := &Service{
		cfg:      cfg,
		store:    store,
		exec:     execute,
		handlers: make(map[string]DirectHandler),
		resynced: make(map[peer.ID]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		log:      logging.GetDefault().Component("announce"),
	}

	privKey, err := svc.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load/create announce key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Announce.ListenAddrs))
	for _, addr := range cfg.Announce.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Announce.ConnMgr.LowWater,
		cfg.Announce.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Announce.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	svc.host = h

	// Rebroadcast the active set to peers as they arrive.
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			go svc.peerConnected(conn.RemotePeer())
		},
	})

	if cfg.Announce.EnableDHT {
		if err := svc.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("initialize DHT: %w", err)
		}
	}

	svc.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("initialize pubsub: %w", err)
	}

	if cfg.Announce.EnableMDNS {
		svc.mdnsService = mdns.NewMdnsService(h, cfg.DiscoveryNamespace(), svc)
		if err := svc.mdnsService.Start(); err != nil {
			// mDNS failure is not fatal
			svc.log.Warn("mDNS initialization failed", "error", err)
			svc.mdnsService = nil
		}
	}

	svc.sealer, err = NewSealer(privKey, h.ID())
	if err != nil {
		svc.Stop()
		return nil, fmt.Errorf("create envelope sealer: %w", err)
	}

	svc.OnDirect(DirectOrderSubmit, svc.handleOrderSubmit)

	return svc, nil
}

// loadOrCreateKey loads the announce identity or generates a new one.
func (s *Service) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := s.cfg.Announce.KeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(config.ExpandPath(s.cfg.Storage.DataDir), keyPath)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	s.log.Info("Generated new announce identity")
	return privKey, nil
}

// initDHT initializes the Kademlia DHT.
func (s *Service) initDHT(ctx context.Context) error {
	var err error
	s.dht, err = dht.New(ctx, s.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(s.cfg.DHTPrefix())),
	)
	if err != nil {
		return err
	}

	if err := s.dht.Bootstrap(ctx); err != nil {
		return err
	}

	s.routingDisc = drouting.NewRoutingDiscovery(s.dht)
	return nil
}

// HandlePeerFound is called when mDNS discovers a peer.
func (s *Service) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == s.host.ID() {
		return
	}

	s.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if err := s.host.Connect(ctx, pi); err != nil {
			s.log.Debug("Failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start connects to bootstrap peers, joins the topics and begins the
// envelope and resync loops.
func (s *Service) Start() error {
	for _, addrStr := range s.cfg.Announce.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			s.log.Warn("Invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}

		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			s.log.Warn("Invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}

		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			defer cancel()
			if err := s.host.Connect(ctx, pi); err != nil {
				s.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				s.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if s.routingDisc != nil {
		go func() {
			dutil.Advertise(s.ctx, s.routingDisc, s.cfg.DiscoveryNamespace())
		}()
		go s.discoverPeers()
	}

	var err error
	s.sessions, err = s.pubsub.Join(SessionsTopic)
	if err != nil {
		return fmt.Errorf("join sessions topic: %w", err)
	}
	s.auctions, err = s.pubsub.Join(AuctionsTopic)
	if err != nil {
		return fmt.Errorf("join auctions topic: %w", err)
	}
	s.envelopes, err = s.pubsub.Join(EnvelopeTopic)
	if err != nil {
		return fmt.Errorf("join envelope topic: %w", err)
	}

	s.envSub, err = s.envelopes.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe to envelope topic: %w", err)
	}

	go s.processEnvelopes()
	go s.resyncLoop()

	s.log.Info("Announce layer started", "peer_id", shortID(s.host.ID()))
	return nil
}

// discoverPeers continuously discovers peers via the DHT.
func (s *Service) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(s.ctx, s.routingDisc, s.cfg.DiscoveryNamespace())
			if err != nil {
				continue
			}

			for _, pi := range peers {
				if pi.ID == s.host.ID() {
					continue
				}
				if s.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}

				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
					defer cancel()
					s.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// Stop shuts the announce layer down.
func (s *Service) Stop() error {
	s.cancel()

	if s.envSub != nil {
		s.envSub.Cancel()
	}
	if s.sessions != nil {
		s.sessions.Close()
	}
	if s.auctions != nil {
		s.auctions.Close()
	}
	if s.envelopes != nil {
		s.envelopes.Close()
	}

	if s.mdnsService != nil {
		s.mdnsService.Close()
	}
	if s.dht != nil {
		s.dht.Close()
	}

	return s.host.Close()
}

// Session is the coordinator's announce hook. Fresh sessions open an
// auction for resolvers; terminal statuses settle it. Intermediate
// phases stay off the wire.
func (s *Service) Session(sess *swap.Session) {
	if sess == nil {
		return
	}
	if sess.Status != swap.StatusInitialized && !sess.Status.Terminal() {
		return
	}

	ann := newSessionAnnouncement(sess)
	ann.From = s.host.ID().String()

	var opening *AuctionAnnouncement
	if sess.Status == swap.StatusInitialized && sess.Quote != nil {
		opening = newAuctionAnnouncement(sess)
		opening.From = ann.From
	}

	go func() {
		s.publish(s.sessions, ann)
		if opening != nil {
			s.publish(s.auctions, opening)
		}
	}()
}

// SendDirect seals a message for one peer and gossips the envelope.
func (s *Service) SendDirect(ctx context.Context, to peer.ID, msg *Direct) error {
	if s.envelopes == nil {
		return fmt.Errorf("announce layer not started")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	env, err := s.sealer.Seal(to, msg)
	if err != nil {
		return fmt.Errorf("seal envelope: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := s.envelopes.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}

	s.log.Debug("Sent direct message", "type", msg.Type, "to", shortID(to))
	return nil
}

// OnDirect registers a handler for one direct message type.
func (s *Service) OnDirect(msgType string, handler DirectHandler) {
	s.mu.Lock()
	s.handlers[msgType] = handler
	s.mu.Unlock()
}

// processEnvelopes consumes the envelope topic.
func (s *Service) processEnvelopes() {
	for {
		msg, err := s.envSub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("Error receiving envelope", "error", err)
			continue
		}

		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		go s.dispatchEnvelope(s.ctx, msg.Data)
	}
}

// dispatchEnvelope opens one raw envelope frame and routes it by type.
// Envelopes addressed to other peers are dropped without noise; gossip
// reaches everyone, only the recipient can open.
func (s *Service) dispatchEnvelope(ctx context.Context, data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debug("Failed to parse envelope", "error", err)
		return false
	}

	if s.sealer == nil || !s.sealer.IsFor(&env) {
		return false
	}

	msg, err := s.sealer.Open(&env)
	if err != nil {
		s.log.Warn("Failed to open envelope", "error", err)
		return false
	}

	from, err := peer.Decode(env.Sender)
	if err != nil {
		s.log.Warn("Invalid envelope sender", "sender", env.Sender)
		return false
	}

	s.mu.RLock()
	handler, ok := s.handlers[msg.Type]
	s.mu.RUnlock()
	if !ok {
		s.log.Debug("No handler for direct message", "type", msg.Type)
		return false
	}

	s.log.Debug("Received direct message", "type", msg.Type, "from", shortID(from))
	if err := handler(ctx, from, msg); err != nil {
		s.log.Warn("Error handling direct message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// handleOrderSubmit attaches a resolver's signed order to a session.
func (s *Service) handleOrderSubmit(ctx context.Context, from peer.ID, msg *Direct) error {
	if s.exec == nil {
		return fmt.Errorf("order execution not wired")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("order submit without session id")
	}

	var payload OrderSubmitPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("parse order payload: %w", err)
	}
	if len(payload.Order) == 0 {
		return fmt.Errorf("order submit without order bytes")
	}

	if err := s.exec(msg.SessionID, payload.Order); err != nil {
		return err
	}

	s.log.Info("Order attached from mesh", "session_id", msg.SessionID, "from", shortID(from))
	return nil
}

// resyncLoop periodically re-announces the active set.
func (s *Service) resyncLoop() {
	ticker := time.NewTicker(ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.rebroadcastActive()
		}
	}
}

// peerConnected rebroadcasts the active set to a newly connected peer,
// at most once per cooldown window.
func (s *Service) peerConnected(p peer.ID) {
	s.mu.Lock()
	last, seen := s.resynced[p]
	if seen && time.Since(last) < ResyncCooldown {
		s.mu.Unlock()
		return
	}
	s.resynced[p] = time.Now()
	s.mu.Unlock()

	// Let the connection settle before gossip reaches the new peer.
	time.Sleep(500 * time.Millisecond)
	s.rebroadcastActive()
}

// rebroadcastActive announces every non-terminal session again so late
// joiners converge without waiting for a transition.
func (s *Service) rebroadcastActive() {
	if s.store == nil || s.sessions == nil {
		return
	}

	self := s.host.ID().String()
	var batch []*SessionAnnouncement
	err := s.store.IterateActive(func(sess *swap.Session) bool {
		ann := newSessionAnnouncement(sess)
		ann.From = self
		batch = append(batch, ann)
		return len(batch) < MaxSessionsPerResync
	})
	if err != nil {
		s.log.Warn("Failed to iterate active sessions", "error", err)
		return
	}

	for _, ann := range batch {
		s.publish(s.sessions, ann)
	}
	if len(batch) > 0 {
		s.log.Debug("Rebroadcast active sessions", "count", len(batch))
	}
}

// publish marshals and publishes one announcement with a bounded wait.
func (s *Service) publish(topic *pubsub.Topic, v interface{}) {
	if topic == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("Failed to marshal announcement", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := topic.Publish(ctx, data); err != nil {
		s.log.Warn("Failed to publish announcement", "error", err)
	}
}

// ID returns the announce layer's peer ID.
func (s *Service) ID() peer.ID {
	return s.host.ID()
}

// Addrs returns the listen addresses.
func (s *Service) Addrs() []multiaddr.Multiaddr {
	return s.host.Addrs()
}

// PeerCount returns the number of connected peers.
func (s *Service) PeerCount() int {
	return len(s.host.Network().Peers())
}

func newSessionAnnouncement(sess *swap.Session) *SessionAnnouncement {
	return &SessionAnnouncement{
		ID:           sess.ID,
		Status:       string(sess.Status),
		Hashlock:     sess.HashlockHex(),
		SourceChain:  sess.SourceChain,
		DestChain:    sess.DestChain,
		SourceAmount: sess.SourceAmount.String(),
		DestAmount:   sess.DestAmount.String(),
		Deadlines:    sess.Deadlines,
		Timestamp:    time.Now().Unix(),
	}
}

func newAuctionAnnouncement(sess *swap.Session) *AuctionAnnouncement {
	q := sess.Quote
	return &AuctionAnnouncement{
		SessionID:       sess.ID,
		Pair:            q.Pair,
		StartPrice:      q.StartPrice,
		EndPrice:        q.EndPrice,
		DurationSeconds: q.DurationSeconds,
		ValidUntil:      q.ValidUntil.Unix(),
		Timestamp:       time.Now().Unix(),
	}
}

// shortID returns a truncated peer ID for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
