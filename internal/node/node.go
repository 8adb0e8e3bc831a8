// Package node wires the transport, dispatcher, reliability layer, and the
// per-domain managers into a single peer. The REPL and the periodic tasks
// talk to this type only; the receive goroutine feeds handleDatagram.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/lsnp/internal/avatars"
	"github.com/petervdpas/lsnp/internal/config"
	"github.com/petervdpas/lsnp/internal/discovery"
	"github.com/petervdpas/lsnp/internal/filetransfer"
	"github.com/petervdpas/lsnp/internal/game"
	"github.com/petervdpas/lsnp/internal/groups"
	"github.com/petervdpas/lsnp/internal/peers"
	"github.com/petervdpas/lsnp/internal/reliability"
	"github.com/petervdpas/lsnp/internal/social"
	"github.com/petervdpas/lsnp/internal/storage"
	"github.com/petervdpas/lsnp/internal/token"
	"github.com/petervdpas/lsnp/internal/transport"
	"github.com/petervdpas/lsnp/internal/wire"
)

var log = logging.Logger("lsnp:node")

type handlerFunc func(f *wire.Frame, src *net.UDPAddr)

// Node is the peer: it owns the socket, the shared state managers, and the
// waiter registries, and exposes one method per user-facing operation.
type Node struct {
	cfg config.Config

	selfID      string
	displayName string

	udp     *transport.UDP
	peers   *peers.Table
	tracker *peers.IPTracker
	tokens  *token.Registry
	acks    *reliability.Registry
	offers  *reliability.Registry
	social  *social.State
	files   *filetransfer.Manager
	groups  *groups.Manager
	games   *game.Manager
	store   *storage.Store
	cache   *avatars.Cache
	disc    *discovery.Discovery

	promReg *prometheus.Registry
	metrics *http.Server

	handlers map[string]handlerFunc

	mu           sync.Mutex
	avatar       []byte
	avatarMIME   string
	postTTL      time.Duration
	verbose      bool
	offerVerdict map[string]string

	downloadsDir string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the socket, derives the full user ID, and opens the per-identity
// data directory. Start must be called before the node processes traffic.
func New(cfg config.Config) (*Node, error) {
	udp, err := transport.Listen(cfg.Network.Port)
	if err != nil {
		return nil, err
	}
	selfID := cfg.Identity.Username + "@" + udp.LocalIP()
	identityDir := filepath.Join(cfg.Paths.DataDir, selfID)

	store, err := storage.Open(identityDir)
	if err != nil {
		udp.Close()
		return nil, err
	}

	n := &Node{
		cfg:          cfg,
		selfID:       selfID,
		displayName:  cfg.Identity.DisplayName,
		udp:          udp,
		peers:        peers.NewTable(),
		tokens:       token.NewRegistry(),
		acks:         reliability.NewRegistry(),
		offers:       reliability.NewRegistry(),
		social:       social.NewState(selfID),
		files:        filetransfer.NewManager(),
		groups:       groups.NewManager(),
		games:        game.NewManager(),
		store:        store,
		cache:        avatars.NewCache(filepath.Join(identityDir, "avatars")),
		promReg:      prometheus.NewRegistry(),
		postTTL:      time.Duration(cfg.Tokens.PostTTLSec) * time.Second,
		verbose:      cfg.Verbose,
		offerVerdict: make(map[string]string),
		downloadsDir: filepath.Join(identityDir, "downloads"),
	}
	n.tracker = peers.NewIPTracker(n.promReg)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.handlers = map[string]handlerFunc{
		wire.TypeProfile:      n.handleProfile,
		wire.TypePing:         n.handlePing,
		wire.TypeDM:           n.handleDM,
		wire.TypeFollow:       n.handleFollow,
		wire.TypeUnfollow:     n.handleUnfollow,
		wire.TypePost:         n.handlePost,
		wire.TypeLike:         n.handleLike,
		wire.TypeFileOffer:    n.handleFileOffer,
		wire.TypeFileAccept:   n.handleFileAccept,
		wire.TypeFileReject:   n.handleFileReject,
		wire.TypeFileChunk:    n.handleFileChunk,
		wire.TypeFileRecv:     n.handleFileReceived,
		wire.TypeGroupCreate:  n.handleGroupCreate,
		wire.TypeGroupAdd:     n.handleGroupAdd,
		wire.TypeGroupRemove:  n.handleGroupRemove,
		wire.TypeGroupMessage: n.handleGroupMessage,
		wire.TypeGameInvite:   n.handleGameInvite,
		wire.TypeGameMove:     n.handleGameMove,
		wire.TypeGameResult:   n.handleGameResult,
		wire.TypeRevoke:       n.handleRevoke,
	}

	if data, mime, err := avatars.LoadLocal(cfg.Paths.AvatarPath); err != nil {
		log.Warnf("avatar disabled: %v", err)
	} else if data != nil {
		n.avatar, n.avatarMIME = data, mime
	}

	if cfg.Verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}
	return n, nil
}

// Start launches the receive loop, discovery, the periodic tasks, and the
// optional metrics listener, then announces the local profile.
func (n *Node) Start() error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.udp.ReceiveLoop(n.ctx, n.handleDatagram)
	}()

	disc, err := discovery.Start(n.ctx, n.peers,
		n.cfg.Identity.Username, n.displayName, n.selfID, n.udp.LocalIP(), n.udp.Port())
	if err != nil {
		log.Warnf("mdns disabled: %v", err)
	} else {
		n.disc = disc
	}

	if n.cfg.Metrics.Addr != "" {
		n.startMetrics()
	}
	n.startPeriodic()
	n.watchAvatar()

	if err := n.BroadcastProfile(); err != nil {
		log.Warnf("initial profile broadcast: %v", err)
	}
	log.Infof("node up as %s (%s)", n.selfID, n.displayName)
	return nil
}

// Close shuts the node down: cancels the background tasks, unblocks every
// in-flight waiter with failure, and closes the socket and the store.
func (n *Node) Close() error {
	n.cancel()
	if n.disc != nil {
		n.disc.Shutdown()
	}
	if n.metrics != nil {
		n.metrics.Close()
	}
	n.acks.Close()
	n.offers.Close()
	err := n.udp.Close()
	n.wg.Wait()
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// SelfID returns the full user ID, handle@ip.
func (n *Node) SelfID() string {
	return n.selfID
}

// Peers returns the known peers sorted by user ID.
func (n *Node) Peers() []peers.Record {
	return n.peers.Snapshot()
}

// Inbox returns archived inbox entries, oldest first. limit <= 0 means all.
func (n *Node) Inbox(limit int) ([]string, error) {
	return n.store.Inbox(limit)
}

// PendingFiles lists inbound offers awaiting accept/reject.
func (n *Node) PendingFiles() []filetransfer.Transfer {
	return n.files.PendingOffers()
}

// Transfers lists active and recently finished transfers.
func (n *Node) Transfers() []filetransfer.Transfer {
	return n.files.Snapshot()
}

// Groups lists the groups this peer belongs to.
func (n *Node) Groups() []groups.Group {
	return n.groups.Snapshot()
}

// Games lists the Tic-Tac-Toe sessions.
func (n *Node) Games() []game.Game {
	return n.games.Snapshot()
}

// Followers returns the sorted follower set.
func (n *Node) Followers() []string {
	return n.social.Followers()
}

// Following returns the sorted following set.
func (n *Node) Following() []string {
	return n.social.Following()
}

// IPStats returns the per-IP tracker report.
func (n *Node) IPStats() []peers.Stat {
	return n.tracker.Stats()
}

// SetVerbose flips the global log level between INFO and DEBUG.
func (n *Node) SetVerbose(v bool) {
	n.mu.Lock()
	n.verbose = v
	n.mu.Unlock()
	if v {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}
}

// Verbose reports the current verbose setting.
func (n *Node) Verbose() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verbose
}

// PostTTL returns the TTL used for post tokens.
func (n *Node) PostTTL() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.postTTL
}

// SetPostTTL changes the TTL used for post tokens.
func (n *Node) SetPostTTL(d time.Duration) {
	n.mu.Lock()
	n.postTTL = d
	n.mu.Unlock()
}

// notify logs an event and archives it in the inbox under kind.
func (n *Node) notify(kind, text string) {
	log.Infof("%s", text)
	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), text)
	if err := n.store.AppendInbox(kind, entry); err != nil {
		log.Debugf("inbox append: %v", err)
	}
}

// displayNameOf prefers the peer table's display name, falling back to the
// handle part of the user ID.
func (n *Node) displayNameOf(userID string) string {
	if rec, ok := n.peers.Get(userID); ok && rec.DisplayName != "" {
		return rec.DisplayName
	}
	return handleOf(userID)
}

// peerAddr resolves a send address for a full user ID, falling back to the
// ID's host part and the local port for peers not yet in the table.
func (n *Node) peerAddr(userID string) (string, int) {
	if rec, ok := n.peers.Get(userID); ok {
		return rec.IP, rec.Port
	}
	return hostOf(userID), n.udp.Port()
}

func (n *Node) setOfferVerdict(fileID, verdict string) {
	n.mu.Lock()
	n.offerVerdict[fileID] = verdict
	n.mu.Unlock()
}

func (n *Node) takeOfferVerdict(fileID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.offerVerdict[fileID]
	delete(n.offerVerdict, fileID)
	return v
}

// hostOf returns the IP suffix of a full user ID, or "" when absent.
func hostOf(userID string) string {
	if i := strings.LastIndex(userID, "@"); i >= 0 {
		return userID[i+1:]
	}
	return ""
}

// handleOf returns the short handle of a full user ID.
func handleOf(userID string) string {
	if i := strings.LastIndex(userID, "@"); i >= 0 {
		return userID[:i]
	}
	return userID
}
