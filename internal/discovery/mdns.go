// Package discovery registers this peer as a DNS-SD service and browses for
// other LSNP instances on the link. It is best-effort bootstrap only: peers
// also self-announce over PROFILE broadcasts, so mDNS failure degrades
// discovery but never disables the node.
package discovery

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/zeroconf/v2"

	"github.com/petervdpas/lsnp/internal/peers"
)

var log = logging.Logger("lsnp:mdns")

const (
	// Service is the DNS-SD service type browsed and registered.
	Service = "_lsnp._udp"
	domain  = "local."
)

// Discovery advertises the local peer and feeds browse results into the table.
type Discovery struct {
	server *zeroconf.Server
	table  *peers.Table
	selfID string
}

// InstanceName renders "<username>_at_<ip-with-dots-as-underscores>".
func InstanceName(username, ip string) string {
	return fmt.Sprintf("%s_at_%s", username, strings.ReplaceAll(ip, ".", "_"))
}

// Start registers the service and launches the browse goroutine. The
// returned Discovery must be Shutdown at exit.
func Start(ctx context.Context, table *peers.Table, username, displayName, selfID, ip string, port int) (*Discovery, error) {
	txt := []string{
		"user_id=" + selfID,
		"display_name=" + displayName,
	}
	server, err := zeroconf.Register(InstanceName(username, ip), Service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	log.Infof("registered %s.%s.%s", InstanceName(username, ip), Service, domain)

	d := &Discovery{server: server, table: table, selfID: selfID}
	go d.browse(ctx)
	return d, nil
}

func (d *Discovery) browse(ctx context.Context) {
	entries := make(chan *zeroconf.ServiceEntry, 8)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()
	if err := zeroconf.Browse(ctx, Service, domain, entries); err != nil && ctx.Err() == nil {
		log.Warnf("browse: %v", err)
	}
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	userID, displayName := parseTXT(entry.Text)
	if userID == "" || userID == d.selfID || len(entry.AddrIPv4) == 0 {
		return
	}
	ip := entry.AddrIPv4[0].String()
	if d.table.Seed(userID, displayName, ip, entry.Port) {
		log.Infof("discovered peer %s (%s) at %s:%d", userID, displayName, ip, entry.Port)
	}
}

func parseTXT(text []string) (userID, displayName string) {
	for _, kv := range text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "user_id":
			userID = value
		case "display_name":
			displayName = value
		}
	}
	return userID, displayName
}

// Shutdown deregisters the service.
func (d *Discovery) Shutdown() {
	if d.server != nil {
		d.server.Shutdown()
	}
}
