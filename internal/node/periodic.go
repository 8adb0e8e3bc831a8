package node

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/lsnp/internal/avatars"
)

const (
	// ProfileInterval is the PROFILE re-broadcast period.
	ProfileInterval = 300 * time.Second
	// HousekeepInterval is the housekeeping period.
	HousekeepInterval = time.Hour
	// TransferMaxAge is how long finished transfers stay listable.
	TransferMaxAge = 24 * time.Hour
	// InboxMaxAge is how long archived inbox entries are kept.
	InboxMaxAge = 30 * 24 * time.Hour
)

// startPeriodic launches the re-broadcast and housekeeping tickers.
func (n *Node) startPeriodic() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(ProfileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				if n.peers.Len() == 0 {
					continue
				}
				if err := n.BroadcastProfile(); err != nil {
					log.Debugf("profile re-broadcast: %v", err)
				}
			}
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(HousekeepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				n.housekeep()
			}
		}
	}()
}

// housekeep evicts stale transfers, cached avatars, and old inbox entries.
// Nothing depends on this firing promptly.
func (n *Node) housekeep() {
	if evicted := n.files.Evict(TransferMaxAge); evicted > 0 {
		log.Infof("housekeeping: evicted %d stale transfers", evicted)
	}
	if expired := n.cache.Expire(avatars.DefaultExpiry); expired > 0 {
		log.Infof("housekeeping: expired %d cached avatars", expired)
	}
	if pruned, err := n.store.Prune(InboxMaxAge); err != nil {
		log.Debugf("housekeeping: prune inbox: %v", err)
	} else if pruned > 0 {
		log.Infof("housekeeping: pruned %d inbox entries", pruned)
	}
}

// watchAvatar re-reads the configured avatar file on change and immediately
// re-broadcasts the profile.
func (n *Node) watchAvatar() {
	path := n.cfg.Paths.AvatarPath
	if path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("avatar watcher disabled: %v", err)
		return
	}
	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warnf("avatar watcher disabled: %v", err)
		watcher.Close()
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				data, mime, err := avatars.LoadLocal(path)
				if err != nil {
					log.Warnf("avatar reload: %v", err)
					continue
				}
				n.mu.Lock()
				n.avatar, n.avatarMIME = data, mime
				n.mu.Unlock()
				log.Infof("avatar changed, re-broadcasting profile")
				if err := n.BroadcastProfile(); err != nil {
					log.Debugf("profile broadcast: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debugf("avatar watcher: %v", err)
			}
		}
	}()
}

// startMetrics serves the IP-tracker counters on the configured address.
func (n *Node) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{}))
	n.metrics = &http.Server{Addr: n.cfg.Metrics.Addr, Handler: mux}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		log.Infof("metrics on http://%s/metrics", n.cfg.Metrics.Addr)
		if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics listener: %v", err)
		}
	}()
}
