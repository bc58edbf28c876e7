package connector

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/openremote/openremote-sub007/asset"
	"github.com/openremote/openremote-sub007/idmap"
	"github.com/openremote/openremote-sub007/protocol"
)

func (c *Connector) inbound(id string) string {
	return idmap.Inbound(c.gatewayID, id)
}

func (c *Connector) outbound(id string) string {
	return idmap.Outbound(c.gatewayID, id)
}

func (c *Connector) resetSyncLocked() {
	c.syncAssetIDs = nil
	c.syncIndex = 0
	c.syncErrors = 0
	c.expectedLabel = ""
	c.requested = nil
	c.cachedAssets = nil
	c.cachedAttribute = nil
}

// startSyncLocked asks the gateway for its asset hierarchy without attributes.
func (c *Connector) startSyncLocked() {
	c.resetSyncLocked()
	c.state = StateConnecting
	c.requestInitialLocked()
}

func (c *Connector) requestInitialLocked() {
	c.expectedLabel = LabelInitial
	c.sendLocked(protocol.Message{
		ID:    LabelInitial,
		Event: &protocol.ReadAssets{Query: &asset.Query{Recursive: true, ExcludeAttributes: true}},
	})
	c.armSyncTimerLocked()
}

// requestBatchLocked requests the window of ids starting at the cursor.
func (c *Connector) requestBatchLocked() {
	end := min(c.syncIndex+SyncBatchSize, len(c.syncAssetIDs))
	c.requested = slices.Clone(c.syncAssetIDs[c.syncIndex:end])
	c.expectedLabel = LabelBatch + strconv.Itoa(c.syncIndex)

	c.logger.Debug("Requesting asset batch", "label", c.expectedLabel, "count", len(c.requested))
	c.metrics.SyncBatches.Inc()
	c.sendLocked(protocol.Message{
		ID:    c.expectedLabel,
		Event: &protocol.ReadAssets{Query: &asset.Query{IDs: slices.Clone(c.requested)}},
	})
	c.armSyncTimerLocked()
}

// armSyncTimerLocked replaces the timer of the previous sync step.
func (c *Connector) armSyncTimerLocked() {
	c.cancelSyncTimerLocked()
	seq := c.syncSeq
	c.syncTimer = c.clock.AfterFunc(SyncTimeout, func() { c.onSyncTimeout(seq) })
}

func (c *Connector) cancelSyncTimerLocked() {
	if c.syncTimer != nil {
		c.syncTimer.Stop()
		c.syncTimer = nil
	}
	c.syncSeq++
}

func (c *Connector) onSyncTimeout(seq uint64) {
	c.lock()
	defer c.unlock()

	if seq != c.syncSeq || !c.state.syncing() {
		return
	}
	c.logger.Warn("Sync request timed out", "label", c.expectedLabel)
	c.retryLocked()
}

// retryLocked counts a sync error and re-issues the outstanding request, or
// aborts once the error budget is spent.
func (c *Connector) retryLocked() {
	c.syncErrors++
	if c.syncErrors >= MaxSyncRetries {
		c.abortSyncLocked()
		return
	}
	c.metrics.SyncRetries.Inc()
	if c.expectedLabel == LabelInitial {
		c.requestInitialLocked()
		return
	}
	c.requestBatchLocked()
}

func (c *Connector) abortSyncLocked() {
	c.logger.Error("Initial sync failed too many times, disconnecting gateway", "errors", c.syncErrors)
	c.metrics.SyncAborts.Inc()
	c.sendLocked(protocol.Message{Event: &protocol.DisconnectNotice{Reason: protocol.ReasonPermanentError}})
	c.disconnectLocked()
}

func (c *Connector) onAssetsLocked(label string, assets []*asset.Asset) {
	if !c.state.syncing() || c.expectedLabel == "" || !strings.EqualFold(label, c.expectedLabel) {
		c.logger.Debug("Discarding unexpected assets response", "label", label, "expected", c.expectedLabel)
		return
	}
	c.cancelSyncTimerLocked()

	if strings.EqualFold(label, LabelInitial) {
		c.onInitialLocked(assets)
		return
	}
	c.onBatchLocked(assets)
}

// onInitialLocked orders the gateway's asset ids so parents are stored before
// their children.
func (c *Connector) onInitialLocked(assets []*asset.Asset) {
	parents := make(map[string]string, len(assets))
	for _, a := range assets {
		if a != nil {
			parents[a.ID] = a.ParentID
		}
	}

	depths := make(map[string]int, len(parents))
	ids := make([]string, 0, len(parents))
	for _, a := range assets {
		if a == nil {
			continue
		}
		if _, seen := depths[a.ID]; seen {
			continue
		}
		depths[a.ID] = depth(a.ID, parents)
		ids = append(ids, a.ID)
	}
	slices.SortStableFunc(ids, func(a, b string) int { return depths[a] - depths[b] })

	c.syncAssetIDs = ids
	c.syncIndex = 0
	c.state = StateInitialSync
	c.logger.Info("Initial sync started", "assets", len(ids))

	if len(ids) == 0 {
		c.completeSyncLocked()
		return
	}
	c.requestBatchLocked()
}

// depth counts the ancestors of id present in parents, stopping on cycles.
func depth(id string, parents map[string]string) int {
	d := 0
	seen := map[string]bool{id: true}
	parent := parents[id]
	for parent != "" && !seen[parent] {
		next, ok := parents[parent]
		if !ok {
			break
		}
		seen[parent] = true
		d++
		parent = next
	}
	return d
}

func (c *Connector) onBatchLocked(assets []*asset.Asset) {
	// Drop ids deleted on the gateway while this batch was in flight.
	deleted := map[string]bool{}
	c.cachedAssets = slices.DeleteFunc(c.cachedAssets, func(ev *asset.AssetEvent) bool {
		if ev.Cause == asset.CauseDelete && slices.Contains(c.requested, ev.AssetID()) {
			deleted[ev.AssetID()] = true
			return true
		}
		return false
	})
	if len(deleted) > 0 {
		isDeleted := func(id string) bool { return deleted[id] }
		c.requested = slices.DeleteFunc(c.requested, isDeleted)
		c.syncAssetIDs = slices.DeleteFunc(c.syncAssetIDs, isDeleted)
	}

	byID := make(map[string]*asset.Asset, len(assets))
	for _, a := range assets {
		if a != nil && !deleted[a.ID] {
			byID[a.ID] = a
		}
	}
	if !sameIDs(c.requested, byID) {
		c.logger.Warn("Asset batch does not match request, retrying",
			"label", c.expectedLabel, "requested", len(c.requested), "received", len(byID))
		c.retryLocked()
		return
	}

	ordered := make([]*asset.Asset, 0, len(c.requested))
	for _, id := range c.requested {
		a := byID[id]
		c.cachedAssets = slices.DeleteFunc(c.cachedAssets, func(ev *asset.AssetEvent) bool {
			if ev.AssetID() != id || (ev.Cause != asset.CauseUpdate && ev.Cause != asset.CauseRead) {
				return false
			}
			if ev.Asset.Version > a.Version {
				a = ev.Asset
			}
			return true
		})
		ordered = append(ordered, a)
	}

	c.after(func() {
		ctx := context.Background()
		for _, a := range ordered {
			_, _ = c.saveLocally(ctx, a)
		}
	})

	c.syncIndex += len(c.requested)
	c.requested = nil
	if c.syncIndex >= len(c.syncAssetIDs) {
		c.completeSyncLocked()
		return
	}
	c.requestBatchLocked()
}

func sameIDs(requested []string, received map[string]*asset.Asset) bool {
	if len(requested) != len(received) {
		return false
	}
	for _, id := range requested {
		if _, ok := received[id]; !ok {
			return false
		}
	}
	return true
}

// completeSyncLocked replays events cached during the sync, then removes
// local assets the gateway no longer has, refreshes assets touched during
// the sync and finally probes the gateway's capabilities.
func (c *Connector) completeSyncLocked() {
	var creates []*asset.Asset
	var refresh []string
	markRefresh := func(id string) {
		if !slices.Contains(refresh, id) {
			refresh = append(refresh, id)
		}
	}

	for _, ev := range c.cachedAssets {
		id := ev.AssetID()
		switch ev.Cause {
		case asset.CauseDelete:
			c.syncAssetIDs = slices.DeleteFunc(c.syncAssetIDs, func(s string) bool { return s == id })
			refresh = slices.DeleteFunc(refresh, func(s string) bool { return s == id })
		case asset.CauseCreate:
			if !slices.Contains(c.syncAssetIDs, id) {
				c.syncAssetIDs = append(c.syncAssetIDs, id)
			}
			creates = append(creates, ev.Asset)
		default:
			markRefresh(id)
		}
	}
	for _, ev := range c.cachedAttribute {
		markRefresh(ev.Ref.ID)
	}

	synced := slices.Clone(c.syncAssetIDs)
	gen := c.generation
	c.cachedAssets = nil
	c.cachedAttribute = nil
	c.expectedLabel = ""
	c.state = StateConnected
	c.logger.Info("Initial sync complete", "assets", len(synced), "refresh", len(refresh))

	c.after(func() {
		ctx := context.Background()
		for _, a := range creates {
			_, _ = c.saveLocally(ctx, a)
		}
		c.deleteObsolete(ctx, synced)
		for _, id := range refresh {
			c.sendIfCurrent(gen, protocol.Message{Event: &protocol.ReadAsset{AssetID: id}})
		}
		c.probeCapabilities(gen)
	})
}

// deleteObsolete removes local descendants of the gateway that the gateway
// did not report during sync.
func (c *Connector) deleteObsolete(ctx context.Context, synced []string) {
	local, err := c.store.Find(ctx, &asset.Query{ParentIDs: []string{c.gatewayID}, Recursive: true})
	if err != nil {
		c.logger.Warn("Failed to load local gateway assets", "error", err)
		return
	}

	keep := make(map[string]bool, len(synced))
	for _, id := range synced {
		keep[id] = true
	}
	var obsolete []string
	for _, a := range local {
		if !keep[c.outbound(a.ID)] {
			obsolete = append(obsolete, a.ID)
		}
	}
	if len(obsolete) == 0 {
		return
	}

	c.logger.Info("Deleting obsolete gateway assets", "count", len(obsolete))
	if _, err := c.store.Delete(ctx, obsolete...); err != nil {
		c.logger.Warn("Failed to delete obsolete gateway assets", "error", err)
	}
}
