package guestres

import (
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/guestres/internal/memutils"
)

// Statistics summarizes a Cache's resources and the work it has done
type Statistics struct {
	// Resources is the number of cached resources
	Resources int
	// LiveResources is the number of resources not yet destroyed, cached or not
	LiveResources int
	HostOnly      int

	Clean                 int
	HostPendingUpload     int
	DevicePendingReadback int

	// MirrorBytes is the guest memory covered by cached resources
	MirrorBytes int

	Hits             uint64
	Misses           uint64
	Uploads          uint64
	Readbacks        uint64
	Faults           uint64
	DeferredFaults   uint64
	MappingFallbacks uint64
	Pruned           uint64

	PooledImages int
	Staging      memutils.DetailedStatistics
}

// Statistics gathers the cache's current statistics. Dirty-state counts are read without taking
// resource locks and may lag transitions that are in progress.
func (c *Cache) Statistics() Statistics {
	var stats Statistics

	c.mutex.RLock()
	stats.Resources = c.entries.Count()
	c.entries.Iter(func(_ string, r *Resource) bool {
		stats.MirrorBytes += r.mirror.Size()
		return false
	})
	c.mutex.RUnlock()

	for _, r := range c.resources.Snapshot() {
		stats.LiveResources++
		if r.guest == nil {
			stats.HostOnly++
		}

		switch r.PublishedState() {
		case Clean:
			stats.Clean++
		case HostPendingUpload:
			stats.HostPendingUpload++
		case DevicePendingReadback:
			stats.DevicePendingReadback++
		}
	}

	stats.Hits = c.counters.hits.Load()
	stats.Misses = c.counters.misses.Load()
	stats.Uploads = c.counters.uploads.Load()
	stats.Readbacks = c.counters.readbacks.Load()
	stats.Faults = c.counters.faults.Load()
	stats.DeferredFaults = c.counters.deferredFaults.Load()
	stats.MappingFallbacks = c.counters.mappingFallbacks.Load()
	stats.Pruned = c.counters.pruned.Load()

	if c.pool != nil {
		stats.PooledImages = c.pool.Idle()
	}

	stats.Staging.Clear()
	c.ring.AddStatistics(&stats.Staging)

	return stats
}

// BuildStatsString renders the cache's statistics as JSON. When detailed is set, every live
// resource is listed as well.
func (c *Cache) BuildStatsString(detailed bool) string {
	stats := c.Statistics()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totals := obj.Name("Total").Object()
	totals.Name("Resources").Int(stats.Resources)
	totals.Name("LiveResources").Int(stats.LiveResources)
	totals.Name("HostOnly").Int(stats.HostOnly)
	totals.Name("MirrorBytes").String(units.BytesSize(float64(stats.MirrorBytes)))
	totals.End()

	states := obj.Name("DirtyStates").Object()
	states.Name(Clean.String()).Int(stats.Clean)
	states.Name(HostPendingUpload.String()).Int(stats.HostPendingUpload)
	states.Name(DevicePendingReadback.String()).Int(stats.DevicePendingReadback)
	states.End()

	counters := obj.Name("Counters").Object()
	counters.Name("Hits").Int(int(stats.Hits))
	counters.Name("Misses").Int(int(stats.Misses))
	counters.Name("Uploads").Int(int(stats.Uploads))
	counters.Name("Readbacks").Int(int(stats.Readbacks))
	counters.Name("Faults").Int(int(stats.Faults))
	counters.Name("DeferredFaults").Int(int(stats.DeferredFaults))
	counters.Name("MappingFallbacks").Int(int(stats.MappingFallbacks))
	counters.Name("Pruned").Int(int(stats.Pruned))
	counters.End()

	stagingObj := obj.Name("Staging").Object()
	stagingObj.Name("BlockCount").Int(stats.Staging.BlockCount)
	stagingObj.Name("BlockBytes").String(units.BytesSize(float64(stats.Staging.BlockBytes)))
	stagingObj.Name("AllocationCount").Int(stats.Staging.AllocationCount)
	stagingObj.Name("AllocationBytes").String(units.BytesSize(float64(stats.Staging.AllocationBytes)))
	if stats.Staging.AllocationCount > 0 {
		stagingObj.Name("AllocationSizeMin").Int(stats.Staging.AllocationSizeMin)
		stagingObj.Name("AllocationSizeMax").Int(stats.Staging.AllocationSizeMax)
	}
	stagingObj.End()

	if c.pool != nil {
		obj.Name("PooledImages").Int(stats.PooledImages)
	}

	if detailed {
		resources := obj.Name("Resources").Array()
		for _, r := range c.resources.Snapshot() {
			o := resources.Object()
			r.printParameters(&o)
			o.End()
		}
		resources.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func (r *Resource) printParameters(json *jwriter.ObjectState) {
	json.Name("ID").String(r.id.String())
	json.Name("Type").String(r.resourceType.String())
	json.Name("Format").String(r.format.String())
	json.Name("Width").Int(r.dimensions.Width)
	json.Name("Height").Int(r.dimensions.Height)
	json.Name("Layers").Int(r.layerCount)
	json.Name("State").String(r.PublishedState().String())
	json.Name("References").Int(r.refs.Count())

	if r.guest != nil {
		ranges := json.Name("Memory").Array()
		for _, rng := range r.guest.Ranges() {
			ranges.String(rng.String())
		}
		ranges.End()
		json.Name("MirrorSize").String(units.BytesSize(float64(r.mirror.Size())))
	}
}
