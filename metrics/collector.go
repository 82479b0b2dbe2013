// Package metrics exports the allocation statistics of a segment to
// prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

import (
	"github.com/timtadh/shmkv/segment"
)

const namespace = "shmkv"

type Collector struct {
	seg *segment.Segment

	capacity   *prometheus.Desc
	used       *prometheus.Desc
	free       *prometheus.Desc
	brk        *prometheus.Desc
	freeBlocks *prometheus.Desc
	allocs     *prometheus.Desc
	frees      *prometheus.Desc
	named      *prometheus.Desc
}

// NewCollector reads seg's statistics on every scrape. labels are
// attached to every metric.
func NewCollector(seg *segment.Segment, labels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Collector{
		seg:        seg,
		capacity:   desc("capacity_bytes", "Bytes of the region available to the allocator."),
		used:       desc("used_bytes", "Bytes held by live allocations, block headers included."),
		free:       desc("free_bytes", "Bytes not held by live allocations."),
		brk:        desc("brk_offset", "Offset of the end of the allocated part of the region."),
		freeBlocks: desc("free_blocks", "Blocks on the allocator's free list."),
		allocs:     desc("allocations_total", "Allocations made in the region."),
		frees:      desc("deallocations_total", "Deallocations made in the region."),
		named:      desc("named_objects", "Named objects in the segment's directory."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.used
	ch <- c.free
	ch <- c.brk
	ch <- c.freeBlocks
	ch <- c.allocs
	ch <- c.frees
	ch <- c.named
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.seg.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.used, err)
		return
	}
	gauge := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.capacity, st.Capacity)
	gauge(c.used, st.Used)
	gauge(c.free, st.Free)
	gauge(c.brk, st.Brk)
	gauge(c.freeBlocks, st.FreeBlocks)
	counter(c.allocs, st.Allocs)
	counter(c.frees, st.Frees)
	gauge(c.named, st.Named)
}
