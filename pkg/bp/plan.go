package bp

import "sort"

// Plan is a forwarding-table entry for one destination node number,
// carrying up to three directives (§3.4, §4.4.2).
type Plan struct {
	NodeNbr  uint64
	Default  *Directive
	RealTime *Directive
	Playback *Directive
}

func (p *Plan) directive(kind DirectiveKind) *Directive {
	switch kind {
	case DirectiveRealTime:
		if p.RealTime != nil {
			return p.RealTime
		}
	case DirectivePlayback:
		if p.Playback != nil {
			return p.Playback
		}
	}
	return p.Default
}

// Group is a plan-like entry covering a contiguous node-number range,
// consulted when no exact Plan matches (§4.4.2).
type Group struct {
	First, Last uint64
	Default     *Directive
	RealTime    *Directive
	Playback    *Directive
}

func (g *Group) covers(node uint64) bool { return node >= g.First && node <= g.Last }

func (g *Group) size() uint64 { return g.Last - g.First }

func (g *Group) directive(kind DirectiveKind) *Directive {
	switch kind {
	case DirectiveRealTime:
		if g.RealTime != nil {
			return g.RealTime
		}
	case DirectivePlayback:
		if g.Playback != nil {
			return g.Playback
		}
	}
	return g.Default
}

// sortGroups orders groups by ascending size then ascending first-node,
// so the first match scanning in order is the spec's "best fit" (§4.4.2).
func sortGroups(groups []*Group) {
	sort.Slice(groups, func(i, j int) bool {
		si, sj := groups[i].size(), groups[j].size()
		if si != sj {
			return si < sj
		}
		return groups[i].First < groups[j].First
	})
}

// bssAllOthers is the universal wildcard source-service tag that sits at
// the tail of the rule list and matches any (node, service) not matched
// by an earlier, more specific rule.
const bssAllOthers = "*"

// Rule overrides a plan's or group's directive for bundles originating
// from a specific (source node, source service) pair (§4.4.2).
type Rule struct {
	SourceNode    uint64 // 0 matches any node when SourceService == bssAllOthers
	SourceService string
	Default       *Directive
	RealTime      *Directive
	Playback      *Directive
}

func (r *Rule) matches(sourceNode uint64, sourceService string) bool {
	if r.SourceService == bssAllOthers {
		return true
	}
	return r.SourceNode == sourceNode && r.SourceService == sourceService
}

func (r *Rule) directive(kind DirectiveKind) *Directive {
	switch kind {
	case DirectiveRealTime:
		if r.RealTime != nil {
			return r.RealTime
		}
	case DirectivePlayback:
		if r.Playback != nil {
			return r.Playback
		}
	}
	return r.Default
}

// streamKey identifies one BSS-tracked application data stream.
type streamKey struct {
	srcNode    uint64
	srcService string
	dstNode    uint64
	dstService string
}

// BSSTracker logs the latest creation timestamp seen per stream so the
// forwarder can decide real-time vs playback directive (§3.4 "Stream").
type BSSTracker struct {
	latest map[streamKey]uint64
}

func NewBSSTracker() *BSSTracker {
	return &BSSTracker{latest: make(map[streamKey]uint64)}
}

// IsCurrent reports whether creationSec is at or ahead of the latest
// timestamp logged for this stream, and advances the watermark.
func (t *BSSTracker) IsCurrent(key streamKey, creationSec uint64) bool {
	last, ok := t.latest[key]
	current := !ok || creationSec >= last
	if !ok || creationSec > last {
		t.latest[key] = creationSec
	}
	return current
}
