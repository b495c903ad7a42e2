// Package config loads static plan/rule/group and LTP span tables from an
// ini document, the contact-plan-style configuration format this repo
// carries in place of ION's bprc/ionrc command scripts. Parsing follows
// the teacher's EDS loader (pkg/od.Parse): ini.Load the whole file, then
// walk its Sections by name pattern (pkg/od/parser_v1.go).
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/go-dtn/ion/pkg/bp"
)

// PlanEntry is one parsed "[plan ...]" section.
type PlanEntry struct {
	NodeNbr          uint64
	DefaultOutduct   string
	RealTimeOutduct  string
	PlaybackOutduct  string
	ExpectedRTTSec   int64
}

// GroupEntry is one parsed "[group ...]" section.
type GroupEntry struct {
	First, Last      uint64
	DefaultOutduct   string
	RealTimeOutduct  string
	PlaybackOutduct  string
	ExpectedRTTSec   int64
}

// RuleEntry is one parsed "[rule ...]" section.
type RuleEntry struct {
	SourceNode     uint64
	SourceService  string
	DefaultOutduct string
}

// SpanEntry is one parsed "[span ...]" section describing an LTP
// convergence-layer link.
type SpanEntry struct {
	RemoteEngine      uint64
	MaxSegmentSize    int
	MaxExportSessions int
	AggregationSize   int64
}

// Document is the fully parsed contact-plan configuration.
type Document struct {
	Plans  []PlanEntry
	Groups []GroupEntry
	Rules  []RuleEntry
	Spans  []SpanEntry
}

// Load parses an ini document (path, []byte, or io.Reader per ini.Load's
// own contract) into a Document.
func Load(source any) (*Document, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	for _, section := range f.Sections() {
		name := section.Name()
		switch {
		case name == ini.DefaultSection:
			continue
		case strings.HasPrefix(name, "plan "):
			p, err := parsePlan(section)
			if err != nil {
				return nil, err
			}
			doc.Plans = append(doc.Plans, p)
		case strings.HasPrefix(name, "group "):
			g, err := parseGroup(section)
			if err != nil {
				return nil, err
			}
			doc.Groups = append(doc.Groups, g)
		case strings.HasPrefix(name, "rule "):
			r, err := parseRule(section)
			if err != nil {
				return nil, err
			}
			doc.Rules = append(doc.Rules, r)
		case strings.HasPrefix(name, "span "):
			s, err := parseSpan(section)
			if err != nil {
				return nil, err
			}
			doc.Spans = append(doc.Spans, s)
		default:
			return nil, fmt.Errorf("bp/config: unrecognized section %q", name)
		}
	}
	return doc, nil
}

func parsePlan(s *ini.Section) (PlanEntry, error) {
	node, err := strconv.ParseUint(strings.TrimPrefix(s.Name(), "plan "), 10, 64)
	if err != nil {
		return PlanEntry{}, fmt.Errorf("bp/config: plan section %q: %w", s.Name(), err)
	}
	return PlanEntry{
		NodeNbr:         node,
		DefaultOutduct:  s.Key("default").String(),
		RealTimeOutduct: s.Key("realtime").String(),
		PlaybackOutduct: s.Key("playback").String(),
		ExpectedRTTSec:  s.Key("expected_rtt").MustInt64(10),
	}, nil
}

func parseGroup(s *ini.Section) (GroupEntry, error) {
	rangePart := strings.TrimPrefix(s.Name(), "group ")
	first, last, ok := strings.Cut(rangePart, "-")
	if !ok {
		return GroupEntry{}, fmt.Errorf("bp/config: group section %q must be \"group <first>-<last>\"", s.Name())
	}
	firstN, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return GroupEntry{}, err
	}
	lastN, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		return GroupEntry{}, err
	}
	return GroupEntry{
		First:           firstN,
		Last:            lastN,
		DefaultOutduct:  s.Key("default").String(),
		RealTimeOutduct: s.Key("realtime").String(),
		PlaybackOutduct: s.Key("playback").String(),
		ExpectedRTTSec:  s.Key("expected_rtt").MustInt64(10),
	}, nil
}

func parseRule(s *ini.Section) (RuleEntry, error) {
	sourcePart := strings.TrimPrefix(s.Name(), "rule ")
	nodePart, service, ok := strings.Cut(sourcePart, ".")
	if !ok {
		return RuleEntry{}, fmt.Errorf("bp/config: rule section %q must be \"rule <node>.<service>\"", s.Name())
	}
	var node uint64
	if nodePart != "*" {
		var err error
		node, err = strconv.ParseUint(nodePart, 10, 64)
		if err != nil {
			return RuleEntry{}, err
		}
	}
	if nodePart == "*" {
		service = "*"
	}
	return RuleEntry{
		SourceNode:     node,
		SourceService:  service,
		DefaultOutduct: s.Key("default").String(),
	}, nil
}

func parseSpan(s *ini.Section) (SpanEntry, error) {
	remote, err := strconv.ParseUint(strings.TrimPrefix(s.Name(), "span "), 10, 64)
	if err != nil {
		return SpanEntry{}, fmt.Errorf("bp/config: span section %q: %w", s.Name(), err)
	}
	return SpanEntry{
		RemoteEngine:      remote,
		MaxSegmentSize:    s.Key("max_segment_size").MustInt(1400),
		MaxExportSessions: s.Key("max_export_sessions").MustInt(10),
		AggregationSize:   s.Key("aggregation_size").MustInt64(65536),
	}, nil
}

// ApplyRouting installs every parsed plan, group and rule into f.
func ApplyRouting(f *bp.Forwarder, doc *Document) error {
	for _, p := range doc.Plans {
		plan := &bp.Plan{NodeNbr: p.NodeNbr}
		if p.DefaultOutduct != "" {
			plan.Default = &bp.Directive{OutductName: p.DefaultOutduct, ExpectedRTTSec: p.ExpectedRTTSec}
		}
		if p.RealTimeOutduct != "" {
			plan.RealTime = &bp.Directive{OutductName: p.RealTimeOutduct, ExpectedRTTSec: p.ExpectedRTTSec}
		}
		if p.PlaybackOutduct != "" {
			plan.Playback = &bp.Directive{OutductName: p.PlaybackOutduct, ExpectedRTTSec: p.ExpectedRTTSec}
		}
		if err := f.AddPlan(plan); err != nil {
			return err
		}
	}
	for _, g := range doc.Groups {
		group := &bp.Group{First: g.First, Last: g.Last}
		if g.DefaultOutduct != "" {
			group.Default = &bp.Directive{OutductName: g.DefaultOutduct, ExpectedRTTSec: g.ExpectedRTTSec}
		}
		if g.RealTimeOutduct != "" {
			group.RealTime = &bp.Directive{OutductName: g.RealTimeOutduct, ExpectedRTTSec: g.ExpectedRTTSec}
		}
		if g.PlaybackOutduct != "" {
			group.Playback = &bp.Directive{OutductName: g.PlaybackOutduct, ExpectedRTTSec: g.ExpectedRTTSec}
		}
		if err := f.AddGroup(group); err != nil {
			return err
		}
	}
	for _, r := range doc.Rules {
		if err := f.AddRule(&bp.Rule{
			SourceNode:    r.SourceNode,
			SourceService: ruleService(r.SourceService),
			Default:       &bp.Directive{OutductName: r.DefaultOutduct},
		}); err != nil {
			return err
		}
	}
	return nil
}

func ruleService(service string) string {
	if service == "*" {
		return "*"
	}
	return service
}
