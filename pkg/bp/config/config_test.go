package config

import (
	"testing"

	"github.com/go-dtn/ion/pkg/bp"
)

const sampleDoc = `
[plan 2]
default = ltp-2
expected_rtt = 15

[group 100-200]
default = ltp-group

[rule 9.1]
default = ltp-2-fast

[span 2]
max_segment_size = 1400
`

func TestLoadParsesAllSectionKinds(t *testing.T) {
	doc, err := Load([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Plans) != 1 || doc.Plans[0].NodeNbr != 2 || doc.Plans[0].ExpectedRTTSec != 15 {
		t.Fatalf("unexpected plans: %+v", doc.Plans)
	}
	if len(doc.Groups) != 1 || doc.Groups[0].First != 100 || doc.Groups[0].Last != 200 {
		t.Fatalf("unexpected groups: %+v", doc.Groups)
	}
	if len(doc.Rules) != 1 || doc.Rules[0].SourceNode != 9 || doc.Rules[0].SourceService != "1" {
		t.Fatalf("unexpected rules: %+v", doc.Rules)
	}
	if len(doc.Spans) != 1 || doc.Spans[0].RemoteEngine != 2 || doc.Spans[0].MaxSegmentSize != 1400 {
		t.Fatalf("unexpected spans: %+v", doc.Spans)
	}
}

func TestApplyRoutingWiresForwarder(t *testing.T) {
	doc, err := Load([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f := bp.NewForwarder(nil)
	f.AddOutduct(bp.NewOutduct("ltp-2", "ltp", 0))
	f.AddOutduct(bp.NewOutduct("ltp-group", "ltp", 0))
	f.AddOutduct(bp.NewOutduct("ltp-2-fast", "ltp", 0))
	if err := ApplyRouting(f, doc); err != nil {
		t.Fatalf("ApplyRouting: %v", err)
	}
}
