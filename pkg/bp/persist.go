package bp

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/go-dtn/ion/internal/heap"
)

// routeCatalogName is the DH catalog entry under which the forwarding
// table (plans, groups, rules) is recorded as a typed list of records,
// one record per AddPlan/AddGroup/AddRule call (§4.4.2, §6 "Persisted
// state layout").
const routeCatalogName = "ipnRoute"

const (
	routeKindPlan  byte = 1
	routeKindGroup byte = 2
	routeKindRule  byte = 3
)

// SetHeap attaches a durable heap to f: every subsequent AddPlan/AddGroup/
// AddRule call appends a record to the "ipnRoute" list, and any records
// already catalogued there (from a prior process) are loaded into f's
// in-memory tables now. NewForwarder itself takes no heap argument so
// existing call sites that never persist routing state (tests, one-shot
// tools) are unaffected.
func (f *Forwarder) SetHeap(dh *heap.Heap) error {
	f.mu.Lock()
	f.dh = dh
	f.mu.Unlock()

	txn, err := dh.Begin()
	if err != nil {
		return err
	}
	defer txn.Cancel()

	list, err := findOrCreateList(txn, routeCatalogName)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	node, err := txn.ListFirst(list)
	if err != nil {
		return err
	}
	for node != heap.NoNode {
		rec, err := txn.ListUserData(list, node)
		if err != nil {
			return err
		}
		if len(rec) > 0 {
			if err := f.applyRouteRecordLocked(rec); err != nil {
				return err
			}
		}
		node, err = txn.ListNext(list, node)
		if err != nil {
			return err
		}
	}
	sortGroups(f.groups)
	return txn.End()
}

func (f *Forwarder) applyRouteRecordLocked(rec []byte) error {
	switch rec[0] {
	case routeKindPlan:
		p, err := decodePlan(rec[1:])
		if err != nil {
			return err
		}
		f.plans[p.NodeNbr] = p
	case routeKindGroup:
		g, err := decodeGroup(rec[1:])
		if err != nil {
			return err
		}
		f.groups = append(f.groups, g)
	case routeKindRule:
		r, err := decodeRule(rec[1:])
		if err != nil {
			return err
		}
		f.rules = append(f.rules, r)
	default:
		return errors.Errorf("bp: unknown ipnRoute record kind %d", rec[0])
	}
	return nil
}

// persistRoute appends one routing-table record to the "ipnRoute" list in
// its own transaction. A no-op when no heap has been attached, so
// AddPlan/AddGroup/AddRule stay usable for in-memory-only forwarders.
func (f *Forwarder) persistRoute(kind byte, payload []byte) error {
	f.mu.Lock()
	dh := f.dh
	f.mu.Unlock()
	if dh == nil {
		return nil
	}
	txn, err := dh.Begin()
	if err != nil {
		return err
	}
	defer txn.Cancel()
	list, err := findOrCreateList(txn, routeCatalogName)
	if err != nil {
		return err
	}
	record := append([]byte{kind}, payload...)
	if _, err := txn.ListInsertLast(list, heap.Null, record); err != nil {
		return err
	}
	return txn.End()
}

// findOrCreateList returns the list catalogued under name, creating and
// cataloguing an empty one on first use. Shared by the "ipnRoute" and
// "bpBundleDB" catalog entries (§6 "Persisted state layout").
func findOrCreateList(txn *heap.Txn, name string) (heap.ListID, error) {
	loc, err := txn.Find(name)
	if err == nil {
		return heap.ListID(loc), nil
	}
	if err != heap.ErrNotFound {
		return 0, err
	}
	id, err := txn.ListCreate()
	if err != nil {
		return 0, err
	}
	if err := txn.Catlg(name, heap.Location(id)); err != nil {
		return 0, err
	}
	return id, nil
}

// bundleCatalogName is the DH catalog entry under which every admitted
// bundle's metadata (everything but the ZCO payload, which is already
// DH-backed through its extents) is recorded, one record per Engine.Send
// or CLInput.bpEndAcq admission (§6 "Persisted state layout").
const bundleCatalogName = "bpBundleDB"

// persistBundle appends b's metadata record to "bpBundleDB" inside txn,
// an already-open transaction supplied by the caller (Engine.Send opens
// one for this purpose alone; CLInput.bpEndAcq rides the same transaction
// it used to create the bundle's ZCO payload, so both become durable
// atomically). The assigned list/node pair is recorded on b so retire
// can remove it later.
func (e *Engine) persistBundle(txn *heap.Txn, b *Bundle) error {
	list, err := findOrCreateList(txn, bundleCatalogName)
	if err != nil {
		return err
	}
	node, err := txn.ListInsertLast(list, heap.Null, encodeBundleRecord(b))
	if err != nil {
		return err
	}
	b.dh = e.DH
	b.recList = list
	b.recNode = node
	return nil
}

// retire removes b's persisted metadata record, if any, and destroys
// b.Payload when it is set, so "bpBundleDB" only ever holds bundles still
// in flight. Called when a bundle leaves this node: exported over LTP
// (LTPBridge.exportBundle), expired (Engine.Tick), or delivered locally
// (reportDelivered in endpoint.go, which detaches the payload first so
// the receiving application keeps it).
func (b *Bundle) retire() {
	if b.dh == nil {
		return
	}
	dh := b.dh
	b.dh = nil
	txn, err := dh.Begin()
	if err != nil {
		log.Warnf("bp: bundle %s retire: %v", b.id, err)
		return
	}
	defer txn.Cancel()
	if err := txn.ListDelete(b.recList, b.recNode); err != nil {
		log.Warnf("bp: bundle %s retire: %v", b.id, err)
		return
	}
	if b.Payload != nil {
		if err := b.Payload.Destroy(txn); err != nil {
			log.Warnf("bp: bundle %s retire: payload destroy: %v", b.id, err)
			return
		}
	}
	if err := txn.End(); err != nil {
		log.Warnf("bp: bundle %s retire: %v", b.id, err)
	}
}

// recoverBundles scans "bpBundleDB" for records left over from a prior
// process: bundles that were persisted on admission but never retired by
// local delivery before the engine last stopped. Their ZCO payload graph
// is not itself persisted by this record (only its already-DH-backed
// extents are), so there is nothing to resume forwarding with; each
// leftover record is logged and discarded rather than accumulating
// forever.
func (e *Engine) recoverBundles() error {
	txn, err := e.DH.Begin()
	if err != nil {
		return err
	}
	defer txn.Cancel()
	list, err := findOrCreateList(txn, bundleCatalogName)
	if err != nil {
		return err
	}
	node, err := txn.ListFirst(list)
	if err != nil {
		return err
	}
	var stale []heap.NodeID
	for node != heap.NoNode {
		rec, err := txn.ListUserData(list, node)
		if err != nil {
			return err
		}
		if b, derr := decodeBundleRecord(rec); derr == nil {
			log.Warnf("bp: discarding unretired bundle record %s from a previous run (payload not recoverable)", b.id)
		} else {
			log.Warnf("bp: discarding unreadable bundle record: %v", derr)
		}
		stale = append(stale, node)
		node, err = txn.ListNext(list, node)
		if err != nil {
			return err
		}
	}
	for _, n := range stale {
		if err := txn.ListDelete(list, n); err != nil {
			return err
		}
	}
	return txn.End()
}

func putString(b []byte, s string) []byte {
	b = append(b, 0, 0)
	binary.BigEndian.PutUint16(b[len(b)-2:], uint16(len(s)))
	return append(b, s...)
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New("bp: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, errors.New("bp: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

func encodeBundleRecord(b *Bundle) []byte {
	out := make([]byte, 0, 128)
	out = putString(out, string(b.Source))
	out = putString(out, string(b.Dest))
	out = putString(out, string(b.ReportTo))
	out = putString(out, string(b.ProxNodeEID))
	out = putString(out, b.id)

	tail := make([]byte, 8+8+8+1+1+1+1+1+4+1+1+1+1+1+8)
	i := 0
	binary.BigEndian.PutUint64(tail[i:], b.Creation.Seconds)
	i += 8
	binary.BigEndian.PutUint64(tail[i:], b.Creation.SequenceCnt)
	i += 8
	binary.BigEndian.PutUint64(tail[i:], b.TTLSec)
	i += 8
	tail[i] = byte(b.COS.Custody)
	i++
	tail[i] = b.COS.Priority
	i++
	tail[i] = b.COS.Ordinal
	i++
	tail[i] = boolByte(b.COS.Unreliable)
	i++
	tail[i] = boolByte(b.COS.Critical)
	i++
	binary.BigEndian.PutUint32(tail[i:], b.COS.FlowLabel)
	i += 4
	tail[i] = byte(b.SRR)
	i++
	tail[i] = boolByte(b.AckToken)
	i++
	tail[i] = boolByte(b.Delivered)
	i++
	tail[i] = boolByte(b.Suspended)
	i++
	tail[i] = boolByte(b.Age.Enabled)
	i++
	binary.BigEndian.PutUint64(tail[i:], b.Age.AgeMs)

	return append(out, tail...)
}

func decodeBundleRecord(rec []byte) (*Bundle, error) {
	source, rest, err := getString(rec)
	if err != nil {
		return nil, err
	}
	dest, rest, err := getString(rest)
	if err != nil {
		return nil, err
	}
	reportTo, rest, err := getString(rest)
	if err != nil {
		return nil, err
	}
	proxNode, rest, err := getString(rest)
	if err != nil {
		return nil, err
	}
	id, rest, err := getString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 8+8+8+1+1+1+1+1+4+1+1+1+1+1+8 {
		return nil, errors.New("bp: truncated bundle record tail")
	}
	i := 0
	creationSec := binary.BigEndian.Uint64(rest[i:])
	i += 8
	creationSeq := binary.BigEndian.Uint64(rest[i:])
	i += 8
	ttl := binary.BigEndian.Uint64(rest[i:])
	i += 8
	custody := CustodyRequirement(rest[i])
	i++
	priority := rest[i]
	i++
	ordinal := rest[i]
	i++
	unreliable := rest[i] != 0
	i++
	critical := rest[i] != 0
	i++
	flowLabel := binary.BigEndian.Uint32(rest[i:])
	i += 4
	srr := SRRFlags(rest[i])
	i++
	ackToken := rest[i] != 0
	i++
	delivered := rest[i] != 0
	i++
	suspended := rest[i] != 0
	i++
	ageEnabled := rest[i] != 0
	i++
	ageMs := binary.BigEndian.Uint64(rest[i:])

	return &Bundle{
		Source:   EID(source),
		Dest:     EID(dest),
		ReportTo: EID(reportTo),
		Creation: Timestamp{Seconds: creationSec, SequenceCnt: creationSeq},
		TTLSec:   ttl,
		COS: ClassOfService{
			Custody:    custody,
			Priority:   priority,
			Ordinal:    ordinal,
			Unreliable: unreliable,
			Critical:   critical,
			FlowLabel:  flowLabel,
		},
		SRR:         srr,
		AckToken:    ackToken,
		Delivered:   delivered,
		Suspended:   suspended,
		ProxNodeEID: EID(proxNode),
		Age:         AgeBlock{Enabled: ageEnabled, AgeMs: ageMs},
		id:          id,
	}, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// --- binary encodings, one function pair per forwarding-table type ---

func encodeDirective(d *Directive) []byte {
	if d == nil {
		return []byte{0}
	}
	name := []byte(d.OutductName)
	b := make([]byte, 1+2+len(name)+8)
	b[0] = 1
	binary.BigEndian.PutUint16(b[1:3], uint16(len(name)))
	copy(b[3:3+len(name)], name)
	binary.BigEndian.PutUint64(b[3+len(name):], uint64(d.ExpectedRTTSec))
	return b
}

func decodeDirective(b []byte) (*Directive, []byte, error) {
	if len(b) < 1 {
		return nil, nil, errors.New("bp: truncated directive")
	}
	present, rest := b[0], b[1:]
	if present == 0 {
		return nil, rest, nil
	}
	if len(rest) < 2 {
		return nil, nil, errors.New("bp: truncated directive name length")
	}
	n := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) < n+8 {
		return nil, nil, errors.New("bp: truncated directive body")
	}
	name := string(rest[:n])
	rtt := int64(binary.BigEndian.Uint64(rest[n : n+8]))
	return &Directive{OutductName: name, ExpectedRTTSec: rtt}, rest[n+8:], nil
}

func encodePlan(p *Plan) []byte {
	head := make([]byte, 8)
	binary.BigEndian.PutUint64(head, p.NodeNbr)
	return concat(head, encodeDirective(p.Default), encodeDirective(p.RealTime), encodeDirective(p.Playback))
}

func decodePlan(b []byte) (*Plan, error) {
	if len(b) < 8 {
		return nil, errors.New("bp: truncated plan")
	}
	p := &Plan{NodeNbr: binary.BigEndian.Uint64(b[0:8])}
	rest := b[8:]
	var err error
	if p.Default, rest, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	if p.RealTime, rest, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	if p.Playback, _, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	return p, nil
}

func encodeGroup(g *Group) []byte {
	head := make([]byte, 16)
	binary.BigEndian.PutUint64(head[0:8], g.First)
	binary.BigEndian.PutUint64(head[8:16], g.Last)
	return concat(head, encodeDirective(g.Default), encodeDirective(g.RealTime), encodeDirective(g.Playback))
}

func decodeGroup(b []byte) (*Group, error) {
	if len(b) < 16 {
		return nil, errors.New("bp: truncated group")
	}
	g := &Group{First: binary.BigEndian.Uint64(b[0:8]), Last: binary.BigEndian.Uint64(b[8:16])}
	rest := b[16:]
	var err error
	if g.Default, rest, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	if g.RealTime, rest, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	if g.Playback, _, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	return g, nil
}

func encodeRule(r *Rule) []byte {
	svc := []byte(r.SourceService)
	head := make([]byte, 8+2+len(svc))
	binary.BigEndian.PutUint64(head[0:8], r.SourceNode)
	binary.BigEndian.PutUint16(head[8:10], uint16(len(svc)))
	copy(head[10:], svc)
	return concat(head, encodeDirective(r.Default), encodeDirective(r.RealTime), encodeDirective(r.Playback))
}

func decodeRule(b []byte) (*Rule, error) {
	if len(b) < 10 {
		return nil, errors.New("bp: truncated rule")
	}
	srcNode := binary.BigEndian.Uint64(b[0:8])
	n := int(binary.BigEndian.Uint16(b[8:10]))
	if len(b) < 10+n {
		return nil, errors.New("bp: truncated rule service")
	}
	r := &Rule{SourceNode: srcNode, SourceService: string(b[10 : 10+n])}
	rest := b[10+n:]
	var err error
	if r.Default, rest, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	if r.RealTime, rest, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	if r.Playback, _, err = decodeDirective(rest); err != nil {
		return nil, err
	}
	return r, nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}
