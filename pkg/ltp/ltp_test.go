package ltp

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

func openTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dh.db")
	h, err := heap.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestSDNVRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 16383, 16384, 1 << 40, ^uint64(0)} {
		buf := encodeSDNV(nil, v)
		got, n, err := decodeSDNV(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestSegmentEncodeDecodeDataCheckpoint(t *testing.T) {
	seg := &Segment{
		Type:             SegRedCheckpoint,
		Session:          SessionID{SourceEngine: 7, Number: 42},
		ClientID:         1,
		Offset:           1000,
		Length:           500,
		Payload:          []byte("abcde"),
		IsCheckpoint:     true,
		CheckpointSerial: 3,
		ReportSerial:     0,
	}
	raw := seg.Encode()
	got, err := DecodeSegment(raw)
	require.NoError(t, err)
	require.Equal(t, seg.Session, got.Session)
	require.Equal(t, seg.Offset, got.Offset)
	require.Equal(t, seg.Length, got.Length)
	require.Equal(t, seg.CheckpointSerial, got.CheckpointSerial)
	require.Equal(t, "abcde", string(got.Payload))
}

// TestRedBlockReassemblyWithLoss exercises S3: three red segments covering
// [0,500), [500,1000), [1000,1500), with the second dropped before the
// first checkpoint; after the report/retransmit/ack cycle the receiver
// must deliver all 1500 bytes in order.
func TestRedBlockReassemblyWithLoss(t *testing.T) {
	senderDH := openTestHeap(t)
	recvDH := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)

	senderEngine := NewEngine(1, senderDH, occ)
	recvEngine := NewEngine(2, recvDH, occ)

	senderSpan := NewSpan(2, 4096)
	recvSpan := NewSpan(1, 4096)
	senderEngine.AddSpan(2, senderSpan)
	recvEngine.AddSpan(1, recvSpan)

	senderTxn, err := senderDH.Begin()
	require.NoError(t, err)
	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	block, err := zco.Create(senderTxn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, block.AppendExtentHeap(senderTxn, payload))
	require.NoError(t, senderTxn.End())

	senderTxn2, err := senderDH.Begin()
	require.NoError(t, err)
	es, err := senderEngine.StartExport(senderTxn2, 2, 99, block, 1500, 1500)
	require.NoError(t, err)
	require.NoError(t, senderTxn2.End())
	require.Equal(t, ExportAwaitingReport, es.State)

	// Drain the sender span: three red segments (the third is the
	// checkpoint), drop the second ([500,1000)).
	var toReceiver [][]byte
	for i := 0; i < 3; i++ {
		raw, ok := senderSpan.DequeueOutboundSegment()
		require.True(t, ok)
		dec, err := DecodeSegment(raw)
		require.NoError(t, err)
		if dec.Offset == 500 {
			continue // dropped in flight
		}
		toReceiver = append(toReceiver, raw)
	}
	require.Len(t, toReceiver, 2)

	for _, raw := range toReceiver {
		recvEngine.Deliver(1, raw)
		in := <-recvEngine.inbound
		require.NoError(t, recvEngine.handleInbound(in))
	}

	// Receiver emitted exactly one report (after the checkpoint).
	reportRaw, ok := recvSpan.DequeueOutboundSegment()
	require.True(t, ok)
	report, err := DecodeSegment(reportRaw)
	require.NoError(t, err)
	require.Equal(t, SegReport, report.Type)
	require.Len(t, report.Claims, 1)
	require.EqualValues(t, 500, report.Claims[0].Offset)
	require.EqualValues(t, 500, report.Claims[0].Length)

	// Feed the report back to the sender, which should ack it and
	// retransmit exactly the gap plus a fresh checkpoint.
	senderEngine.Deliver(2, reportRaw)
	in := <-senderEngine.inbound
	require.NoError(t, senderEngine.handleInbound(in))

	ackRaw, ok := senderSpan.DequeueOutboundSegment()
	require.True(t, ok)
	ack, err := DecodeSegment(ackRaw)
	require.NoError(t, err)
	require.Equal(t, SegReportAck, ack.Type)

	retxRaw, ok := senderSpan.DequeueOutboundSegment()
	require.True(t, ok)
	retx, err := DecodeSegment(retxRaw)
	require.NoError(t, err)
	require.Equal(t, SegRedCheckpoint, retx.Type)
	require.EqualValues(t, 500, retx.Offset)
	require.EqualValues(t, 500, retx.Length)
	require.Equal(t, payload[500:1000], retx.Payload)

	// Deliver ack + retransmitted checkpoint to the receiver: the session
	// must complete and deliver all 1500 bytes.
	recvEngine.Deliver(1, ackRaw)
	in = <-recvEngine.inbound
	require.NoError(t, recvEngine.handleInbound(in))

	recvEngine.Deliver(1, retxRaw)
	in = <-recvEngine.inbound
	require.NoError(t, recvEngine.handleInbound(in))

	delivery := <-recvEngine.Delivered
	require.Equal(t, uint64(1), delivery.SourceEngine)
	require.EqualValues(t, 1500, delivery.Data.TotalLength())

	reassembled := make([]byte, 1500)
	r := zco.NewReader(delivery.Data, zco.ModeReceiveSource)
	recvReadTxn, err := recvDH.Begin()
	require.NoError(t, err)
	defer recvReadTxn.Cancel()
	n, err := r.ReceiveSource(recvReadTxn, reassembled)
	require.NoError(t, err)
	require.Equal(t, 1500, n)
	require.Equal(t, payload, reassembled)
}

func TestExportSessionCancelsAfterMaxRetransmit(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(5, dh, occ)
	span := NewSpan(6, 4096)
	engine.AddSpan(6, span)

	txn, err := dh.Begin()
	require.NoError(t, err)
	block, err := zco.Create(txn, occ, nil)
	require.NoError(t, err)
	require.NoError(t, block.AppendExtentHeap(txn, []byte("x")))
	require.NoError(t, txn.End())

	txn2, err := dh.Begin()
	require.NoError(t, err)
	engine.MaxRetransmit = 2
	es, err := engine.StartExport(txn2, 6, 1, block, 1, 1)
	require.NoError(t, err)
	require.NoError(t, txn2.End())

	_, ok := span.DequeueOutboundSegment() // checkpoint
	require.True(t, ok)

	txn3, err := dh.Begin()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, es.HandleTimerExpiry(txn3, int64(i), engine.timers))
	}
	require.NoError(t, txn3.End())
	require.Equal(t, ExportCancelled, es.State)
	notice := <-es.Notices
	require.Equal(t, ExportSessionCanceled, notice.Kind)
	require.Equal(t, ReasonRLEXC, notice.Reason)
}

// TestAggregateFlushesOnSizeLimit exercises §C.2's aggregation-size flush:
// once enough bytes have been appended, Aggregate itself starts the
// ExportSession (no explicit EOB call needed).
func TestAggregateFlushesOnSizeLimit(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(9, dh, occ)
	span := NewSpan(10, 4096)
	span.AggregationSizeLimit = 10
	engine.AddSpan(10, span)

	txn, err := dh.Begin()
	require.NoError(t, err)
	es, err := engine.Aggregate(txn, 10, 1, []byte("0123456789"), true)
	require.NoError(t, err)
	require.NoError(t, txn.End())

	require.NotNil(t, es)
	require.Equal(t, ExportAwaitingReport, es.State)
	require.EqualValues(t, 10, es.block.TotalLength())
	_, exists := engine.agg.pending[10]
	require.False(t, exists)
}

// TestAggregateFlushesOnIdleTimeout exercises §C.2's idle-timeout flush:
// a block that never reaches AggregationSizeLimit is still closed out
// once sweepAggregation observes it has sat past AggregationTimeoutSec.
func TestAggregateFlushesOnIdleTimeout(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(11, dh, occ)
	span := NewSpan(12, 4096)
	span.AggregationSizeLimit = 1 << 20
	span.AggregationTimeoutSec = 5
	engine.AddSpan(12, span)

	txn, err := dh.Begin()
	require.NoError(t, err)
	es, err := engine.Aggregate(txn, 12, 1, []byte("partial"), true)
	require.NoError(t, err)
	require.NoError(t, txn.End())
	require.Nil(t, es) // below the size limit, not yet flushed

	engine.agg.pending[12].lastAppendSec -= 10 // simulate 10s of inactivity
	engine.sweepAggregation(nowSeconds())

	_, exists := engine.agg.pending[12]
	require.False(t, exists)
	require.Len(t, engine.exports, 1)
}

// TestGreenPartCompleteNoticeIndependentOfRedPart exercises §C.1: a
// green-EOB segment fires GreenPartComplete without waiting for, or
// gating, red-part reassembly.
func TestGreenPartCompleteNoticeIndependentOfRedPart(t *testing.T) {
	dh := openTestHeap(t)
	occ := zco.NewOccupancyDB(1<<20, 1<<20)
	engine := NewEngine(13, dh, occ)
	span := NewSpan(14, 4096)
	engine.AddSpan(14, span)

	is := NewImportSession(SessionID{SourceEngine: 14, Number: 1}, 1, 14, span, occ, 5, 10)
	txn, err := dh.Begin()
	require.NoError(t, err)
	defer txn.Cancel()

	seg := &Segment{Type: SegGreenEOB, Session: is.Session, Offset: 0, Length: 3, Payload: []byte("abc"), IsEOB: true}
	require.NoError(t, is.HandleDataSegment(txn, engine.timers, 0, seg))

	first := <-is.Notices
	require.Equal(t, RecvGreenSegment, first.Kind)
	second := <-is.Notices
	require.Equal(t, GreenPartComplete, second.Kind)
	require.True(t, is.greenEOBSeen)
	require.NotEqual(t, ImportComplete, is.State) // red part untouched
}
