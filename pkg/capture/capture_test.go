package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/pkg/transport/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCANCaptureTracesSingleAndMultiFrameTransfers(t *testing.T) {
	tp, err := can.NewTransport(can.Config{DriverName: "virtual", Channel: "capture-test", LocalNodeID: 1})
	require.NoError(t, err)
	defer tp.Close()

	session, err := NewSession(tp)
	require.NoError(t, err)

	out, err := tp.GetOutputSession(cyphal.Subject(100), cyphal.AnonymousNodeID)
	require.NoError(t, err)
	require.NoError(t, out.Send(context.Background(), cyphal.Transfer{
		Priority: cyphal.PriorityNominal, SourceNodeID: 1, DestNodeID: cyphal.AnonymousNodeID,
		Specifier: cyphal.Subject(100), Payload: []byte("short"),
	}))
	big := bytes.Repeat([]byte{0xAB}, 200)
	require.NoError(t, out.Send(context.Background(), cyphal.Transfer{
		Priority: cyphal.PriorityNominal, SourceNodeID: 1, DestNodeID: cyphal.AnonymousNodeID,
		Specifier: cyphal.Subject(100), Payload: big,
	}))

	time.Sleep(20 * time.Millisecond)

	var got []cyphal.Transfer
	session.Trace(TraceHandlerFuncs{OnTransfer: func(tr cyphal.Transfer) { got = append(got, tr) }})
	require.Len(t, got, 2)
	assert.Equal(t, []byte("short"), got[0].Payload)
	assert.Equal(t, big, got[1].Payload)
}

func buildUDPLikeFrame(specifierID uint16, service bool, source, destination cyphal.NodeID, transferID uint64, frameIndex uint32, end bool, payload []byte) []byte {
	buf := make([]byte, udpLikeHeaderLength+len(payload))
	buf[0] = 1
	buf[1] = byte(cyphal.PriorityNominal)
	var flags byte
	if service {
		flags |= udpLikeFlagService
	}
	buf[2] = flags
	src := uint16(0xFFFF)
	if !source.IsAnonymous() {
		src = uint16(source)
	}
	binary.BigEndian.PutUint16(buf[4:6], src)
	dst := uint16(0xFFFF)
	if !destination.IsAnonymous() {
		dst = uint16(destination)
	}
	binary.BigEndian.PutUint16(buf[6:8], dst)
	binary.BigEndian.PutUint16(buf[8:10], specifierID)
	binary.BigEndian.PutUint64(buf[10:18], transferID)
	idx := frameIndex
	if end {
		idx |= udpLikeFrameIndexEnd
	}
	binary.BigEndian.PutUint32(buf[18:22], idx)
	copy(buf[udpLikeHeaderLength:], payload)
	return buf
}

func TestUDPSingleFrameRoundTrip(t *testing.T) {
	tr := NewTracer(0)
	frame := buildUDPLikeFrame(200, false, 5, cyphal.AnonymousNodeID, 1, 0, true, []byte("hello"))

	var got []cyphal.Transfer
	tr.Feed(cyphal.CaptureRecord{Kind: cyphal.TransportUDP, Timestamp: cyphal.Timestamp{System: time.Now()}, RawFrame: frame},
		TraceHandlerFuncs{OnTransfer: func(t cyphal.Transfer) { got = append(got, t) }})

	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello"), got[0].Payload)
	assert.Equal(t, cyphal.NodeID(5), got[0].SourceNodeID)
}

func TestSerialGapDiscardsTransfer(t *testing.T) {
	tr := NewTracer(0)
	var errs []ReassemblyError
	handler := TraceHandlerFuncs{OnError: func(e ReassemblyError) { errs = append(errs, e) }}

	now := time.Now()
	start := buildUDPLikeFrame(300, false, 9, cyphal.AnonymousNodeID, 1, 0, false, []byte("aaaa"))
	tr.Feed(cyphal.CaptureRecord{Kind: cyphal.TransportSerial, Timestamp: cyphal.Timestamp{System: now}, RawFrame: start}, handler)

	// Frame index jumps 0 -> 2, skipping the real continuation.
	gapped := buildUDPLikeFrame(300, false, 9, cyphal.AnonymousNodeID, 1, 2, true, []byte("zzCC"))
	tr.Feed(cyphal.CaptureRecord{Kind: cyphal.TransportSerial, Timestamp: cyphal.Timestamp{System: now.Add(time.Millisecond)}, RawFrame: gapped}, handler)

	require.Len(t, errs, 1)
	assert.Equal(t, "out-of-sequence frame", errs[0].Reason)
}

func TestRecordPersistenceRoundTrip(t *testing.T) {
	records := []cyphal.CaptureRecord{
		{Kind: cyphal.TransportUDP, Timestamp: cyphal.Timestamp{System: time.Now()}, RawFrame: []byte{1, 2, 3}},
		{Kind: cyphal.TransportCAN, Timestamp: cyphal.Timestamp{System: time.Now()}, RawFrame: []byte{4, 5, 6, 7, 8}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, "session-a", records))

	persisted, err := ReadRecords(&buf)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "session-a", persisted[0].Session)
	assert.Equal(t, cyphal.TransportUDP, persisted[0].Kind)
	assert.Equal(t, []byte{1, 2, 3}, persisted[0].ToCaptureRecord().RawFrame)
}

func TestMultiSessionMergesChronologically(t *testing.T) {
	tpA, err := can.NewTransport(can.Config{DriverName: "virtual", Channel: "merge-a", LocalNodeID: 1})
	require.NoError(t, err)
	defer tpA.Close()
	tpB, err := can.NewTransport(can.Config{DriverName: "virtual", Channel: "merge-b", LocalNodeID: 2})
	require.NoError(t, err)
	defer tpB.Close()

	ms, err := NewMultiSession([]cyphal.Capturable{tpA, tpB})
	require.NoError(t, err)

	outA, err := tpA.GetOutputSession(cyphal.Subject(1), cyphal.AnonymousNodeID)
	require.NoError(t, err)
	require.NoError(t, outA.Send(context.Background(), cyphal.Transfer{Priority: cyphal.PriorityNominal, SourceNodeID: 1, DestNodeID: cyphal.AnonymousNodeID, Specifier: cyphal.Subject(1), Payload: []byte("a")}))

	outB, err := tpB.GetOutputSession(cyphal.Subject(2), cyphal.AnonymousNodeID)
	require.NoError(t, err)
	require.NoError(t, outB.Send(context.Background(), cyphal.Transfer{Priority: cyphal.PriorityNominal, SourceNodeID: 2, DestNodeID: cyphal.AnonymousNodeID, Specifier: cyphal.Subject(2), Payload: []byte("b")}))

	time.Sleep(20 * time.Millisecond)
	merged := ms.Merged()
	assert.GreaterOrEqual(t, len(merged), 2)
	for i := 1; i < len(merged); i++ {
		assert.False(t, merged[i].Timestamp.System.Before(merged[i-1].Timestamp.System))
	}
}
