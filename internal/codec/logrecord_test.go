package codec

import (
	"bytes"
	"testing"

	"github.com/kvarchive/engine/internal/common"
)

func TestLogRecordRoundTrip(t *testing.T) {
	rec := &LogRecord{
		Type:        RecUpdate,
		TxID:        common.TxID(7),
		PrevTxnLSN:  common.LSN{Partition: 0, Offset: 10},
		PageID:      common.PageID(42),
		PagePrevLSN: common.LSN{Partition: 0, Offset: 9},
		OwnLSN:      common.LSN{Partition: 0, Offset: 20},
		Payload:     []byte("hello world"),
	}
	buf := rec.Marshal()
	got, next, err := Parse(buf, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if next != len(buf) {
		t.Fatalf("next offset = %d, want %d", next, len(buf))
	}
	if got.Type != rec.Type || got.TxID != rec.TxID || got.PageID != rec.PageID {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, rec)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, rec.Payload)
	}
}

func TestParseNeedsMore(t *testing.T) {
	rec := &LogRecord{Type: RecFullImage, PageID: 1, Payload: make([]byte, 100)}
	buf := rec.Marshal()

	if _, _, err := Parse(buf[:5], 0); err == nil {
		t.Fatalf("expected NeedMoreError for truncated header")
	} else if _, ok := err.(*NeedMoreError); !ok {
		t.Fatalf("expected *NeedMoreError, got %T: %v", err, err)
	}

	if _, _, err := Parse(buf[:LogRecordHeaderSize+10], 0); err == nil {
		t.Fatalf("expected NeedMoreError for truncated payload")
	} else if _, ok := err.(*NeedMoreError); !ok {
		t.Fatalf("expected *NeedMoreError, got %T: %v", err, err)
	}
}

func TestParseDetectsCorruption(t *testing.T) {
	rec := &LogRecord{Type: RecCommit, TxID: 1}
	buf := rec.Marshal()
	buf[40] ^= 0xFF
	if _, _, err := Parse(buf, 0); err == nil {
		t.Fatalf("expected corruption error")
	}
}

func TestMultipleRecordsSequential(t *testing.T) {
	var buf []byte
	recs := []*LogRecord{
		{Type: RecBegin, TxID: 1},
		{Type: RecUpdate, TxID: 1, PageID: 5, Payload: []byte("x")},
		{Type: RecCommit, TxID: 1},
	}
	for _, r := range recs {
		buf = append(buf, r.Marshal()...)
	}

	off := 0
	for i, want := range recs {
		got, next, err := Parse(buf, off)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got.Type != want.Type {
			t.Fatalf("record %d: type = %v, want %v", i, got.Type, want.Type)
		}
		off = next
	}
	if off != len(buf) {
		t.Fatalf("final offset %d != %d", off, len(buf))
	}
}
