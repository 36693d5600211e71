package protocol

import (
	"bytes"
	"reflect"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeHeartbeat, nil, 0); err != nil {
		t.Fatal(err)
	}
	ty, payload, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ty != TypeHeartbeat || len(payload) != 0 {
		t.Fatalf("got type=%s payload=%v", ty, payload)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeHello, []byte("hello-body"), 0); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()
	short := bytes.NewReader(full[:len(full)-3])
	if _, _, err := ReadFrame(short, 0); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	empty := bytes.NewReader(nil)
	if _, _, err := ReadFrame(empty, 0); err.Error() != "EOF" {
		t.Fatalf("expected io.EOF at clean boundary, got %v", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	maxLen := MaxFrameLen(16)
	if err := WriteFrame(&buf, TypeFileData, make([]byte, 1024), maxLen); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Type(250), []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadFrame(&buf, 0); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for out-of-range type, got %v", err)
	}
}

func TestEncodeDecodeJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Hello{DeviceID: "host-alice-abc123", Hostname: "alice-laptop", ProtocolVersion: 1}
	if err := EncodeJSON(&buf, TypeHello, want, 0); err != nil {
		t.Fatal(err)
	}
	var got Hello
	if err := DecodeJSON(&buf, TypeHello, &got, 0); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecodeJSONRejectsTypeMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeJSON(&buf, TypePairOK, struct{}{}, 0); err != nil {
		t.Fatal(err)
	}
	var out Hello
	if err := DecodeJSON(&buf, TypeHello, &out, 0); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestEncodeDecodeFileDataRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("the quick brown fox jumps over the lazy dog")
	if err := EncodeFileData(&buf, 42, data, MaxFrameLen(int64(len(data)))); err != nil {
		t.Fatal(err)
	}
	ty, payload, err := ReadFrame(&buf, MaxFrameLen(int64(len(data))))
	if err != nil {
		t.Fatal(err)
	}
	if ty != TypeFileData {
		t.Fatalf("expected TypeFileData, got %s", ty)
	}
	idx, got, err := DecodeFileData(payload)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 42 || !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: idx=%d data=%q", idx, got)
	}
}

func TestDecodeFileDataRejectsLengthMismatch(t *testing.T) {
	payload := make([]byte, ChunkDataHeaderSize+4)
	payload[7] = 99 // claims 99 bytes of data but only 4 follow
	if _, _, err := DecodeFileData(payload); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncodeDecodeFileAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeFileAck(&buf, 7, 0); err != nil {
		t.Fatal(err)
	}
	_, payload, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := DecodeFileAck(payload)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 7 {
		t.Fatalf("expected index 7, got %d", idx)
	}
}

func TestCompressExpandChunksRoundTrip(t *testing.T) {
	cases := [][]uint32{
		nil,
		{0},
		{0, 1, 2, 3},
		{5, 1, 2, 0, 9, 10, 3},
		{100, 1, 2},
	}
	for _, indices := range cases {
		ranges := CompressChunks(indices)
		got := ExpandChunks(ranges)
		want := append([]uint32(nil), indices...)
		insertionSortUint32(want)
		if len(want) == 0 {
			want = nil
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch for %v: got %v via ranges %v", indices, got, ranges)
		}
	}
}

func TestCompressChunksMergesAdjacentRuns(t *testing.T) {
	ranges := CompressChunks([]uint32{0, 1, 2, 3, 5, 6, 10})
	want := []ChunkRange{{Start: 0, End: 3}, {Start: 5, End: 6}, {Start: 10, End: 10}}
	if !reflect.DeepEqual(ranges, want) {
		t.Fatalf("got %v want %v", ranges, want)
	}
}

func TestFileResumeJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := FileResume{
		FileHash: "abc123",
		Ranges:   CompressChunks([]uint32{0, 1, 2, 7, 8, 9}),
	}
	if err := EncodeJSON(&buf, TypeFileResume, want, 0); err != nil {
		t.Fatal(err)
	}
	var got FileResume
	if err := DecodeJSON(&buf, TypeFileResume, &got, 0); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}
