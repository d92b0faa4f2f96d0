package dispatch

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"
)

// encodeFrame builds one event-stream frame the way the upstream does.
func encodeFrame(t *testing.T, headers map[string]string, payload []byte) []byte {
	t.Helper()

	var hdr bytes.Buffer
	for name, value := range headers {
		hdr.WriteByte(byte(len(name)))
		hdr.WriteString(name)
		hdr.WriteByte(esHeaderString)
		var vl [2]byte
		binary.BigEndian.PutUint16(vl[:], uint16(len(value)))
		hdr.Write(vl[:])
		hdr.WriteString(value)
	}

	total := esPreludeLen + hdr.Len() + len(payload) + 4

	var buf bytes.Buffer
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(total))
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(hdr.Len()))
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(word[:])
	buf.Write(hdr.Bytes())
	buf.Write(payload)
	binary.BigEndian.PutUint32(word[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(word[:])

	return buf.Bytes()
}

func TestEventStreamDecoder_DecodesFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodeFrame(t, map[string]string{
		":message-type": "event",
		":event-type":   "assistantResponseEvent",
	}, []byte(`{"content":"hel"}`)))
	stream.Write(encodeFrame(t, map[string]string{
		":message-type": "event",
		":event-type":   "assistantResponseEvent",
	}, []byte(`{"content":"lo"}`)))

	dec := newEventStreamDecoder(&stream)

	et, payload, err := dec.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if et != "assistantResponseEvent" || string(payload) != `{"content":"hel"}` {
		t.Fatalf("frame 1 = %s %s", et, payload)
	}

	if _, _, err := dec.next(); err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if _, _, err := dec.next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestEventStreamDecoder_ChecksumMismatch(t *testing.T) {
	frame := encodeFrame(t, map[string]string{
		":message-type": "event",
		":event-type":   "assistantResponseEvent",
	}, []byte(`{"content":"x"}`))
	frame[len(frame)-1] ^= 0xFF // corrupt the message CRC

	dec := newEventStreamDecoder(bytes.NewReader(frame))
	if _, _, err := dec.next(); err == nil {
		t.Fatal("corrupted frame accepted")
	}
}

func TestEventStreamDecoder_WireError(t *testing.T) {
	frame := encodeFrame(t, map[string]string{
		":message-type":  "exception",
		":error-code":    "ThrottlingException",
		":error-message": "slow down",
	}, []byte(`{}`))

	dec := newEventStreamDecoder(bytes.NewReader(frame))
	_, _, err := dec.next()
	if err == nil {
		t.Fatal("wire exception not surfaced")
	}
}

func TestEventStreamDecoder_TruncatedFrame(t *testing.T) {
	frame := encodeFrame(t, map[string]string{
		":message-type": "event",
		":event-type":   "assistantResponseEvent",
	}, []byte(`{"content":"x"}`))

	dec := newEventStreamDecoder(bytes.NewReader(frame[:len(frame)-6]))
	if _, _, err := dec.next(); err == nil {
		t.Fatal("truncated frame accepted")
	}
}

func TestDrainEventStream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodeFrame(t, map[string]string{
		":message-type": "event",
		":event-type":   "assistantResponseEvent",
	}, []byte(`{"content":"answer"}`)))
	stream.Write(encodeFrame(t, map[string]string{
		":message-type": "event",
		":event-type":   "toolUseEvent",
	}, []byte(`{"toolUseId":"tu_1","name":"lookup","input":"{}"}`)))

	chunks, err := drainEventStream(&stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if chunks[0].TextDelta != "answer" || chunks[1].ToolCalls[0].Name != "lookup" {
		t.Fatalf("chunks = %+v", chunks)
	}
}
