package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPackedUintRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7f, 0x80, 300, 0x3fff, 0x4000, 0xffffffff} {
		var buf bytes.Buffer
		if err := WritePackedUint(&buf, v); err != nil {
			t.Fatalf("write packed %d: %v", v, err)
		}
		got, err := ReadPackedUint(&buf)
		if err != nil {
			t.Fatalf("read packed %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("packed round trip: got=%d want=%d", got, v)
		}
	}
}

func TestPackedUintSingleByteBelow128(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePackedUint(&buf, 0x7f); err != nil {
		t.Fatalf("write packed: %v", err)
	}
	if buf.Len() != 1 || buf.Bytes()[0] != 0x7f {
		t.Fatalf("unexpected encoding: %x", buf.Bytes())
	}
}

func TestReadPackedUintRejectsOverlong(t *testing.T) {
	_, err := ReadPackedUint(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	if !errors.Is(err, ErrPackedTooLong) {
		t.Fatalf("expected ErrPackedTooLong, got %v", err)
	}
}

func TestUTFRoundTrip(t *testing.T) {
	for _, s := range []string{"", "echo", "app/module", "héllo", "日本語", "emoji \U0001F600", "nul\x00byte"} {
		var buf bytes.Buffer
		if err := WriteUTF(&buf, s); err != nil {
			t.Fatalf("write utf %q: %v", s, err)
		}
		got, err := ReadUTF(&buf)
		if err != nil {
			t.Fatalf("read utf %q: %v", s, err)
		}
		if got != s {
			t.Fatalf("utf round trip: got=%q want=%q", got, s)
		}
	}
}

func TestUTFEncodesNulAsTwoBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUTF(&buf, "\x00"); err != nil {
		t.Fatalf("write utf: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0, 2, 0xc0, 0x80}) {
		t.Fatalf("unexpected encoding: %x", buf.Bytes())
	}
}

func TestReadUTFTruncatedIsDeterministic(t *testing.T) {
	// length claims 4, only 2 bytes follow
	_, err := ReadUTF(bytes.NewReader([]byte{0, 4, 'a', 'b'}))
	if !errors.Is(err, ErrShortValue) {
		t.Fatalf("expected ErrShortValue, got %v", err)
	}
}

func TestUint16BigEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint16(&buf, 0xBEEF); err != nil {
		t.Fatalf("write u16: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0xBE, 0xEF}) {
		t.Fatalf("unexpected encoding: %x", buf.Bytes())
	}
	v, err := ReadUint16(&buf)
	if err != nil {
		t.Fatalf("read u16: %v", err)
	}
	if v != 0xBEEF {
		t.Fatalf("unexpected value: %#x", v)
	}
}
