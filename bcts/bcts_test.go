package bcts_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/iidesho/flyt/bcts"
)

func TestScalarRoundTrip(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	err := bcts.WriteUInt64(buf, uint64(1<<40))
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.WriteInt64(buf, int64(-42))
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.WriteUInt32(buf, uint32(7))
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.WriteBool(buf, true)
	if err != nil {
		t.Fatal(err)
	}
	var u64 uint64
	var i64 int64
	var u32 uint32
	var b bool
	err = bcts.ReadUInt64(buf, &u64)
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.ReadInt64(buf, &i64)
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.ReadUInt32(buf, &u32)
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.ReadBool(buf, &b)
	if err != nil {
		t.Fatal(err)
	}
	if u64 != 1<<40 || i64 != -42 || u32 != 7 || !b {
		t.Fatalf("not equal read and write: %d %d %d %v", u64, i64, u32, b)
	}
}

func TestStringAndBytesRoundTrip(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	err := bcts.WriteSmallString(buf, "jdk.ExecutionSample")
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.WriteBytes(buf, []byte(`{"thread":"main"}`))
	if err != nil {
		t.Fatal(err)
	}
	var s string
	var b []byte
	err = bcts.ReadSmallString(buf, &s)
	if err != nil {
		t.Fatal(err)
	}
	err = bcts.ReadBytes(buf, &b)
	if err != nil {
		t.Fatal(err)
	}
	if s != "jdk.ExecutionSample" {
		t.Fatalf("not equal read and write: %q", s)
	}
	if string(b) != `{"thread":"main"}` {
		t.Fatalf("not equal read and write: %q", b)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	in := time.Unix(1234, 5678)
	err := bcts.WriteTime(buf, in)
	if err != nil {
		t.Fatal(err)
	}
	var out time.Time
	err = bcts.ReadTime(buf, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(in) {
		t.Fatalf("not equal read and write: %v != %v", out, in)
	}
}
