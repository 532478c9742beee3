package bufiopool

import (
	"strings"
	"testing"

	"github.com/haxii/fastconduit/bytebufferpool"
)

func TestBufioPool(t *testing.T) {
	newPool := New(1, 1)
	if newPool.ReadBufferSize() != MinReadBufferSize || newPool.WriteBufferSize() != MinWriteBufferSize {
		t.Fatal("buffer sizes must be raised to the minimum")
	}
	for i := 0; i < 5; i++ {
		nr := newPool.AcquireReader(strings.NewReader("123"))
		if nr.Buffered() != 0 {
			t.Fatal("Bufiopool can't acquire a empty reader")
		}
		b, err := nr.Peek(3)
		if err != nil || string(b) != "123" {
			t.Fatalf("unexpected peek %q %v", b, err)
		}
		newPool.ReleaseReader(nr)
	}

	newWriter := bytebufferpool.Get()
	defer bytebufferpool.Put(newWriter)
	for i := 0; i < 5; i++ {
		nw := newPool.AcquireWriter(newWriter)
		if nw.Buffered() != 0 {
			t.Fatal("Bufiopool can't acquire a empty writer")
		}
		if _, err := nw.WriteString("123"); err != nil {
			t.Fatalf("unexpected error: %s", err.Error())
		}
		if err := nw.Flush(); err != nil {
			t.Fatalf("unexpected error: %s", err.Error())
		}
		newPool.ReleaseWriter(nw)
	}
	if newWriter.String() != "123123123123123" {
		t.Fatalf("unexpected written data %q", newWriter.String())
	}
}
