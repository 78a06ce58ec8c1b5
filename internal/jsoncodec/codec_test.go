package jsoncodec

import (
	"testing"

	"github.com/oriys/lambdo/internal/protocol"
	"google.golang.org/grpc/encoding"
)

func TestCodecRoundTrip(t *testing.T) {
	c := codec{}
	in := protocol.StatusMessage{ID: "vm-1", Code: protocol.CodeReady}

	data, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out protocol.StatusMessage
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestCodecRegisteredUnderJSONSubtype(t *testing.T) {
	if got := encoding.GetCodec(Name); got == nil {
		t.Fatalf("expected a codec registered under %q", Name)
	}
}
