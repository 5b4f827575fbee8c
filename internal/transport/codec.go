package transport

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Frame kinds, matching the WebSocket text/binary message types the
// handlers map them onto.
const (
	TextMessage   = 1
	BinaryMessage = 2
)

// Codec encodes outbound envelopes. Chosen once per connection at
// registration time from the client's advertised capability.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(v any) ([]byte, error)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                  { return "json" }
func (jsonCodec) MessageType() int              { return TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// cborEncMode uses Core Deterministic Encoding so the same logical
// envelope always produces identical bytes.
var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                  { return "cbor" }
func (cborCodec) MessageType() int              { return BinaryMessage }
func (cborCodec) Marshal(v any) ([]byte, error) { return cborEncMode.Marshal(v) }

func codecFor(binary bool) Codec {
	if binary {
		return cborCodec{}
	}
	return jsonCodec{}
}
