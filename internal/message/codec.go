package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fastjson"
)

// ErrMalformed indicates a frame that is not a JSON array of envelopes.
var ErrMalformed = errors.New("malformed message frame")

// ErrUnknownType indicates an envelope whose key is not in the catalog.
var ErrUnknownType = errors.New("unknown message type")

var parserPool fastjson.ParserPool

// JSONCodec encodes and decodes JSON envelopes.
// The zero value is ready to use.
type JSONCodec struct{}

// Decode parses a frame holding a JSON array of one or more envelopes.
// Messages are returned in array order.
func (JSONCodec) Decode(data []byte) ([]Message, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	items, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}

	msgs := make([]Message, 0, len(items))
	for i, item := range items {
		msg, err := decodeEnvelope(item)
		if err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// decodeEnvelope decodes a single {"Type": {...}} object.
func decodeEnvelope(v *fastjson.Value) (Message, error) {
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if obj.Len() != 1 {
		return nil, fmt.Errorf("%w: envelope must have exactly one key, got %d", ErrMalformed, obj.Len())
	}

	var (
		msg    Message
		visErr error
	)
	obj.Visit(func(key []byte, body *fastjson.Value) {
		ctor, ok := catalog[string(key)]
		if !ok {
			visErr = fmt.Errorf("%w: %s", ErrUnknownType, key)
			return
		}
		if body.Type() != fastjson.TypeObject {
			visErr = fmt.Errorf("%w: %s body is %s, not an object", ErrMalformed, key, body.Type())
			return
		}
		m := ctor()
		if err := json.Unmarshal(body.MarshalTo(nil), m); err != nil {
			visErr = fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
			return
		}
		msg = m
	})
	if visErr != nil {
		return nil, visErr
	}
	return msg, nil
}

// Encode renders a single envelope, without the surrounding array.
func (JSONCodec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot encode nil message")
	}
	data, err := json.Marshal(map[string]Message{m.Type(): m})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.Type(), err)
	}
	return data, nil
}
