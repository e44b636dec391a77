package transport

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	sockJSOpenFrame      = "o"
	sockJSHeartbeatFrame = "h"
)

// SockJSCloseError is returned when the server sends a close frame.
type SockJSCloseError struct {
	Code   int
	Reason string
}

func (e *SockJSCloseError) Error() string {
	return fmt.Sprintf("sockjs closed by server: %d %s", e.Code, e.Reason)
}

// DecodeSockJSFrame unpacks one SockJS frame into application messages.
// Open and heartbeat frames carry none.
func DecodeSockJSFrame(frame []byte) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty sockjs frame")
	}
	switch frame[0] {
	case 'o', 'h':
		return nil, nil
	case 'a':
		body := frame[1:]
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("invalid sockjs array frame")
		}
		arr := gjson.ParseBytes(body)
		if !arr.IsArray() {
			return nil, fmt.Errorf("sockjs array frame is not an array")
		}
		var msgs [][]byte
		var bad error
		arr.ForEach(func(_, v gjson.Result) bool {
			if v.Type != gjson.String {
				bad = fmt.Errorf("sockjs message is %s, want string", v.Type)
				return false
			}
			msgs = append(msgs, []byte(v.Str))
			return true
		})
		if bad != nil {
			return nil, bad
		}
		return msgs, nil
	case 'm':
		v := gjson.ParseBytes(frame[1:])
		if v.Type != gjson.String {
			return nil, fmt.Errorf("invalid sockjs message frame")
		}
		return [][]byte{[]byte(v.Str)}, nil
	case 'c':
		v := gjson.ParseBytes(frame[1:])
		return nil, &SockJSCloseError{Code: int(v.Get("0").Int()), Reason: v.Get("1").String()}
	default:
		return nil, fmt.Errorf("unknown sockjs frame %q", frame[0])
	}
}

// EncodeSockJSMessages builds an array frame carrying msgs.
func EncodeSockJSMessages(msgs ...[]byte) ([]byte, error) {
	strs := make([]string, len(msgs))
	for i, m := range msgs {
		strs[i] = string(m)
	}
	body, err := json.Marshal(strs)
	if err != nil {
		return nil, err
	}
	return append([]byte("a"), body...), nil
}

// EncodeSockJSClose builds a close frame.
func EncodeSockJSClose(code int, reason string) []byte {
	body, _ := json.Marshal([]any{code, reason})
	return append([]byte("c"), body...)
}

func SockJSOpenFrame() []byte      { return []byte(sockJSOpenFrame) }
func SockJSHeartbeatFrame() []byte { return []byte(sockJSHeartbeatFrame) }
