package ws

import (
	"bytes"
	"errors"
	"net"
	"net/url"
	"strings"
)

// ErrBadFrame is returned for data frames without a "<topic> " prefix.
var ErrBadFrame = errors.New("ws: malformed frame")

// EncodeFrame renders a data frame: "<topic> <payload>".
func EncodeFrame(topic string, payload []byte) []byte {
	out := make([]byte, 0, len(topic)+1+len(payload))
	out = append(out, topic...)
	out = append(out, ' ')
	return append(out, payload...)
}

// DecodeFrame splits a data frame into topic and payload.
func DecodeFrame(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, ' ')
	if i <= 0 {
		return "", nil, ErrBadFrame
	}
	return string(b[:i]), b[i+1:], nil
}

// Listen binds addr so bind failures surface before serving starts.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func endpointURL(addr string, prefixes []string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if parsed, err := url.Parse(addr); err == nil {
			u = *parsed
		}
	}
	if len(prefixes) > 0 {
		q := u.Query()
		for _, p := range prefixes {
			q.Add("prefix", p)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
