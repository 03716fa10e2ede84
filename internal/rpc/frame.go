package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Length-prefixed message framing shared by gRPC and gRPC-web:
//
//	flag(1) | length(4, big endian) | payload
const (
	frameData       byte = 0x00
	frameCompressed byte = 0x01
	frameTrailer    byte = 0x80
	frameHeaderLen       = 5
)

type transport int

const (
	transportGRPC transport = iota
	transportWeb
	transportWebText
)

// IsRPCContentType reports whether a Content-Type belongs to one of the
// gRPC transports served here.
func IsRPCContentType(ct string) bool {
	_, ok := transportFor(ct)
	return ok
}

func transportFor(ct string) (transport, bool) {
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch ct {
	case "application/grpc", "application/grpc+proto":
		return transportGRPC, true
	case "application/grpc-web", "application/grpc-web+proto":
		return transportWeb, true
	case "application/grpc-web-text", "application/grpc-web-text+proto":
		return transportWebText, true
	}
	return 0, false
}

func (t transport) contentType() string {
	switch t {
	case transportWeb:
		return "application/grpc-web+proto"
	case transportWebText:
		return "application/grpc-web-text+proto"
	default:
		return "application/grpc+proto"
	}
}

// readMessage reads one unary request message from body. limit caps the
// message length.
func readMessage(body io.Reader, t transport, limit int64) ([]byte, error) {
	if t == transportWebText {
		body = base64.NewDecoder(base64.StdEncoding, body)
	}
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(body, hdr[:]); err != nil {
		if err == io.EOF {
			// an empty body is an empty message
			return nil, nil
		}
		return nil, statusErrorf(InvalidArgument, "read frame header: %v", err)
	}
	switch hdr[0] {
	case frameData:
	case frameCompressed:
		return nil, statusErrorf(Unimplemented, "compressed messages are not supported")
	default:
		return nil, statusErrorf(InvalidArgument, "unexpected frame flag %#x", hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if int64(n) > limit {
		return nil, statusErrorf(ResourceExhausted, "message of %d bytes exceeds limit %d", n, limit)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(body, msg); err != nil {
		return nil, statusErrorf(InvalidArgument, "read message: %v", err)
	}
	return msg, nil
}

func appendFrame(b []byte, flag byte, payload []byte) []byte {
	b = append(b, flag)
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

// writeResponse sends msg (nil when st is not OK) followed by the status.
// Native gRPC puts the status in HTTP trailers; gRPC-web appends it as a
// trailer frame in the body.
func writeResponse(w http.ResponseWriter, t transport, msg []byte, st *Status) {
	h := w.Header()
	h.Set("Content-Type", t.contentType())

	if t == transportGRPC {
		h.Set("Trailer", "Grpc-Status, Grpc-Message")
		w.WriteHeader(http.StatusOK)
		if st.Code == OK {
			_, _ = w.Write(appendFrame(nil, frameData, msg))
		}
		h.Set("Grpc-Status", strconv.Itoa(int(st.Code)))
		if st.Message != "" {
			h.Set("Grpc-Message", encodeMessage(st.Message))
		}
		return
	}

	var body []byte
	if st.Code == OK {
		body = appendFrame(body, frameData, msg)
	}
	var tr bytes.Buffer
	fmt.Fprintf(&tr, "grpc-status: %d\r\n", st.Code)
	if st.Message != "" {
		fmt.Fprintf(&tr, "grpc-message: %s\r\n", encodeMessage(st.Message))
	}
	body = appendFrame(body, frameTrailer, tr.Bytes())
	if t == transportWebText {
		body = []byte(base64.StdEncoding.EncodeToString(body))
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// encodeMessage percent-encodes grpc-message the way gRPC peers expect.
func encodeMessage(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c <= 0x7e && c != '%' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
