package protocol

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"

	"LBTrafficGuard/internal/core/model"
)

// minHTTPLength is the shortest payload worth attempting ("GET / HTTP" is 10).
const minHTTPLength = 10

var httpMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE"}

var crlf = []byte("\r\n")

// ParseHTTP decodes the start line and headers of a plaintext HTTP message.
// It returns nil for anything that is not recognisably HTTP: short payloads,
// invalid UTF-8 in the header block, a missing CRLF or an unknown start line.
func ParseHTTP(payload []byte) *model.HTTPMessage {
	if len(payload) < minHTTPLength {
		return nil
	}

	head := payload
	if end := bytes.Index(payload, []byte("\r\n\r\n")); end >= 0 {
		head = payload[:end]
	}
	if !utf8.Valid(head) {
		return nil
	}

	lineEnd := bytes.Index(payload, crlf)
	if lineEnd <= 0 {
		return nil
	}
	first := string(payload[:lineEnd])

	msg := &model.HTTPMessage{}
	switch {
	case strings.HasPrefix(first, "HTTP/"):
		parts := strings.Fields(first)
		msg.Kind = model.HTTPResponse
		msg.Proto = parts[0]
		if len(parts) > 1 {
			code, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil
			}
			msg.StatusCode = code
		}
	case isRequestLine(first):
		parts := strings.Fields(first)
		msg.Kind = model.HTTPRequest
		msg.Method = parts[0]
		if len(parts) > 1 {
			msg.Path = parts[1]
		}
		if len(parts) > 2 {
			msg.Proto = parts[2]
		}
	default:
		return nil
	}

	msg.Headers = parseHeaders(string(head[min(lineEnd+len(crlf), len(head)):]))
	return msg
}

func isRequestLine(line string) bool {
	for _, m := range httpMethods {
		if strings.HasPrefix(line, m+" ") {
			return true
		}
	}
	return false
}

func parseHeaders(block string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return headers
}
