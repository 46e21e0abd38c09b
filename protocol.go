package gnats

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Protocol errors.
var (
	ErrControlLineTooLong = errors.New("control line exceeds maximum size")
	ErrUnknownOperation   = errors.New("unknown protocol operation")
	ErrMalformedMessage   = errors.New("malformed MSG arguments")
)

const (
	// maxControlLine bounds INFO lines, which grow with cluster size.
	maxControlLine = 64 * 1024

	crlf = "\r\n"
)

var (
	pingFrame = []byte("PING\r\n")
	pongFrame = []byte("PONG\r\n")
)

// OpKind identifies an inbound protocol operation.
type OpKind byte

const (
	OpInfo OpKind = iota + 1
	OpMsg
	OpPing
	OpPong
	OpOK
	OpErr
)

// String returns the protocol name of the operation.
func (k OpKind) String() string {
	switch k {
	case OpInfo:
		return "INFO"
	case OpMsg:
		return "MSG"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpOK:
		return "+OK"
	case OpErr:
		return "-ERR"
	default:
		return "UNKNOWN"
	}
}

// frame is one parsed inbound operation.
type frame struct {
	kind    OpKind
	info    []byte // raw INFO JSON
	err     string // -ERR text without quotes
	subject string
	reply   string
	sid     uint64
	payload []byte
}

// maxInboundPayload bounds a MSG payload whatever the server announced.
const maxInboundPayload = 64 * 1024 * 1024

// readFrame reads one inbound operation from r. A MSG larger than
// maxPayload, or than maxInboundPayload when maxPayload <= 0, is rejected
// before its payload is allocated.
func readFrame(r *bufio.Reader, maxPayload int64) (frame, error) {
	line, err := readControlLine(r)
	if err != nil {
		return frame{}, err
	}

	op, args := splitOp(line)

	switch {
	case equalOp(op, "MSG"):
		f, size, err := parseMsgArgs(args)
		if err != nil {
			return frame{}, err
		}
		limit := maxPayload
		if limit <= 0 || limit > maxInboundPayload {
			limit = maxInboundPayload
		}
		if int64(size) > limit {
			return frame{}, fmt.Errorf("%w: %d bytes", ErrMaxPayload, size)
		}
		f.payload = make([]byte, size+len(crlf))
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
		if !bytes.HasSuffix(f.payload, []byte(crlf)) {
			return frame{}, fmt.Errorf("%w: payload not terminated", ErrProtocol)
		}
		f.payload = f.payload[:size]
		return f, nil
	case equalOp(op, "PING"):
		return frame{kind: OpPing}, nil
	case equalOp(op, "PONG"):
		return frame{kind: OpPong}, nil
	case equalOp(op, "+OK"):
		return frame{kind: OpOK}, nil
	case equalOp(op, "-ERR"):
		return frame{kind: OpErr, err: trimErrText(args)}, nil
	case equalOp(op, "INFO"):
		return frame{kind: OpInfo, info: append([]byte(nil), args...)}, nil
	default:
		return frame{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// readControlLine returns one line without its trailing CRLF.
func readControlLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if err == nil {
			if line == nil {
				line = chunk
			} else {
				line = append(line, chunk...)
			}
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return nil, ErrControlLineTooLong
		}
	}

	if len(line) > maxControlLine {
		return nil, ErrControlLineTooLong
	}

	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

func splitOp(line []byte) ([]byte, []byte) {
	idx := bytes.IndexAny(line, " \t")
	if idx < 0 {
		return line, nil
	}
	return line[:idx], bytes.TrimLeft(line[idx+1:], " \t")
}

func equalOp(op []byte, name string) bool {
	return len(op) == len(name) && bytes.EqualFold(op, []byte(name))
}

func trimErrText(args []byte) string {
	text := bytes.TrimSpace(args)
	text = bytes.TrimPrefix(text, []byte("'"))
	text = bytes.TrimSuffix(text, []byte("'"))
	return string(text)
}

// parseMsgArgs parses "<subject> <sid> [reply] <size>".
func parseMsgArgs(args []byte) (frame, int, error) {
	fields := bytes.Fields(args)

	var subject, sid, reply, size []byte
	switch len(fields) {
	case 3:
		subject, sid, size = fields[0], fields[1], fields[2]
	case 4:
		subject, sid, reply, size = fields[0], fields[1], fields[2], fields[3]
	default:
		return frame{}, 0, fmt.Errorf("%w: %q", ErrMalformedMessage, args)
	}

	id, err := strconv.ParseUint(string(sid), 10, 64)
	if err != nil {
		return frame{}, 0, fmt.Errorf("%w: bad sid %q", ErrMalformedMessage, sid)
	}

	n, err := strconv.Atoi(string(size))
	if err != nil || n < 0 {
		return frame{}, 0, fmt.Errorf("%w: bad size %q", ErrMalformedMessage, size)
	}

	return frame{
		kind:    OpMsg,
		subject: string(subject),
		reply:   string(reply),
		sid:     id,
	}, n, nil
}

// appendConnect appends a CONNECT frame followed by PING.
func appendConnect(dst []byte, ci connectInfo) ([]byte, error) {
	data, err := json.Marshal(ci)
	if err != nil {
		return dst, err
	}
	dst = append(dst, "CONNECT "...)
	dst = append(dst, data...)
	dst = append(dst, crlf...)
	dst = append(dst, pingFrame...)
	return dst, nil
}

// appendPub appends "PUB <subject> [reply] <size>\r\n<payload>\r\n".
func appendPub(dst []byte, subject, reply string, payload []byte) []byte {
	dst = append(dst, "PUB "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	if reply != "" {
		dst = append(dst, reply...)
		dst = append(dst, ' ')
	}
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	dst = append(dst, crlf...)
	return dst
}

// appendSub appends "SUB <subject> [queue] <sid>\r\n".
func appendSub(dst []byte, subject, queue string, sid uint64) []byte {
	dst = append(dst, "SUB "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	if queue != "" {
		dst = append(dst, queue...)
		dst = append(dst, ' ')
	}
	dst = strconv.AppendUint(dst, sid, 10)
	dst = append(dst, crlf...)
	return dst
}

// appendUnsub appends "UNSUB <sid> [max]\r\n".
func appendUnsub(dst []byte, sid uint64, maxMsgs int) []byte {
	dst = append(dst, "UNSUB "...)
	dst = strconv.AppendUint(dst, sid, 10)
	if maxMsgs > 0 {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(maxMsgs), 10)
	}
	dst = append(dst, crlf...)
	return dst
}
