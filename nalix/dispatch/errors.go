package dispatch

import (
	"errors"

	"github.com/gosuda/nalix/nalix/packet"
)

var (
	ErrDuplicateOpcode         = errors.New("opcode already registered")
	ErrInvalidHandlerSignature = errors.New("invalid handler signature")
	ErrConcurrencyRejected     = errors.New("dispatcher at concurrency limit")
)

// ErrorCode is the leading byte of an error packet payload, classifying the
// failure for clients that do not parse the message text.
type ErrorCode uint8

const (
	CodeInternal ErrorCode = iota
	CodeInvalidHeader
	CodeLengthMismatch
	CodeChecksumMismatch
	CodeUnsupportedFlags
	CodeUnknownOpcode
	CodeEnvelopeMalformed
	CodeReplayDetected
	CodePermissionDenied
	CodeRateLimited
	CodeEncryptionRequired
	CodeHandlerTimeout
	CodeAuthTagMismatch
	CodeConcurrencyRejected
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeInvalidHeader:
		return "invalid_header"
	case CodeLengthMismatch:
		return "length_mismatch"
	case CodeChecksumMismatch:
		return "checksum_mismatch"
	case CodeUnsupportedFlags:
		return "unsupported_flags"
	case CodeUnknownOpcode:
		return "unknown_opcode"
	case CodeEnvelopeMalformed:
		return "envelope_malformed"
	case CodeReplayDetected:
		return "replay_detected"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeRateLimited:
		return "rate_limited"
	case CodeEncryptionRequired:
		return "encryption_required"
	case CodeHandlerTimeout:
		return "handler_timeout"
	case CodeAuthTagMismatch:
		return "auth_tag_mismatch"
	case CodeConcurrencyRejected:
		return "concurrency_rejected"
	default:
		return "unknown"
	}
}

// genericHandlerError is the literal sent when a handler fails; details stay
// in the server log.
const genericHandlerError = "An error occurred while processing your request."

// ErrorPacket builds the error response: opcode 0, string type, payload of
// one code byte followed by the UTF-8 message.
func ErrorPacket(code ErrorCode, msg string) *packet.Packet {
	payload := make([]byte, 0, 1+len(msg))
	payload = append(payload, byte(code))
	payload = append(payload, msg...)
	p, err := packet.NewBuilder(0).
		Type(packet.TypeString).
		Payload(payload).
		Build()
	if err != nil {
		// Error messages are short constants; overflow is unreachable.
		panic(err)
	}
	return p
}
