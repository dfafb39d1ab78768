package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType is returned by Decode when the type tag is missing or not a client action.
	ErrUnknownType = errors.New("unknown type")
	// ErrMalformed is returned by Decode when the frame is not a valid action object.
	ErrMalformed = errors.New("malformed frame")
	// ErrNilNotification is returned by Encode for a nil notification.
	ErrNilNotification = errors.New("nil notification")
)

// DecodeError describes why a frame could not be decoded.
// It wraps ErrUnknownType or ErrMalformed.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "decode: " + e.Err.Error()
	}
	return fmt.Sprintf("decode %q: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type tagOnly struct {
	Type string `json:"type"`
}

// Decode parses one raw frame into a ClientAction.
//
// Besides unparsable JSON, these payloads are rejected with ErrMalformed and the
// server drops them without a reply:
//   - send_dm whose text is empty or whitespace only
//   - send_dm whose receiverId is missing, zero or negative
//   - seen_dm whose messageId is missing or empty
//
// A missing or unrecognized type tag yields ErrUnknownType.
func Decode(frame []byte) (ClientAction, error) {
	var tag tagOnly
	if err := json.Unmarshal(frame, &tag); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch tag.Type {
	case TypeSendDM:
		var a SendDirectMessage
		if err := json.Unmarshal(frame, &a); err != nil {
			return nil, &DecodeError{Type: tag.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		if strings.TrimSpace(a.Text) == "" {
			return nil, &DecodeError{Type: tag.Type, Err: fmt.Errorf("%w: missing field: text", ErrMalformed)}
		}
		if a.ReceiverID <= 0 {
			return nil, &DecodeError{Type: tag.Type, Err: fmt.Errorf("%w: missing field: receiverId", ErrMalformed)}
		}
		return a, nil

	case TypeSeenDM:
		var a MarkMessageSeen
		if err := json.Unmarshal(frame, &a); err != nil {
			return nil, &DecodeError{Type: tag.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		if strings.TrimSpace(a.MessageID) == "" {
			return nil, &DecodeError{Type: tag.Type, Err: fmt.Errorf("%w: missing field: messageId", ErrMalformed)}
		}
		return a, nil

	default:
		return nil, &DecodeError{Type: tag.Type, Err: ErrUnknownType}
	}
}

// DecodeNotification parses a frame produced by Encode.
// Servers never need it for client traffic; relays and client tooling do.
func DecodeNotification(frame []byte) (ServerNotification, error) {
	var tag tagOnly
	if err := json.Unmarshal(frame, &tag); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	var n ServerNotification
	var err error
	switch tag.Type {
	case TypeDMReceived:
		var v MessageReceived
		err = json.Unmarshal(frame, &v)
		n = v
	case TypeDMSent:
		var v MessageSent
		err = json.Unmarshal(frame, &v)
		n = v
	case TypeDMUpdated:
		var v MessageUpdated
		err = json.Unmarshal(frame, &v)
		n = v
	case TypeFriendPresence:
		var v FriendPresenceChanged
		err = json.Unmarshal(frame, &v)
		n = v
	case TypeConnectedToUser:
		var v ConnectedToUser
		err = json.Unmarshal(frame, &v)
		n = v
	case TypeAddedToChannel:
		var v AddedToChannel
		err = json.Unmarshal(frame, &v)
		n = v
	default:
		return nil, &DecodeError{Type: tag.Type, Err: ErrUnknownType}
	}
	if err != nil {
		return nil, &DecodeError{Type: tag.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return n, nil
}

// Encode renders a notification as one JSON frame.
// It does not fail for any non-nil notification defined in this package.
func Encode(n ServerNotification) ([]byte, error) {
	var v any
	switch n := n.(type) {
	case nil:
		return nil, ErrNilNotification
	case MessageReceived:
		v = struct {
			Type string `json:"type"`
			MessageReceived
		}{TypeDMReceived, n}
	case MessageSent:
		v = struct {
			Type string `json:"type"`
			MessageSent
		}{TypeDMSent, n}
	case MessageUpdated:
		v = struct {
			Type string `json:"type"`
			MessageUpdated
		}{TypeDMUpdated, n}
	case FriendPresenceChanged:
		v = struct {
			Type string `json:"type"`
			FriendPresenceChanged
		}{TypeFriendPresence, n}
	case ConnectedToUser:
		v = struct {
			Type string `json:"type"`
			ConnectedToUser
		}{TypeConnectedToUser, n}
	case AddedToChannel:
		v = struct {
			Type string `json:"type"`
			AddedToChannel
		}{TypeAddedToChannel, n}
	default:
		return nil, fmt.Errorf("encode: unsupported notification %T", n)
	}
	return json.Marshal(v)
}

// Type returns the wire tag of n, or "" for an unknown notification.
func Type(n ServerNotification) string {
	switch n.(type) {
	case MessageReceived:
		return TypeDMReceived
	case MessageSent:
		return TypeDMSent
	case MessageUpdated:
		return TypeDMUpdated
	case FriendPresenceChanged:
		return TypeFriendPresence
	case ConnectedToUser:
		return TypeConnectedToUser
	case AddedToChannel:
		return TypeAddedToChannel
	default:
		return ""
	}
}

// ActionType returns the wire tag of a, or "" for an unknown action.
func ActionType(a ClientAction) string {
	switch a.(type) {
	case SendDirectMessage:
		return TypeSendDM
	case MarkMessageSeen:
		return TypeSeenDM
	default:
		return ""
	}
}
