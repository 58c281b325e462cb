// ABOUTME: Schema validation for frames using go-playground/validator.
// ABOUTME: Field tags cover shapes; a struct-level rule covers per-type requirements.

package protocol

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedFrame is wrapped by every decode failure other than size.
var ErrMalformedFrame = errors.New("malformed frame")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(frameStructLevel, Frame{})
	return v
}

// frameStructLevel enforces the fields each frame type must carry.
func frameStructLevel(sl validator.StructLevel) {
	f, ok := sl.Current().Interface().(Frame)
	if !ok {
		return
	}

	switch f.Type {
	case TypeRegister:
		if f.NodeID == "" {
			sl.ReportError(f.NodeID, "nodeId", "NodeID", "required", "")
		}
		if f.Capabilities == nil {
			sl.ReportError(f.Capabilities, "capabilities", "Capabilities", "required", "")
		}
	case TypeRegisterAck:
		if f.NodeID == "" {
			sl.ReportError(f.NodeID, "nodeId", "NodeID", "required", "")
		}
		if f.SessionID == "" {
			sl.ReportError(f.SessionID, "sessionId", "SessionID", "required", "")
		}
	case TypePing, TypePong:
		if f.Timestamp <= 0 {
			sl.ReportError(f.Timestamp, "timestamp", "Timestamp", "gt", "0")
		}
	case TypeTask:
		if f.MessageID == "" {
			sl.ReportError(f.MessageID, "messageId", "MessageID", "required", "")
		}
		if !f.Lane.Valid() {
			sl.ReportError(f.Lane, "lane", "Lane", "lane", "")
		}
		if f.ConversationKey == "" {
			sl.ReportError(f.ConversationKey, "conversationKey", "ConversationKey", "required", "")
		}
	case TypeTaskAck:
		if f.MessageID == "" {
			sl.ReportError(f.MessageID, "messageId", "MessageID", "required", "")
		}
	case TypeTaskResult:
		if f.MessageID == "" {
			sl.ReportError(f.MessageID, "messageId", "MessageID", "required", "")
		}
		if f.ConversationKey == "" {
			sl.ReportError(f.ConversationKey, "conversationKey", "ConversationKey", "required", "")
		}
	case TypeError:
		if f.Code == "" {
			sl.ReportError(f.Code, "code", "Code", "required", "")
		}
	case TypeClose:
	default:
		sl.ReportError(f.Type, "type", "Type", "oneof", "")
	}
}

// Validate checks the frame against the schema for its type.
func (f Frame) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// ValidateCapabilities checks a capability declaration on its own.
func ValidateCapabilities(caps NodeCapabilities) error {
	if err := validate.Struct(caps); err != nil {
		return fmt.Errorf("invalid capabilities: %w", err)
	}
	return nil
}

// ValidateRequirements checks a selection query.
func ValidateRequirements(req TaskRequirements) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	return nil
}
