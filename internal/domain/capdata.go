package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CapData is the (body, slots) wire form of a marshalled value. Body is a
// canonical JSON string whose slot positions are integer indices into Slots;
// any exported capability in the original value appears in Slots. Body is
// prefixed with "#" for ordinary values and "#error" for thrown errors,
// which lets callers cheaply detect an error CapData by substring without a
// full unmarshal.
type CapData struct {
	Body  string   `json:"body"`
	Slots []KRef   `json:"slots,omitempty"`
}

const (
	bodyPrefixOK    = "#"
	bodyPrefixError = "#error"
)

// IsError reports whether the CapData body encodes a thrown error.
func (c CapData) IsError() bool {
	return strings.HasPrefix(c.Body, bodyPrefixError)
}

// Validate enforces the external-compatibility shape described in the host
// API: body must be present and start with "#".
func (c CapData) Validate() error {
	if !strings.HasPrefix(c.Body, bodyPrefixOK) {
		return fmt.Errorf("invalid CapData body")
	}
	return nil
}

// ErrorCapData builds an error CapData carrying a plain message, with no
// slots. Used for kernel-synthesized rejections (revoked object, vat
// terminated, remote peer disconnected, promise cycle, ...).
func ErrorCapData(message string) CapData {
	body, _ := json.Marshal(struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}{Name: "Error", Message: message})
	return CapData{Body: bodyPrefixError + string(body)}
}

// DataCapData wraps an already-encoded ordinary JSON body (no "#" prefix
// applied yet) plus its slots into a CapData.
func DataCapData(jsonBody string, slots []KRef) CapData {
	return CapData{Body: bodyPrefixOK + jsonBody, Slots: slots}
}

// ErrorMessage extracts the human-readable message from an error CapData,
// or the empty string if the body isn't recognized as an error envelope.
func (c CapData) ErrorMessage() string {
	if !c.IsError() {
		return ""
	}
	raw := strings.TrimPrefix(c.Body, bodyPrefixError)
	var env struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return raw
	}
	return env.Message
}
