package jsvm

import (
	"encoding/json"
	"fmt"
	"io"
)

// Exit codes of the sandbox-init helper.
const (
	// HelperExitSetup means the helper failed before the program started.
	HelperExitSetup = 3
)

// HelperRequest is written as one JSON document to the helper's stdin.
type HelperRequest struct {
	Program        Program `json:"program"`
	Options        Options `json:"options"`
	CPUSeconds     uint64  `json:"cpuSeconds"`
	SeccompProfile string  `json:"seccompProfile,omitempty"`
	EnableNs       bool    `json:"enableNs"`
}

// DecodeHelperRequest reads exactly one request from r.
func DecodeHelperRequest(r io.Reader) (HelperRequest, error) {
	var req HelperRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return HelperRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Program.Code == "" {
		return HelperRequest{}, fmt.Errorf("program code is required")
	}
	return req, nil
}

// EncodeOutcome writes the helper's single result document. HTML escaping
// is off so markup in captured output stays one byte per byte.
func EncodeOutcome(w io.Writer, out Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}
