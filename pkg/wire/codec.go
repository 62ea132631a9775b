package wire

import (
	"encoding/json"
	"fmt"
)

// EncodeRequest serializes a request to its wire form.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// DecodeResponse parses wire bytes into a response and validates the frame.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "invalid JSON response"}
	}
	if resp.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", resp.JSONRPC)}
	}
	if resp.Error == nil && len(resp.Result) == 0 {
		return nil, &Error{Code: CodeInvalidRequest, Message: "response carries neither result nor error"}
	}
	return &resp, nil
}

// DecodeRequest parses wire bytes into a request and validates the frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "invalid JSON request"}
	}
	if req.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)}
	}
	if req.Method == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request missing method"}
	}
	return &req, nil
}
