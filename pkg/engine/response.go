// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"net"
)

// ErrorResponse renders a minimal HTTP/1.1 status response: status line
// with reason phrase, a content-length header matching the body, and the
// body itself. Server-side engines use this to synthesize a best-effort
// response for engine-reported or handler-raised failures.
func ErrorResponse(status int, reason, body string) net.Buffers {
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\ncontent-length: %d\r\nconnection: close\r\n\r\n",
		status, reason, len(body))
	if body == "" {
		return net.Buffers{[]byte(head)}
	}
	return net.Buffers{[]byte(head), []byte(body)}
}
