// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type statusError int

func (e statusError) Error() string { return fmt.Sprintf("status %d", int(e)) }
func (e statusError) ExitCode() int { return int(e) }

func TestReport(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantOutput string
	}{
		{"plain", errors.New("boom"), 1, "error: boom\n"},
		{"exit coder", statusError(3), 3, ""},
		{"wrapped exit coder", fmt.Errorf("status: %w", statusError(2)), 2, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buffer bytes.Buffer
			if code := report(&buffer, test.err); code != test.wantCode {
				t.Errorf("code = %d, want %d", code, test.wantCode)
			}
			if buffer.String() != test.wantOutput {
				t.Errorf("output = %q, want %q", buffer.String(), test.wantOutput)
			}
		})
	}
}
