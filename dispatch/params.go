// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// OfflineWhenComplete is the pseudo-parameter asking for the target
// to be taken offline after the build.
const OfflineWhenComplete = "OFFLINE_NODE_WHEN_COMPLETE"

// decodeParameters parses a job payload (a JSON object) into build
// parameters. Strings pass through, numbers and booleans are rendered
// as text, null becomes "". Nested objects and arrays are rejected.
// The OFFLINE_NODE_WHEN_COMPLETE entry is removed and returned as
// offline.
func decodeParameters(data []byte) (params map[string]string, offline bool, err error) {
	params = make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return params, false, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("decoding job parameters: %w", err)
	}

	for key, value := range raw {
		switch typed := value.(type) {
		case string:
			params[key] = typed
		case json.Number:
			params[key] = typed.String()
		case bool:
			params[key] = strconv.FormatBool(typed)
		case nil:
			params[key] = ""
		default:
			return nil, false, fmt.Errorf("job parameter %q: unsupported %T value", key, value)
		}
	}

	if value, ok := params[OfflineWhenComplete]; ok {
		delete(params, OfflineWhenComplete)
		offline = isTruthy(value)
	}
	return params, offline, nil
}

func isTruthy(value string) bool {
	switch value {
	case "1", "true", "True", "TRUE":
		return true
	}
	return false
}

// buildNumber accepts a build number given as a JSON number or as a
// numeric string.
type buildNumber int

func (n *buildNumber) UnmarshalJSON(data []byte) error {
	text := string(bytes.Trim(data, `"`))
	value, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("build number %s: %w", data, err)
	}
	*n = buildNumber(value)
	return nil
}
