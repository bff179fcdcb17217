package webauthn

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/R3E-Network/passkey_wallet/infrastructure/errors"
)

// forbiddenFields are the secret-bearing field names that must never appear
// in a payload crossing into the signer or out to the host application.
var forbiddenFields = map[string]struct{}{
	"prfoutput":  {},
	"prf_output": {},
	"prffirst":   {},
	"prf_first":  {},
	"prfsecond":  {},
	"prf_second": {},
	"prf":        {},
	"vrfsk":      {},
	"vrf_sk":     {},
}

// internalHandlePrefix marks fields that hold in-process handles; they must
// never survive serialization across the parent boundary.
const internalHandlePrefix = "_"

// ScanForForbiddenFields walks the JSON form of v and fails on the first
// secret-bearing field name it finds, at any nesting depth. Field name
// comparison is case-insensitive.
func ScanForForbiddenFields(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Internal("payload is not serializable", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errors.Internal("payload is not valid JSON", err)
	}
	if field := findForbidden(decoded); field != "" {
		return errors.SecretInPayload(field)
	}
	return nil
}

// ScanForInternalHandles rejects payloads carrying underscore-prefixed
// handle fields (e.g. _confirmHandle) that must not cross the boundary.
func ScanForInternalHandles(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Internal("payload is not serializable", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errors.Internal("payload is not valid JSON", err)
	}
	if field := findHandles(decoded); field != "" {
		return errors.InvalidEnvelope(fmt.Sprintf("internal handle field %q in payload", field))
	}
	return nil
}

func findForbidden(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		for key, value := range t {
			if _, bad := forbiddenFields[strings.ToLower(key)]; bad {
				return key
			}
			if found := findForbidden(value); found != "" {
				return found
			}
		}
	case []interface{}:
		for _, item := range t {
			if found := findForbidden(item); found != "" {
				return found
			}
		}
	}
	return ""
}

func findHandles(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		for key, value := range t {
			if strings.HasPrefix(key, internalHandlePrefix) {
				return key
			}
			if found := findHandles(value); found != "" {
				return found
			}
		}
	case []interface{}:
		for _, item := range t {
			if found := findHandles(item); found != "" {
				return found
			}
		}
	}
	return ""
}
