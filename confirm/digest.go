package confirm

import (
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/R3E-Network/passkey_wallet/infrastructure/crypto"
)

// TxSummary is the UI-visible description of one transaction in a request.
type TxSummary struct {
	ReceiverID string   `json:"receiverId"`
	Actions    []string `json:"actions"`
	Deposit    string   `json:"deposit,omitempty"`
}

// IntentDigest computes the deterministic digest over a transaction set.
// The UI computes the same digest over what it rendered; the state machine
// aborts when the two diverge. Map keys are canonicalized by json.Marshal,
// and the summary list order is part of the intent.
func IntentDigest(summaries []TxSummary) string {
	normalized := make([]TxSummary, len(summaries))
	copy(normalized, summaries)
	for i := range normalized {
		actions := append([]string{}, normalized[i].Actions...)
		sort.Strings(actions)
		normalized[i].Actions = actions
	}
	raw, _ := json.Marshal(normalized)
	return base64.RawURLEncoding.EncodeToString(crypto.SHA256(raw))
}
