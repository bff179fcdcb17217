package chain

import "context"

// RPC is the node surface the wallet engines consume. Both Client and Pool
// satisfy it; tests substitute fakes.
type RPC interface {
	ViewAccessKey(ctx context.Context, accountID, publicKey string, finality Finality) (*AccessKeyView, error)
	ViewBlock(ctx context.Context, finality Finality) (*BlockHeader, error)
	SendTransaction(ctx context.Context, signedTx []byte, waitUntil string) (*TxOutcome, error)
}

var (
	_ RPC = (*Client)(nil)
	_ RPC = (*Pool)(nil)
)
