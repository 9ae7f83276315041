package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeSignature waits for a transaction to reach the client's
	// commitment. The channel receives one notification and is then closed.
	SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// SignatureNotification reports that a transaction was processed.
type SignatureNotification struct {
	Signature string
	Slot      int64
	Err       interface{} // non-nil when the transaction failed
}
