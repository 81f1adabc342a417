package auth

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Entries keep nanosecond expiry precision across every serialising store.
var entryEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeEntry(entry *StateEntry) ([]byte, error) {
	b, err := entryEncMode.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encoding state entry: %w", err)
	}
	return b, nil
}

func decodeEntry(b []byte) (*StateEntry, error) {
	var entry StateEntry
	if err := cbor.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("decoding state entry: %w", err)
	}
	return &entry, nil
}
