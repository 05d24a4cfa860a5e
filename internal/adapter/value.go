package adapter

import (
	"encoding/base64"
	"fmt"

	"github.com/1ureka/meshlink/internal/protocol"
)

// Characteristic values travel as text; binary values are base64-encoded the
// same way packet chunks are.

func encodeValue(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeValue(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: characteristic value: %v", protocol.ErrMalformed, err)
	}
	return b, nil
}
