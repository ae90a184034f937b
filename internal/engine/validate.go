package engine

import "github.com/nrjones/ratelimitd/internal/rlerrors"

const (
	minKeyLen = 1
	maxKeyLen = 256
)

// validateKey enforces the key grammar every admission path shares:
// non-empty, 1..256 bytes, each byte in [A-Za-z0-9_.-].
func validateKey(key string) error {
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return rlerrors.ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if !isKeyByte(key[i]) {
			return rlerrors.ErrInvalidKey
		}
	}
	return nil
}

func isKeyByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == '.' || b == '-':
		return true
	default:
		return false
	}
}
