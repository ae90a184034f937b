package httpapi

import (
	"fmt"
	"net/http"

	"github.com/nrjones/ratelimitd/internal/keygen"
)

// deriveKey runs r through the named keygen.Strategy, so a caller can
// hand /v1/check an identifying strategy instead of a pre-computed key.
// The result always conforms to the admission key grammar, since every
// Strategy sanitizes its own output.
func deriveKey(r *http.Request, strategyName string) (string, error) {
	strategy, err := strategyFor(strategyName)
	if err != nil {
		return "", err
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	kreq := keygen.Request{
		Headers:  headers,
		ClientIP: keygen.ExtractClientIP(headers),
		Path:     r.URL.Path,
	}
	return strategy.Key(kreq)
}

func strategyFor(name string) (keygen.Strategy, error) {
	switch name {
	case "ip":
		return keygen.IPStrategy{}, nil
	case "api_key":
		return keygen.APIKeyStrategy{}, nil
	case "user_id":
		return keygen.UserIDStrategy{}, nil
	case "composite":
		return keygen.CompositeStrategy{Parts: []keygen.Strategy{keygen.UserIDStrategy{}, keygen.IPStrategy{}}}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q", name)
	}
}
