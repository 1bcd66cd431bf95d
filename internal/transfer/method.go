package transfer

import (
	"context"
	"fmt"

	"github.com/jaywantadh/DisktroSync/internal/encryptor"
)

// MethodConfig carries what every method might need; each one reads
// only its own fields.
type MethodConfig struct {
	// BaseURL is the peer server for http and zerotier.
	BaseURL           string
	Client            ClientOptions
	ZeroTierNetworkID string
	S3                S3Options
	// Cipher encrypts chunks in chunk mode.
	Cipher encryptor.Encryptor
}

// NewMethod returns the implementation for mode.
func NewMethod(ctx context.Context, mode Mode, cfg MethodConfig) (Method, error) {
	switch mode {
	case ModeHTTP:
		cfg.Client.Protocol = ModeHTTP.String()
		return NewHTTPMethod(NewClient(cfg.BaseURL, cfg.Client), cfg.Cipher), nil
	case ModeZeroTier:
		cfg.Client.Protocol = ModeZeroTier.String()
		return NewZeroTierMethod(cfg.ZeroTierNetworkID, NewClient(cfg.BaseURL, cfg.Client), cfg.Cipher)
	case ModeS3:
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Method(client, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, mode)
	}
}
