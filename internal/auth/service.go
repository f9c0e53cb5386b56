package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service authenticates presented credentials against the configured
// key sources and issues session tokens.
type Service struct {
	sources []KeySource
	tokens  *TokenManager
	logger  *zap.Logger
}

// NewService builds a service checking sources in order; the first
// source that knows a key ID decides.
func NewService(tokens *TokenManager, logger *zap.Logger, sources ...KeySource) *Service {
	return &Service{
		sources: sources,
		tokens:  tokens,
		logger:  logger,
	}
}

// VerifyKey checks a raw API key and returns the caller it belongs
// to. A key ID found with a mismatched secret fails immediately:
// later sources never get a second chance at the same ID.
func (s *Service) VerifyKey(ctx context.Context, raw string) (*Principal, error) {
	id, secret, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}

	for _, src := range s.sources {
		key, err := src.Lookup(ctx, id)
		if err != nil {
			s.logger.Warn("API key lookup failed", zap.Error(err))
			continue
		}
		if key == nil {
			continue
		}
		if !key.Active {
			return nil, ErrInvalidKey
		}
		if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
			return nil, ErrInvalidKey
		}
		src.Touch(ctx, id)
		return &Principal{
			KeyID:  key.ID,
			Name:   key.Name,
			Role:   key.Role,
			Method: "api_key",
		}, nil
	}
	return nil, ErrInvalidKey
}

// VerifyToken checks a session token.
func (s *Service) VerifyToken(tokenString string) (*Principal, error) {
	return s.tokens.Verify(tokenString)
}

// Token is what a successful key exchange returns.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExchangeToken trades a valid API key for a session token.
func (s *Service) ExchangeToken(ctx context.Context, rawKey string) (*Token, error) {
	p, err := s.VerifyKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	signed, expiresAt, err := s.tokens.Issue(p.KeyID, p.Name, p.Role)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Issued session token",
		zap.String("key_id", p.KeyID),
		zap.String("role", string(p.Role)),
	)
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
	}, nil
}
