package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"disputeflow/audit"
)

var (
	// ErrInvalidCredentials signals a wrong consumer id or API key.
	ErrInvalidCredentials = errors.New("export: invalid credentials")
	// ErrWeakKey signals an API key that doesn't meet requirements.
	ErrWeakKey = errors.New("export: api key must be at least 16 characters")
	// ErrScope signals a token without the scope the operation needs.
	ErrScope = errors.New("export: insufficient scope")
)

// Service exposes the read-only audit feed to registered consumers. Feed
// access is token-gated; tokens are short-lived and never stored.
type Service struct {
	repo      Repository
	log       audit.Log
	jwtSecret []byte
	now       func() time.Time
}

// TokenResult bundles the feed token and consumer returned after a
// successful authentication.
type TokenResult struct {
	Token    string
	Consumer Consumer
}

func NewService(repo Repository, log audit.Log, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		log:       log,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new feed consumer. The API key is hashed before it is
// stored; the plaintext never leaves this call.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Consumer, error) {
	if len(req.APIKey) < 16 {
		return nil, ErrWeakKey
	}
	if req.Name == "" {
		return nil, fmt.Errorf("export: name is required")
	}

	keyHash, err := bcrypt.GenerateFromPassword([]byte(req.APIKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("export: hash api key: %w", err)
	}

	scope := req.Scope
	if scope == "" {
		scope = ScopeAudit
	}
	if !isValidScope(scope) {
		return nil, fmt.Errorf("export: invalid scope %q", scope)
	}

	consumer, err := s.repo.CreateConsumer(ctx, CreateConsumerParams{
		Name:    req.Name,
		KeyHash: string(keyHash),
		Scope:   scope,
	})
	if err != nil {
		return nil, err
	}
	return &consumer, nil
}

// Authenticate verifies a consumer's API key and returns a feed token.
func (s *Service) Authenticate(ctx context.Context, name, apiKey string) (TokenResult, error) {
	consumer, err := s.repo.GetConsumerByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrConsumerNotFound) {
			return TokenResult{}, ErrInvalidCredentials
		}
		return TokenResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(consumer.KeyHash), []byte(apiKey)); err != nil {
		return TokenResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(consumer.ID, consumer.Scope)
	if err != nil {
		return TokenResult{}, fmt.Errorf("export: generate token: %w", err)
	}
	return TokenResult{Token: token, Consumer: consumer}, nil
}

// Feed returns one page of the audit trail for a dispute, oldest first,
// starting after afterSeq. The token must carry the audit scope.
func (s *Service) Feed(ctx context.Context, token, disputeID string, afterSeq int64, limit int) (FeedPage, error) {
	_, scope, err := s.VerifyToken(token)
	if err != nil {
		return FeedPage{}, err
	}
	if scope != ScopeAudit {
		return FeedPage{}, ErrScope
	}

	entries, err := s.log.List(ctx, disputeID, afterSeq, limit)
	if err != nil {
		return FeedPage{}, fmt.Errorf("export: list audit: %w", err)
	}

	page := FeedPage{DisputeID: disputeID, NextSeq: afterSeq}
	for _, e := range entries {
		page.Entries = append(page.Entries, FeedEntry{
			Seq:        e.Seq,
			Actor:      e.Actor,
			Action:     e.Action,
			Detail:     e.Detail,
			OccurredAt: e.OccurredAt,
		})
		if e.Seq > page.NextSeq {
			page.NextSeq = e.Seq
		}
	}
	return page, nil
}

// VerifyToken validates a feed token and returns the consumer id and scope.
func (s *Service) VerifyToken(tokenString string) (string, Scope, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return "", "", fmt.Errorf("export: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		consumerID, ok := claims["consumer_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("export: invalid consumer_id in token")
		}
		scopeStr, ok := claims["scope"].(string)
		if !ok {
			return "", "", fmt.Errorf("export: invalid scope in token")
		}
		scope := Scope(scopeStr)
		if !isValidScope(scope) {
			return "", "", fmt.Errorf("export: invalid scope %q in token", scopeStr)
		}
		return consumerID, scope, nil
	}
	return "", "", fmt.Errorf("export: invalid token")
}

func (s *Service) generateToken(consumerID string, scope Scope) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"consumer_id": consumerID,
		"scope":       scope,
		"exp":         now.Add(24 * time.Hour).Unix(),
		"iat":         now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidScope(scope Scope) bool {
	switch scope {
	case ScopeAudit, ScopeSummary:
		return true
	default:
		return false
	}
}
