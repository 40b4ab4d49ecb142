package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prudhvinik1/signalhub/internal/repositories"
)

// Identity is the authenticated owner of a connection.
type Identity struct {
	UserID   int64
	Username string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity, or
// ErrUnauthenticatedConnection when none is present or it is incomplete.
func IdentityFromContext(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || id == nil || id.UserID <= 0 || id.Username == "" {
		return nil, ErrUnauthenticatedConnection
	}
	return id, nil
}

// AuthService turns an already-issued access token into an Identity. Tokens
// are HS256 with the user id in "sub" and the username in "username" (or
// "unique_name"). When the username claim is missing and a user repository is
// configured, the username is looked up by id.
type AuthService struct {
	users     repositories.UserRepository
	jwtSecret string
}

func NewAuthService(users repositories.UserRepository, jwtSecret string) *AuthService {
	return &AuthService{
		users:     users,
		jwtSecret: jwtSecret,
	}
}

func (s *AuthService) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (s *AuthService) ResolveIdentity(ctx context.Context, tokenString string) (*Identity, error) {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}

	userID, err := userIDClaim(claims)
	if err != nil {
		return nil, ErrUnauthenticatedConnection
	}

	username := stringClaim(claims, "username")
	if username == "" {
		username = stringClaim(claims, "unique_name")
	}

	if username == "" && s.users != nil {
		user, err := s.users.GetByID(ctx, userID)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUnauthenticatedConnection
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve username: %w", err)
		}
		username = user.Username
	}

	if username == "" {
		return nil, ErrUnauthenticatedConnection
	}

	return &Identity{UserID: userID, Username: username}, nil
}

func userIDClaim(claims jwt.MapClaims) (int64, error) {
	var id int64
	switch v := claims["sub"].(type) {
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		id = parsed
	case float64:
		id = int64(v)
	default:
		return 0, errors.New("missing sub claim")
	}

	if id <= 0 {
		return 0, errors.New("non-positive user id")
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
