// Package identity отвечает за проверку токенов внешнего поставщика личности.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken возвращается, если токен не прошёл проверку подписи или срока действия.
var ErrInvalidToken = errors.New("invalid identity token")

// Claims содержит проверенные сведения о владельце токена.
type Claims struct {
	UID   string
	Email string
	Name  string
}

// Verifier описывает контракт проверки токена личности.
// Ядро сервиса доверяет только результату Verify и не разбирает токен само.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier проверяет токены HS256, выпущенные поставщиком личности.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier создаёт верификатор с указанным секретным ключом.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type tokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Verify проверяет подпись и срок действия токена и возвращает сведения о пользователе.
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	claims := &tokenClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UID:   claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
	}, nil
}
