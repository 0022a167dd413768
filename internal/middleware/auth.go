// Package middleware содержит HTTP middleware для сервиса столовой.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mmeshcher/canteen-system/internal/identity"
	"github.com/mmeshcher/canteen-system/internal/model"
	"github.com/mmeshcher/canteen-system/internal/repository"
)

type contextKey string

const userKey contextKey = "user"

// UserSource описывает доступ к учётным записям, необходимый middleware аутентификации.
type UserSource interface {
	GetUserByUID(ctx context.Context, firebaseUID string) (*model.User, error)
}

// AuthMiddleware проверяет bearer-токен и находит учётную запись по внешнему идентификатору.
type AuthMiddleware struct {
	verifier identity.Verifier
	users    UserSource
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware.
func NewAuthMiddleware(verifier identity.Verifier, users UserSource) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		users:    users,
	}
}

// BearerToken извлекает bearer-токен из заголовка Authorization.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}

// Middleware проверяет токен авторизации и добавляет учётную запись в контекст запроса.
// Токен без учётной записи в базе означает, что пользователь ещё не прошёл синхронизацию.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		claims, err := a.verifier.Verify(token)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		user, err := a.users.GetUserByUID(r.Context(), claims.UID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает запрос дальше только для учётных записей с ролью admin.
// Должен стоять после Middleware.
func (a *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUserFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if !user.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// GetUserFromContext извлекает учётную запись пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userKey).(*model.User)
	return user, ok
}
