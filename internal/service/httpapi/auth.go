package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityContextKey = "httpapi.identity"

// ErrTokenUnknown возвращается verifier-ом для неизвестного токена.
var ErrTokenUnknown = errors.New("unknown api token")

// Identity — аутентифицированный вызывающий.
type Identity struct {
	UserID string
	Admin  bool
}

// TokenVerifier отображает bearer-токен в Identity. Сам identity provider —
// внешний сервис, здесь только проверка уже выданных токенов.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// StaticTokenVerifier проверяет токены по статической таблице из конфигурации.
// Подходит для dev и интеграционных окружений.
type StaticTokenVerifier struct {
	users  map[string]string
	admins map[string]string
}

// NewStaticTokenVerifier создаёт verifier из таблиц token -> userID.
func NewStaticTokenVerifier(users, admins map[string]string) *StaticTokenVerifier {
	return &StaticTokenVerifier{users: users, admins: admins}
}

// ParseTokenPairs разбирает строку вида "token1:user1,token2:user2".
// Некорректные пары пропускаются.
func ParseTokenPairs(raw string) map[string]string {
	pairs := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, user, ok := strings.Cut(part, ":")
		if !ok || token == "" || user == "" {
			continue
		}
		pairs[token] = user
	}
	return pairs
}

// Verify возвращает Identity по токену. Админские токены проверяются первыми.
func (v *StaticTokenVerifier) Verify(token string) (Identity, error) {
	if userID, ok := v.admins[token]; ok {
		return Identity{UserID: userID, Admin: true}, nil
	}
	if userID, ok := v.users[token]; ok {
		return Identity{UserID: userID}, nil
	}
	return Identity{}, ErrTokenUnknown
}

var _ TokenVerifier = (*StaticTokenVerifier)(nil)

// requireAuth извлекает bearer-токен и кладёт Identity в контекст запроса.
func requireAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("Authentication required"))
			return
		}

		identity, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("Invalid API token"))
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// requireAdmin пропускает только идентичности с админским токеном.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFrom(c)
		if !ok || !identity.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody("Admin access required"))
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) (Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// errorBody — единый формат ошибок API.
func errorBody(message string) gin.H {
	return gin.H{"success": false, "error": message}
}
