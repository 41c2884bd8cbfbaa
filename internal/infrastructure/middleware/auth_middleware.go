package middleware

import (
	"net/http"
	"strings"

	"vidrelay/pkg/auth"
	"vidrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ProducerSubjectKey holds the subject of a verified producer token.
const ProducerSubjectKey = "producer_subject"

type ProducerAuthorizer interface {
	AuthorizeProducer(token string) (*auth.Claims, error)
}

// BearerToken reads the token from the Authorization header, falling back
// to the "token" query parameter for browser WebSocket clients.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// OptionalProducerAuth verifies a token when one is supplied and records the
// producer subject. Requests without a token pass through; the handler
// decides whether the negotiated role needs one.
func OptionalProducerAuth(authorizer ProducerAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			c.Next()
			return
		}

		claims, err := authorizer.AuthorizeProducer(token)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set(ProducerSubjectKey, claims.Subject)
		c.Next()
	}
}

// RequireProducerAuth rejects requests without a valid producer token.
func RequireProducerAuth(authorizer ProducerAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := authorizer.AuthorizeProducer(BearerToken(c.Request))
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set(ProducerSubjectKey, claims.Subject)
		c.Next()
	}
}

// ProducerSubject returns the verified producer subject, if any.
func ProducerSubject(c *gin.Context) (string, bool) {
	v, ok := c.Get(ProducerSubjectKey)
	if !ok {
		return "", false
	}
	subject, ok := v.(string)
	return subject, ok
}

func abortUnauthorized(c *gin.Context, err error) {
	appErr := errors.NewUnauthorizedError(err.Error())
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error": appErr.Message,
		"code":  string(appErr.Code),
	})
}
