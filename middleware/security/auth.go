package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"PPRealtime/tools/errs"

	"github.com/gin-gonic/gin"
)

// context keys
const (
	PPCtxAuthKey = "authorization" // string
)

// SubprotocolBearer is the marker browsers send in Sec-WebSocket-Protocol
// ("bearer, <token>") because they cannot set an Authorization header on upgrade.
const SubprotocolBearer = "bearer"

type Options struct {
	EnableAuthorizationBearer bool   // Authorization: Bearer xxx
	EnableSubprotocol         bool   // Sec-WebSocket-Protocol: bearer, xxx
	QueryParam                string // ?token=xxx, empty disables
}

func DefaultOptions() *Options {
	return &Options{
		EnableAuthorizationBearer: true,
		EnableSubprotocol:         true,
		QueryParam:                "token",
	}
}

// BearerToken extracts the credential from the request, trying the
// Authorization header, then the websocket subprotocol list, then the query.
func BearerToken(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
			if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
				if tok := strings.TrimSpace(authz[len("bearer "):]); tok != "" {
					return tok
				}
			}
		}
	}
	if opts.EnableSubprotocol {
		if tok := subprotocolToken(r.Header.Values("Sec-WebSocket-Protocol")); tok != "" {
			return tok
		}
	}
	if opts.QueryParam != "" {
		return strings.TrimSpace(r.URL.Query().Get(opts.QueryParam))
	}
	return ""
}

func subprotocolToken(values []string) string {
	var protos []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	for i, p := range protos {
		if strings.EqualFold(p, SubprotocolBearer) && i+1 < len(protos) {
			return protos[i+1]
		}
	}
	return ""
}

// Middleware stores the bearer token in the gin context without enforcing it.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := BearerToken(c.Request, opts); tok != "" {
			c.Set(PPCtxAuthKey, tok)
		}
		c.Next()
	}
}

// AdminOnly rejects requests whose bearer token does not equal token.
// An empty token disables the admin surface entirely.
func AdminOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := BearerToken(c.Request, &Options{EnableAuthorizationBearer: true})
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrPolicyViolation.WithDetail("admin token required"))
			return
		}
		c.Next()
	}
}
