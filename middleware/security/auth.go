package security

import (
	"net/http"
	"strings"

	"dmchat/service/identity"
	"dmchat/tools/errs"

	"github.com/gin-gonic/gin"
)

// ---- context key ----
// 后续 handler 统一用该 key 读取已认证用户
const (
	CtxUserIDKey = "userID"

	HeaderToken   = "authorization"
	QueryToken    = "access_token"
	DefaultCookie = "dmchat_auth"
)

type Options struct {
	Resolver identity.Resolver

	EnableAuthorizationBearer bool   // 默认 true
	EnableQueryToken          bool   // 默认 true，浏览器 websocket 无法设置请求头
	CookieName                string // 默认 dmchat_auth，为空则不读 cookie
}

func DefaultOptions(r identity.Resolver) *Options {
	return &Options{
		Resolver:                  r,
		EnableAuthorizationBearer: true,
		EnableQueryToken:          true,
		CookieName:                DefaultCookie,
	}
}

// ExtractCredentials 依次尝试 Bearer、authorization 头、access_token 参数、cookie
func ExtractCredentials(r *http.Request, opts *Options) identity.Credentials {
	authz := strings.TrimSpace(r.Header.Get(HeaderToken))
	if authz != "" {
		// 兼容 Authorization: Bearer xxx
		if opts.EnableAuthorizationBearer && strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return identity.Credentials{Token: strings.TrimSpace(authz[len("bearer "):])}
		}
		return identity.Credentials{Token: authz}
	}
	if opts.EnableQueryToken {
		if t := strings.TrimSpace(r.URL.Query().Get(QueryToken)); t != "" {
			return identity.Credentials{Token: t}
		}
	}
	if opts.CookieName != "" {
		if ck, err := r.Cookie(opts.CookieName); err == nil {
			return identity.Credentials{Token: strings.TrimSpace(ck.Value)}
		}
	}
	return identity.Credentials{}
}

// Middleware 认证失败直接 401
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := opts.Resolver.Resolve(ExtractCredentials(c.Request, opts))
		if err != nil {
			ce, _ := errs.As(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": ce.Code, "msg": ce.Msg})
			return
		}
		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}

// UserID 读取已认证用户
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
