package identity

import (
	"dmchat/tools/errs"
	"dmchat/tools/security"

	"github.com/google/uuid"
)

// Credentials 从升级请求中提取出的凭证
type Credentials struct {
	Token string
}

// Resolver 将凭证解析为用户 ID，失败返回 Unauthenticated
type Resolver interface {
	Resolve(c Credentials) (userID string, err error)
}

type JWTResolver struct {
	opts security.Options
}

func NewJWTResolver(opts security.Options) *JWTResolver {
	return &JWTResolver{opts: opts}
}

func (r *JWTResolver) Resolve(c Credentials) (string, error) {
	if c.Token == "" {
		return "", errs.ErrUnauthenticated.WrapMsg("missing token")
	}
	claims, err := security.Verify(r.opts, c.Token)
	if err != nil {
		return "", errs.ErrUnauthenticated.WithDetail(err.Error()).Wrap()
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", errs.ErrUnauthenticated.WrapMsg("subject is not a user id", "sub", claims.Subject)
	}
	return id.String(), nil
}

// ResolverFunc 测试与静态场景使用
type ResolverFunc func(c Credentials) (string, error)

func (f ResolverFunc) Resolve(c Credentials) (string, error) { return f(c) }
