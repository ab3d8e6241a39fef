package middleware

import (
	"net"
	"net/http"

	"github.com/hitoshi/yardops/internal/audit"
)

// NewRequestMetaMiddleware はリクエスト元のアドレスとUser-Agentを監査用にコンテキストへ格納する。
func NewRequestMetaMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := audit.WithRequestMeta(r.Context(), audit.RequestMeta{
				RemoteAddr: clientIP(r),
				UserAgent:  r.UserAgent(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP はRemoteAddrからホスト部分を取り出す。
// プロキシ配下ではchiのRealIPミドルウェアで書き換えた値を使う。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
