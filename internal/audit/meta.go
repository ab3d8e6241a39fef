package audit

import "context"

type metaContextKey struct{}

// RequestMeta は監査ログに記録するリクエスト元の情報。
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
}

// WithRequestMeta はコンテキストにリクエスト元の情報を格納する。
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaContextKey{}, meta)
}

// RequestMetaFromContext はコンテキストからリクエスト元の情報を取得する。
// 未設定の場合はゼロ値を返す。
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(metaContextKey{}).(RequestMeta)
	return meta
}

