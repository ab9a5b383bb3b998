package transaction

import "context"

type infoKey struct{}

// WithTransaction returns a context that carries info along the call chain.
// The dispatch layer attaches it before invoking an actor.
func WithTransaction(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext returns the transaction carried by ctx.
func FromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(infoKey{}).(*Info)
	return info, ok && info != nil
}
