package models

// ProviderSession is the opaque continuation token minted by a provider. The
// adapter that minted it is stateless between invocations; the only durable
// home for a session is the role's namespaced field inside an
// ExecutionSnapshot.
type ProviderSession struct {
	ID   string       `json:"id"`
	Kind ProviderKind `json:"kind"`
}
