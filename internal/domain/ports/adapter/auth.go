package adapter

import "context"

// PrincipalVerifier resolves a bearer credential to the principal it identifies.
type PrincipalVerifier interface {
	Verify(ctx context.Context, bearer string) (principal string, err error)
}
