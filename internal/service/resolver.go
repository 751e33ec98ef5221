package service

import (
	"context"

	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/platform/auth"
)

// RoleResolver lets the session middleware assign doctor or patient roles
// from the on-ledger registries.
func RoleResolver(book *addressbook.Book) auth.RoleResolver {
	return auth.RoleResolverFunc(func(ctx context.Context, address string) (string, bool) {
		role, ok := book.RoleOf(ctx, address)
		if !ok {
			return "", false
		}
		switch role {
		case addressbook.RoleDoctor:
			return auth.RoleDoctor, true
		case addressbook.RolePatient:
			return auth.RolePatient, true
		}
		return "", false
	})
}
