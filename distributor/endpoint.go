package distributor

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Account is one set of digest credentials an Endpoint accepts.
type Account struct {
	Username string
	Realm    string
	Password string
}

// Endpoint is the identity record attached to a message once
// identification resolves (or fabricates) one. Reference-counted the same way transport.Connection
// is: every slot holding a *Endpoint owns one reference.
type Endpoint struct {
	Name        string
	RequireAuth bool
	Accounts    []Account

	refcount atomic.Int32
}

// NewEndpoint builds a concrete, named endpoint for a FromURIIdentifier (or
// any other Identifier implementation) to hand back.
func NewEndpoint(name string, requireAuth bool, accounts ...Account) *Endpoint {
	return &Endpoint{
		Name:        name,
		RequireAuth: requireAuth,
		Accounts:    accounts,
	}
}

// Ref increments the reference count and returns the new value.
func (e *Endpoint) Ref(i int) int32 {
	return e.refcount.Add(int32(i))
}

var (
	artificialOnce     sync.Once
	artificialEndpoint *Endpoint
	artificialAuth     *Account
)

// ArtificialEndpoint returns the process-wide artificial endpoint singleton,
// constructed the first time it's requested during Lifecycle setup. It
// carries a single bogus account so it always requires (and fails) auth,
// making an unmatched request indistinguishable downstream from a matched
// one whose credentials were wrong.
func ArtificialEndpoint() *Endpoint {
	artificialOnce.Do(initArtificialSingletons)
	return artificialEndpoint
}

// ArtificialAuth returns the bogus account installed on the artificial
// endpoint, exposed separately for callers that only need the credential
// shape (e.g. tests asserting the 401 challenge realm).
func ArtificialAuth() *Account {
	artificialOnce.Do(initArtificialSingletons)
	return artificialAuth
}

func initArtificialSingletons() {
	id := uuid.NewString()
	account := Account{
		Username: "artificial-user-" + id[:8],
		Realm:    "artificial",
		Password: uuid.NewString(),
	}
	artificialAuth = &account
	artificialEndpoint = &Endpoint{
		Name:        "<artificial>",
		RequireAuth: true,
		Accounts:    []Account{account},
	}
}

// resetArtificialSingletons is used only by tests that need a fresh
// artificial endpoint per test case, with a freshly generated bogus account.
func resetArtificialSingletons() {
	artificialOnce = sync.Once{}
	artificialEndpoint = nil
	artificialAuth = nil
}
