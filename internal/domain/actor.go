package domain

// Role is the side of the marketplace an actor acts for.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleProvider
}

// Actor is the verified identity the auth layer attaches to every call.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
