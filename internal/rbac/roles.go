package rbac

// Role names. Keep these stable; they are part of auth contracts.
const (
	RoleInfluencer = "influencer" // creator broadcasting call slots
	RoleExplorer   = "explorer"   // viewer bidding on call slots
	RoleAdmin      = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
