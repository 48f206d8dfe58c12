package domain

// Identity is the authenticated user as seen by the sync layer.
type Identity struct {
	UID   string
	Email string
}

// IsZero reports whether the identity carries no uid.
func (i Identity) IsZero() bool {
	return i.UID == ""
}
