package torii

// Identity is the authenticated caller. It is a curated view of the
// internal identity type for use in extension interfaces; no internal
// package imports, safe to use from outside the module.
type Identity struct {
	Subject  string
	Username string
	Groups   []string
}
