package chat

// Admit is the admission check run once per connection attempt. The claim is
// trusted as asserted: credentials were verified by the login flow before the
// connection was opened. An empty claim fails with ErrMissingIdentity; any other
// claim is returned unchanged and bound to the connection for its lifetime.
func Admit(claim string) (string, error) {
	if claim == "" {
		return "", ErrMissingIdentity
	}
	return claim, nil
}
