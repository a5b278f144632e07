// Package room derives the room a message belongs to.
package room

// Public is the room every non-private message is posted to.
const Public = "public"

// Separator joins the two participant ids of a private room.
const Separator = "-"

// Canonical returns the private room id shared by a and b. The result is
// the same regardless of argument order. A user paired with themself gets
// the degenerate room "a-a".
func Canonical(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// For returns the room id for a message from sender. Private messages with
// a recipient go to the canonical pair room, everything else is public.
func For(isPrivate bool, sender, recipient string) string {
	if isPrivate && recipient != "" {
		return Canonical(sender, recipient)
	}
	return Public
}
