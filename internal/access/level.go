// Package access implements identity and the permission model: per-user
// home directories, explicit path grants, and shared-storage membership.
package access

// Level is a permission level. Ordering matters: comparisons use the
// numeric value, highest wins.
type Level int

const (
	None Level = iota
	Read
	ReadWrite
)

// String renders the level in its stored form.
func (l Level) String() string {
	switch l {
	case Read:
		return "r"
	case ReadWrite:
		return "rw"
	default:
		return "none"
	}
}

// ParseLevel maps a stored or wire permission string onto a Level.
// Unrecognized values parse as None.
func ParseLevel(s string) Level {
	switch s {
	case "rw", "read_write", "READ_WRITE":
		return ReadWrite
	case "r", "read", "READ":
		return Read
	default:
		return None
	}
}
