package packfile

// File extensions used by the packfile storage format
const (
	// ExtPackfile is the extension used by packfiles
	ExtPackfile = ".pack"
	// ExtIndex is the extension used by packfile indexes
	ExtIndex = ".idx"
)
