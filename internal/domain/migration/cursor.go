package migration

// Cursor is an opaque resumption token marking a position in a legacy source's
// extraction order. Only a LegacyAdapter produces cursors; everything else
// stores them and hands them back verbatim to the same adapter.
type Cursor struct {
	token string
}

// StartCursor is the position before the first record of any source.
var StartCursor = Cursor{}

// CursorFromToken rebuilds a cursor from its serialized token. It is meant for
// adapters encoding their position and for persistence restoring a checkpoint.
func CursorFromToken(token string) Cursor {
	return Cursor{token: token}
}

// Token returns the serialized form used for persistence
func (c Cursor) Token() string {
	return c.token
}

// IsStart reports whether the cursor points before the first record
func (c Cursor) IsStart() bool {
	return c.token == ""
}

// String hides the token contents from logs
func (c Cursor) String() string {
	if c.IsStart() {
		return "cursor(start)"
	}
	return "cursor(opaque)"
}
