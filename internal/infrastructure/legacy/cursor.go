package legacy

import (
	"encoding/base64"
	"encoding/json"

	"github.com/erp/migrator/internal/domain/migration"
)

// position is the decoded content of a cursor issued by this package.
// SQL sources track the last key seen; CSV sources track rows consumed.
type position struct {
	Key    string `json:"k,omitempty"`
	Offset int64  `json:"o,omitempty"`
}

func encodeCursor(p position) migration.Cursor {
	raw, _ := json.Marshal(p)
	return migration.CursorFromToken(base64.RawURLEncoding.EncodeToString(raw))
}

// decodeCursor returns ok=false for the start cursor
func decodeCursor(c migration.Cursor) (p position, ok bool, err error) {
	if c.IsStart() {
		return position{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Token())
	if err != nil {
		return position{}, false, migration.NewConfigurationError("cursor was not issued by a legacy adapter")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return position{}, false, migration.NewConfigurationError("cursor was not issued by a legacy adapter")
	}
	return p, true, nil
}
