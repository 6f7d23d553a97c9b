package gate

import (
	"strconv"
	"strings"

	"github.com/jgivc/updagent/internal/entity"
)

// NeedsUpdate reports whether the server build is strictly newer than the
// local one. A missing or non-numeric server build means no update, it is
// never an error for the whole cycle.
func NeedsUpdate(localBuild int64, serverBuild string) bool {
	n, err := strconv.ParseInt(strings.TrimSpace(serverBuild), 10, 64)
	if err != nil {
		return false
	}

	return n > localBuild
}

func IsMandatory(d *entity.VersionDescriptor) bool {
	return d != nil && d.Mandatory
}
