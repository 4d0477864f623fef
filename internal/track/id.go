package track

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns "<unix millis base36>-<12 random hex>". The prefix sorts by
// creation time and the suffix keeps concurrent ids apart.
func NewID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + random[:12]
}
