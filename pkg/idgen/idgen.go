// Package idgen generates prefixed, time-ordered identifiers. Ids from
// the same process sort in creation order, which keeps log searches
// and trace correlation sane.
package idgen

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Gen returns an id like "req_01j9zk3vq8...". The prefix names the
// id's kind so a bare id in a log line is self-describing.
func Gen(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}
