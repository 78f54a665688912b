package pubsub

import (
	"github.com/adred-codev/fiopost/pkg/glob"
	"github.com/adred-codev/fiopost/pkg/value"
)

// MatchGlob is the exported glob matcher (spec §6 match_glob), suitable
// as a pattern subscription's MatchFn.
func MatchGlob(pattern, candidate value.Value) bool {
	return glob.Match(pattern.AsString(), candidate.AsString())
}
