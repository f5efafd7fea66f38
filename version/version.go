package version

import (
	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

// MinToken is the token of the oldest possible version. A device without any
// version history reports it, so every published release looks newer.
const MinToken = "0.0.0"

// will be replaced with the release version when using goreleaser
var firmwareVersion = "development"

var minParsed = goversion.Must(goversion.NewVersion(MinToken))

// Min is the minimum Version under the total order
var Min = Version{token: MinToken, parsed: minParsed}

// Version is an opaque, totally ordered version token.
//
// Tokens are compared as dotted integers ("10.0.0" > "2.0.0", "1.0" == "1.0.0",
// "1.0.0-rc1" < "1.0.0"). A token that can not be parsed keeps its raw value for
// round trips but ranks equal to Min.
type Version struct {
	token  string
	parsed *goversion.Version
}

// New returns the Version of the given token
func New(token string) Version {
	parsed, err := goversion.NewVersion(token)
	if err != nil {
		log.Debugf("version token %q is not comparable, treating it as %s: %v", token, MinToken, err)
		return Version{token: token}
	}
	return Version{token: token, parsed: parsed}
}

// FirmwareVersion returns the version of the running firmware build
func FirmwareVersion() string {
	return firmwareVersion
}

func (v Version) String() string {
	if v.token == "" && v.parsed == nil {
		return MinToken
	}
	return v.token
}

// Compare returns -1, 0 or 1 when v is lower, equal or greater than o
func (v Version) Compare(o Version) int {
	return v.order().Compare(o.order())
}

func (v Version) GreaterThan(o Version) bool {
	return v.Compare(o) > 0
}

func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// Comparable reports whether the token parsed as a version
func (v Version) Comparable() bool {
	return v.parsed != nil
}

func (v Version) order() *goversion.Version {
	if v.parsed == nil {
		return minParsed
	}
	return v.parsed
}
