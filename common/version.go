package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Must be manually updated!
// Before releasing: Verify the version number and set Prerelease to ""
// After releasing: Increase the Patch number and set Prerelease to "-pre"
var version = Version{
	Major:      0,
	Minor:      3,
	Patch:      0,
	Prerelease: "pre",
}

// Set via -ldflags. Example:
//
//	go install -ldflags "-X github.com/drand/ceremony/common.BUILDDATE=`date -u +%d/%m/%Y@%H:%M:%S` -X github.com/drand/ceremony/common.COMMIT=`git rev-parse HEAD`"
var (
	COMMIT    = ""
	BUILDDATE = ""
)

// VersionHeader carries the version of the caller on every API request.
const VersionHeader = "X-Ceremony-Version"

func GetAppVersion() Version {
	return version
}

type Version struct {
	Major      uint32
	Minor      uint32
	Patch      uint32
	Prerelease string
}

// IsCompatible reports whether a client and a coordinator speak the same API.
// Before 1.0 every minor release may break it.
func (v Version) IsCompatible(verRcv Version) bool {
	if os.Getenv("DISABLE_VERSION_CHECK") == "1" {
		return true
	}
	if v.Major != verRcv.Major {
		return false
	}
	if v.Major == 0 {
		return v.Minor == verRcv.Minor
	}
	return true
}

func (v Version) String() string {
	pre := ""
	if v.Prerelease != "" {
		pre = "-" + v.Prerelease
	}
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, pre)
}

// ParseVersion is the inverse of Version.String.
func ParseVersion(s string) (Version, error) {
	var v Version
	core, pre, _ := strings.Cut(strings.TrimPrefix(s, "v"), "-")
	v.Prerelease = pre
	fields := strings.Split(core, ".")
	if len(fields) != 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	dst := []*uint32{&v.Major, &v.Minor, &v.Patch}
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		*dst[i] = uint32(n)
	}
	return v, nil
}
