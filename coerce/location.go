package coerce

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/golang/groupcache/lru"
)

var (
	locMu    sync.Mutex
	locCache = lru.New(64)

	offsetRe = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)
)

// LoadLocation resolves a timezone name. It accepts IANA names, "UTC"/"Z"
// and fixed offsets such as "+09:00" or "-0530". Results are cached.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)

	locMu.Lock()
	defer locMu.Unlock()

	if v, ok := locCache.Get(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := resolveLocation(name)
	if err != nil {
		return nil, err
	}
	locCache.Add(name, loc)
	return loc, nil
}

func resolveLocation(name string) (*time.Location, error) {
	switch strings.ToUpper(name) {
	case "", "UTC", "Z":
		return time.UTC, nil
	}
	if m := offsetRe.FindStringSubmatch(name); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins, _ := strconv.Atoi(m[3])
		if h > 23 || mins > 59 {
			return nil, fmt.Errorf("invalid timezone offset %q", name)
		}
		secs := h*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(name, secs), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
