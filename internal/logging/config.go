package logging

import (
	"fmt"
	"os"
	"strings"
)

// Environment variable holding comma-separated "tag=level" directives. A
// directive without "tag=" sets the default level, e.g.
//
//	FRAMERING_LOGLEVEL=info,buffer=debug,scrub=7
const envVar = "FRAMERING_LOGLEVEL"

type tagLevel struct {
	tag   string
	level Level
}

var tagLevels []tagLevel

func init() {
	parseDirectives(os.Getenv(envVar))
	DefaultLogger.Level = defaultLevel
}

func parseDirectives(s string) {
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := ParseLevel(v[len(v)-1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid %s directive '%s': %s\n", envVar, d, err)
			continue
		}
		if len(v) == 1 {
			defaultLevel = level
		} else {
			tagLevels = append(tagLevels, tagLevel{v[0], level})
		}
	}
}

func determineLevel(tag string, fallback Level) Level {
	for _, e := range tagLevels {
		if e.tag == tag {
			return e.level
		}
	}
	return fallback
}
