package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagConfig         string
	flagMetricsAddress string
	flagStatusInterval time.Duration
	flagHelp           bool
	flagVersion        bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "/etc/framering/pipeline.yaml", "Pipeline configuration file")
	flag.StringVarP(&flagMetricsAddress, "metrics-address", "m", "", "Serve Prometheus metrics on this address")
	flag.DurationVarP(&flagStatusInterval, "status-interval", "s", 0, "Log buffer status at this interval")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Shared frame buffer pipeline runner

Usage: framering [OPTION]...

Pipeline:
  -c, --config=FILE           Pipeline configuration (default: /etc/framering/pipeline.yaml)

Monitoring:
  -m, --metrics-address=ADDR  Serve Prometheus metrics on ADDR, e.g. :9090
  -s, --status-interval=DUR   Log the status of every buffer every DUR, e.g. 10s

Environment:
  FRAMERING_LOGLEVEL          Log level directives, e.g. "info,buffer=debug"
  FRAMERING_NO_MEMLOCK        If set, frame memory is not locked into RAM

Miscellaneous:
  -h, --help                  Prints this help message and exits
  -v, --version               Prints version information and exits`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	r.Print("frame")
	y.Print("ri")
	b.Println("ng")
	fmt.Println()

	fmt.Println(helpString)
}

// Populated via -ldflags="-X ...".
var (
	GitRevisionId string
	GitTag        string
)

func version() {
	fmt.Println("framering", GitTag, GitRevisionId)
}
