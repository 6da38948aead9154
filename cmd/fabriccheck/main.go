// Command fabriccheck verifies a fabric policy file before it is deployed.
//
//	fabriccheck -policy fabric.yaml
//	fabriccheck -print-default > fabric.yaml
//
// It exits 1 and lists every violation when the policy would let the sandbox
// zone reach anything.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sakif/vulnproof/internal/fabric"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fabriccheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	policy := fs.String("policy", "", "path to a YAML fabric policy (empty: built-in default)")
	printDefault := fs.Bool("print-default", false, "print the built-in policy as YAML and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *printDefault {
		out, err := fabric.MarshalDocument(fabric.DefaultTopology())
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		stdout.Write(out)
		return 0
	}

	zones := fabric.DefaultZones()
	if *policy != "" {
		var err error
		if zones, err = loadZones(*policy); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	violations := fabric.Check(zones)
	if len(violations) == 0 {
		fmt.Fprintf(stdout, "ok: %d zones, sandbox isolated\n", len(zones))
		return 0
	}
	for _, v := range violations {
		fmt.Fprintln(stdout, v)
	}
	return 1
}

// loadZones parses the file without verifying it, so Check can report every
// violation instead of the first.
func loadZones(path string) ([]fabric.Zone, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := fabric.ParseDocument(b)
	if err != nil {
		return nil, err
	}
	return doc.ToZones()
}
