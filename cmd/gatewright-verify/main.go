// Command gatewright-verify verifies exported evidence bundles offline.
// It needs no network and no access to the service that produced the
// bundle; exit status 0 means every bundle verified.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gatewright/gatewright/pkg/verify"
)

func main() {
	jsonOut := flag.Bool("json", false, "emit the full report as JSON")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-json] bundle.json [bundle.json ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := 0
	for _, path := range flag.Args() {
		report, err := verify.VerifyFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		if !report.Verified {
			failed++
		}
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
			continue
		}
		printReport(path, report)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func printReport(path string, r *verify.Report) {
	fmt.Printf("%s: %s\n", path, r.Summary)
	for _, c := range r.Checks {
		mark := "ok"
		note := c.Detail
		if !c.Pass {
			mark = "FAIL"
			note = c.Reason
		}
		fmt.Printf("  [%4s] %-20s %s\n", mark, c.Name, note)
	}
}
