// inspect dumps store keys for debugging a database offline.
package main

import (
	"flag"
	"fmt"
	"os"

	"collabsync/pkg/history"
	"collabsync/pkg/logger"
)

func main() {
	var db string
	var prefix string
	flag.StringVar(&db, "db", "", "pebble db path")
	flag.StringVar(&prefix, "prefix", "", "key prefix filter (e.g. conv:, file:, read:)")
	flag.Parse()
	if db == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.Init()
	if err := history.Open(db); err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer history.Close()

	keys, err := history.ListKeys(prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", len(keys))
}
