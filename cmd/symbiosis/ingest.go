package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
)

func runIngestCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	file := fs.String("file", "-", "JSONL file to read; - reads stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var r io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			printErr("ingest: %v", err)
			return 1
		}
		defer f.Close()
		r = f
	}

	a := openApp(ctx, true)
	defer a.Close()

	in, err := a.ingester()
	if err != nil {
		printErr("ingest: %v", err)
		return 1
	}
	st, err := in.ReadJSONL(ctx, r)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(st)
	if err != nil {
		printErr("ingest: %v", err)
		return 1
	}
	a.logger.Info("ingest finished", "accepted", st.Accepted, "rejected", st.Rejected, "duplicates", st.Duplicates)
	return 0
}
