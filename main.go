package main

import "ingest/cmd/ingest"

func main() {
	if err := ingest.Cmd.Execute(); err != nil {
		panic(err)
	}
}
