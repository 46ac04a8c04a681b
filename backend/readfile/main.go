// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command readfile prints decrypted game and player files from a data
// directory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/inningbook/backend"
	"github.com/ttbt-io/inningbook/backend/stats"
)

var (
	dataDir   = flag.String("data-dir", "data", "Directory for game and player data")
	statsOnly = flag.Bool("stats", false, "Print the derived stat table of each game instead of its JSON")
)

func openStorage() *storage.Storage {
	keyFile := filepath.Join(*dataDir, "master.key")
	passphrase := os.Getenv("IB_MASTER_KEY")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("%s exists but IB_MASTER_KEY is not set", keyFile)
		}
		return storage.New(*dataDir, nil)
	}
	masterKey, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if err != nil {
		log.Fatalf("Failed to read master key: %v", err)
	}
	return storage.New(*dataDir, masterKey)
}

func printStats(g *backend.Game) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "player\tPA\tAB\tH\tAVG\tOBP\tSLG\tOPS\tIP\tERA\tWHIP\tPC\t")
	for _, id := range g.Stats.PlayerIDs() {
		s := stats.Derive(g.Stats.Get(id))
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t\n",
			id, s.PA, s.AB, s.H, s.AVG, s.OBP, s.SLG, s.OPS, s.IP, s.ERA, s.WHIP, s.PC)
	}
	tw.Flush()
}

func main() {
	flag.Parse()
	store := openStorage()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, arg := range flag.Args() {
		arg = strings.TrimPrefix(strings.TrimPrefix(arg, *dataDir), "/")
		var obj any
		switch {
		case strings.HasPrefix(arg, "games/"):
			obj = new(backend.Game)
		case strings.HasPrefix(arg, "players/"):
			obj = new(backend.PlayerRecord)
		default:
			log.Printf("%s: not a game or player file", arg)
			continue
		}
		if err := store.ReadDataFile(arg, obj); err != nil {
			log.Printf("%s: %v", arg, err)
			continue
		}
		fmt.Printf("=========== %s ===========\n", arg)
		if g, ok := obj.(*backend.Game); ok && *statsOnly {
			printStats(g)
			continue
		}
		if err := enc.Encode(obj); err != nil {
			log.Printf("JSON: %s: %v", arg, err)
		}
	}
}
