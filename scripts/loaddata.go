// Use: go run scripts/loaddata.go campsites.json 100000 && campsites seed --file campsites.json
//
// Writes a JSON array of generated campsites, large enough to watch a slow
// client hold back a /campsites stream.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/trailcamp/campsites/pkg/campsite"
)

var regions = []string{
	"Colorado Rockies",
	"Eastern Sierra",
	"Southern Utah",
	"Sequoia",
	"Cascades",
	"Olympic Peninsula",
	"Wind River Range",
}

func main() {
	if len(os.Args) != 3 {
		log.Fatal("usage: loaddata <output file> <total campsites>")
	}

	total, err := strconv.Atoi(os.Args[2])
	if err != nil || total < 0 {
		log.Fatalf("invalid total campsites %q", os.Args[2])
	}

	f, err := os.Create(os.Args[1])
	if err != nil {
		log.Panic(err)
	}
	defer f.Close()

	if err := write(bufio.NewWriter(f), total); err != nil {
		log.Panic(err)
	}
	log.Printf("wrote %d campsites to %s", total, os.Args[1])
}

func write(w *bufio.Writer, total int) error {
	if _, err := w.WriteString("[\n"); err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		c := campsite.Campsite{
			ID:          ulid.Make().String(),
			Name:        fmt.Sprintf("Site %d", i+1),
			ElevationFt: float64(rand.IntN(12000) + 500),
			Region:      regions[rand.IntN(len(regions))],
			Location: campsite.Location{
				Latitude:  30 + rand.Float64()*18,
				Longitude: -124 + rand.Float64()*20,
			},
		}

		b, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		if i > 0 {
			if _, err := w.WriteString(",\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	if _, err := w.WriteString("\n]\n"); err != nil {
		return err
	}
	return w.Flush()
}
