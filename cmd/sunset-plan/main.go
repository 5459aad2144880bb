// Command sunset-plan shows what installing inline hooks would do to the
// code of an image: how many bytes are displaced, how they are relocated
// and what the trampoline looks like. Nothing is executed or modified.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/k2io/sunset"
	"github.com/k2io/sunset/internal/plan"
)

func main() {
	manifestPath := flag.String("m", "", "path to a yaml manifest of hook sites")
	interactive := flag.Bool("i", false, "start an interactive planning shell")
	verbose := flag.Bool("v", false, "log engine debug events to stderr")
	flag.Parse()

	sunset.SetDebug(*verbose)

	if *manifestPath == "" && !*interactive {
		flag.Usage()
		os.Exit(2)
	}

	failed := false
	if *manifestPath != "" {
		m, err := plan.ReadManifest(*manifestPath)
		if err != nil {
			log.Fatal(err)
		}
		failed = !runManifest(m)
	}

	if *interactive {
		if err := shell(); err != nil {
			log.Fatal(err)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// runManifest prints the plan of every site and reports whether all of
// them can be hooked.
func runManifest(m *plan.Manifest) bool {
	ok := true
	for i := range m.Sites {
		p, err := m.Site(&m.Sites[i])
		if err != nil {
			fmt.Fprintf(os.Stdout, "%s: %v\n", m.Sites[i].Label(), err)
			ok = false
			continue
		}
		p.Print(os.Stdout)
		if p.Err != nil {
			ok = false
		}
	}
	return ok
}
