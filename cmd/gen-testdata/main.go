// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata writes a synthetic application with many packages,
// modules and resources, for benchmarking builds and module lookups.
package main

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

const (
	hmacKey   = "d259c7f656caf7f1"
	nameLen   = 12
	program   = "bench"
	configFmt = "name: %s\nmain: %s.main\nroot: src\nlib: lib\nprecompile: %t\n"
)

var (
	flagOut        = flag.String("out", "testdata/bench", "output directory")
	flagPackages   = flag.Int("packages", 100, "number of packages")
	flagModules    = flag.Int("modules", 20, "modules per package")
	flagResources  = flag.Int("resources", 5, "resources per package")
	flagPrecompile = flag.Bool("precompile", true, "set precompile in the generated freeze.yaml")
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	_, _ = crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

type generator struct {
	rng  *rand.Rand
	root string
	n    int
}

// name returns a fresh identifier that is a valid module name component.
func (g *generator) name() string {
	var buf [8]byte
	_, _ = g.rng.Read(buf[:])
	h := hmac.New(sha256.New, []byte(hmacKey))
	h.Write(buf[:])
	return "m" + hex.EncodeToString(h.Sum(nil))[:nameLen-1]
}

func (g *generator) write(key, content string) error {
	p := filepath.Join(g.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	g.n++
	return os.WriteFile(p, []byte(content), 0o644)
}

func (g *generator) module(pkg, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s.%s\n", pkg, name)
	fmt.Fprintf(&b, "NAME = %q\n\n", name)
	for i := 0; i < 1+g.rng.Intn(4); i++ {
		fmt.Fprintf(&b, "def f%d(x):\n    return x * %d + %d\n\n", i, g.rng.Intn(100), g.rng.Intn(100))
	}
	return b.String()
}

func (g *generator) generate(nPackages, nModules, nResources int) error {
	var mainLoads []string
	for p := 0; p < nPackages; p++ {
		pkg := g.name()
		if err := g.write(program+"/"+pkg+"/__init__.star", fmt.Sprintf("PACKAGE = %q\n", pkg)); err != nil {
			return err
		}
		for m := 0; m < nModules; m++ {
			name := g.name()
			if err := g.write(program+"/"+pkg+"/"+name+".star", g.module(pkg, name)); err != nil {
				return err
			}
			if m == 0 {
				mainLoads = append(mainLoads, program+"."+pkg+"."+name)
			}
		}
		for r := 0; r < nResources; r++ {
			data := make([]byte, 64+g.rng.Intn(4096))
			_, _ = g.rng.Read(data)
			if err := g.write(program+"/"+pkg+"/data/"+g.name()+".bin", string(data)); err != nil {
				return err
			}
		}
	}

	var entry strings.Builder
	for i, module := range mainLoads {
		fmt.Fprintf(&entry, "load(%q, m%d = \"NAME\")\n", module, i)
	}
	fmt.Fprintf(&entry, "print(%d)\n", len(mainLoads))
	if err := g.write(program+"/__init__.star", ""); err != nil {
		return err
	}
	return g.write(program+"/main.star", entry.String())
}

func main() {
	flag.Parse()

	g := &generator{rng: newRand(), root: filepath.Join(*flagOut, "src")}
	if err := g.generate(*flagPackages, *flagModules, *flagResources); err != nil {
		fmt.Fprintf(os.Stderr, "generate: %s\n", err)
		os.Exit(1)
	}
	config := fmt.Sprintf(configFmt, program, program, *flagPrecompile)
	if err := os.WriteFile(filepath.Join(*flagOut, "freeze.yaml"), []byte(config), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d files to %s\n", g.n, *flagOut)
}
