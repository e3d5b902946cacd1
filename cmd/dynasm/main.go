// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/beevik/dynasm/asm"
	_ "github.com/beevik/dynasm/x64"
)

var (
	verbose   bool
	archName  string
	originStr string
	output    string
	mapFile   bool
)

var rootCmd = &cobra.Command{
	Use:           "dynasm",
	Short:         "An x86 and x86-64 assembler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var buildCmd = &cobra.Command{
	Use:   "build <file>",
	Short: "Assemble a source file into a flat binary",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive assembler shell",
	Args:  cobra.NoArgs,
	RunE:  runShell,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "log layout passes and relocations")
	pf.StringVar(&archName, "arch", "x64", "target architecture (x64 or x86)")
	pf.StringVar(&originStr, "origin", "0", "address of the first emitted byte")

	buildCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: <file>.bin)")
	buildCmd.Flags().BoolVar(&mapFile, "map", false, "also write a source map next to the output")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(shellCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// sessionOptions translates the command line flags into assembly
// session options.
func sessionOptions() ([]asm.Option, error) {
	origin, err := strconv.ParseInt(originStr, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid origin '%s'", originStr)
	}

	opts := []asm.Option{
		asm.WithArchName(archName),
		asm.WithOrigin(origin),
	}
	if verbose {
		log := logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.TraceLevel)
		opts = append(opts, asm.WithLogger(log))
	}
	return opts, nil
}

func runBuild(c *cobra.Command, args []string) error {
	opts, err := sessionOptions()
	if err != nil {
		return err
	}

	filename := args[0]
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	res, err := asm.Assemble(file, filename, opts...)
	if err != nil {
		return err
	}

	out := output
	if out == "" {
		out = strings.TrimSuffix(filename, ".asm") + ".bin"
	}
	if err := os.WriteFile(out, res.Code, 0644); err != nil {
		return err
	}

	fmt.Printf("Assembled %d bytes to '%s'.\n", len(res.Code), out)

	if mapFile {
		mf, err := os.Create(out + ".map")
		if err != nil {
			return err
		}
		defer mf.Close()
		if _, err := res.SourceMap.WriteTo(mf); err != nil {
			return err
		}
		fmt.Printf("Wrote source map to '%s'.\n", out+".map")
	}

	reportRelocations(os.Stdout, res)
	return nil
}

// reportRelocations lists the relocations the host must patch before
// the code is usable.
func reportRelocations(w io.Writer, res *asm.Result) {
	if len(res.Relocs) == 0 {
		return
	}
	fmt.Fprintf(w, "%d unpatched relocation(s):\n", len(res.Relocs))
	for _, r := range res.Relocs {
		kind := "abs"
		if r.Rel {
			kind = "rel"
		}
		fmt.Fprintf(w, "  offset %04x  width %d  %s  %s\n", r.Offset, r.Width, kind, r.Expr)
	}
}
