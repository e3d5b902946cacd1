// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beevik/cmd"
	"github.com/beevik/term"
	"github.com/spf13/cobra"

	"github.com/beevik/dynasm/asm"
)

var shellCmds *cmd.Tree

func init() {
	root := cmd.NewTree(cmd.TreeDescriptor{Name: "dynasm"})
	root.AddCommand(cmd.CommandDescriptor{
		Name:        "help",
		Description: "Display a summary of shell commands.",
		Usage:       "help",
		Data:        (*shell).cmdHelp,
	})

	as := root.AddSubtree(cmd.TreeDescriptor{Name: "assemble", Brief: "Assemble commands"})
	as.AddCommand(cmd.CommandDescriptor{
		Name:  "file",
		Brief: "Assemble a file from disk and save the binary to disk",
		Description: "Run the assembler on the specified file, producing" +
			" a flat binary file if successful.",
		Usage: "assemble file <filename>",
		Data:  (*shell).cmdAssembleFile,
	})
	as.AddCommand(cmd.CommandDescriptor{
		Name:  "interactive",
		Brief: "Start interactive assembly mode",
		Description: "Start interactive assembly mode. A new prompt will" +
			" appear, allowing you to enter assembly language instructions" +
			" interactively. Once you type END, the instructions will be" +
			" assembled and the machine code displayed.",
		Usage: "assemble interactive",
		Data:  (*shell).cmdAssembleInteractive,
	})

	root.AddCommand(cmd.CommandDescriptor{
		Name:  "eval",
		Brief: "Evaluate an expression",
		Description: "Evaluate an integer expression using the assembler's" +
			" expression syntax.",
		Usage: "eval <expression>",
		Data:  (*shell).cmdEval,
	})
	root.AddCommand(cmd.CommandDescriptor{
		Name:  "set",
		Brief: "Set a shell variable",
		Description: "Set the value of a shell variable. Type the set" +
			" command without arguments to display the current values." +
			" Variables: arch, origin.",
		Usage: "set <var> <value>",
		Data:  (*shell).cmdSet,
	})
	root.AddCommand(cmd.CommandDescriptor{
		Name:        "quit",
		Brief:       "Quit the shell",
		Description: "Quit the shell.",
		Usage:       "quit",
		Data:        (*shell).cmdQuit,
	})

	shellCmds = root
}

var errQuit = errors.New("quit")

// A shell runs assembler commands read from an input stream, with a
// prompt when the stream is an interactive terminal.
type shell struct {
	input       *bufio.Scanner
	output      *bufio.Writer
	interactive bool
	archName    string
	origin      int64
}

func runShell(c *cobra.Command, args []string) error {
	origin, err := strconv.ParseInt(originStr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid origin '%s'", originStr)
	}

	sh := &shell{
		archName: archName,
		origin:   origin,
	}
	sh.runCommands(os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdin.Fd())))
	return nil
}

// runCommands accepts shell commands from a reader and writes the
// results to a writer. When interactive, a prompt is displayed while
// the shell waits for the next command.
func (sh *shell) runCommands(r io.Reader, w io.Writer, interactive bool) {
	sh.input = bufio.NewScanner(r)
	sh.output = bufio.NewWriter(w)
	sh.interactive = interactive

	for {
		sh.prompt()

		line, err := sh.getLine()
		if err != nil {
			break
		}
		if line == "" {
			continue
		}

		node, args, err := shellCmds.Lookup(line)
		switch {
		case err == cmd.ErrNotFound:
			sh.println("Command not found.")
			continue
		case err == cmd.ErrAmbiguous:
			sh.println("Command is ambiguous.")
			continue
		case err != nil:
			sh.printf("ERROR: %v.\n", err)
			continue
		}
		command, ok := node.(*cmd.Command)
		if !ok {
			continue
		}

		handler := command.Data.(func(*shell, *cmd.Command, []string) error)
		if err := handler(sh, command, args); err != nil {
			break
		}
	}
	sh.flush()
}

func (sh *shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.output, format, args...)
	sh.flush()
}

func (sh *shell) println(args ...any) {
	fmt.Fprintln(sh.output, args...)
	sh.flush()
}

func (sh *shell) flush() {
	sh.output.Flush()
}

func (sh *shell) getLine() (string, error) {
	if sh.input.Scan() {
		return sh.input.Text(), nil
	}
	if sh.input.Err() != nil {
		return "", sh.input.Err()
	}
	return "", io.EOF
}

func (sh *shell) prompt() {
	if sh.interactive {
		sh.printf("* ")
	}
}

// options returns the assembly session options matching the shell's
// current variables.
func (sh *shell) options() []asm.Option {
	return []asm.Option{
		asm.WithArchName(sh.archName),
		asm.WithOrigin(sh.origin),
	}
}

func (sh *shell) cmdHelp(c *cmd.Command, args []string) error {
	sh.println("Commands:")
	sh.println("    assemble file <filename>   Assemble a file to a binary")
	sh.println("    assemble interactive       Enter instructions, END to assemble")
	sh.println("    eval <expression>          Evaluate an integer expression")
	sh.println("    set [<var> <value>]        Show or change shell variables")
	sh.println("    quit                       Quit the shell")
	return nil
}

func (sh *shell) cmdAssembleFile(c *cmd.Command, args []string) error {
	if len(args) < 1 {
		sh.println("Syntax: assemble file <filename>")
		return nil
	}

	filename := args[0]
	if filepath.Ext(filename) == "" {
		filename += ".asm"
	}

	file, err := os.Open(filename)
	if err != nil {
		sh.printf("Failed to open '%s': %v\n", filepath.Base(filename), err)
		return nil
	}
	defer file.Close()

	res, err := asm.Assemble(file, filename, sh.options()...)
	if err != nil {
		sh.printf("Failed to assemble '%s':\n%v\n", filepath.Base(filename), err)
		return nil
	}

	out := strings.TrimSuffix(filename, ".asm") + ".bin"
	if err := os.WriteFile(out, res.Code, 0644); err != nil {
		sh.printf("Failed to write '%s': %v\n", out, err)
		return nil
	}

	sh.printf("Assembled %d bytes to '%s'.\n", len(res.Code), out)
	reportRelocations(sh.output, res)
	sh.flush()
	return nil
}

func (sh *shell) cmdAssembleInteractive(c *cmd.Command, args []string) error {
	sh.println("Enter assembly language instructions.")
	sh.println("Type END to assemble, or Ctrl-D to cancel.")

	var lines []string
	for {
		if sh.interactive {
			sh.printf("] ")
		}
		line, err := sh.getLine()
		if err != nil {
			return nil
		}
		if strings.EqualFold(strings.TrimSpace(line), "end") {
			break
		}
		lines = append(lines, line)
	}

	src := strings.Join(lines, "\n")
	res, err := asm.Assemble(strings.NewReader(src), "(interactive)", sh.options()...)
	if err != nil {
		sh.printf("Failed to assemble:\n%v\n", err)
		return nil
	}

	sh.printf("Assembled %d bytes at origin %#x.\n", len(res.Code), res.Origin)
	sh.printf("%s", hex.Dump(res.Code))
	reportRelocations(sh.output, res)
	sh.flush()
	return nil
}

func (sh *shell) cmdEval(c *cmd.Command, args []string) error {
	if len(args) < 1 {
		sh.println("Syntax: eval <expression>")
		return nil
	}

	v, err := asm.Eval(strings.Join(args, " "))
	if err != nil {
		sh.printf("%v\n", err)
		return nil
	}

	sh.printf("%d ($%X)\n", v, v)
	return nil
}

func (sh *shell) cmdSet(c *cmd.Command, args []string) error {
	switch {
	case len(args) == 0:
		sh.printf("    arch   = %s\n", sh.archName)
		sh.printf("    origin = %#x\n", sh.origin)
	case len(args) < 2:
		sh.println("Syntax: set <var> <value>")
	default:
		switch strings.ToLower(args[0]) {
		case "arch":
			sh.archName = args[1]
		case "origin":
			v, err := strconv.ParseInt(args[1], 0, 64)
			if err != nil {
				sh.printf("Invalid origin '%s'.\n", args[1])
				return nil
			}
			sh.origin = v
		default:
			sh.printf("Unknown variable '%s'.\n", args[0])
		}
	}
	return nil
}

func (sh *shell) cmdQuit(c *cmd.Command, args []string) error {
	return errQuit
}
