// Package toolchain compiles kernel sources to loadable modules by running an external compiler (nvcc by
// default) as a subprocess.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultCompiler is the compiler binary, looked up in $PATH if not an absolute path.
	DefaultCompiler = "nvcc"

	// DefaultArch is the virtual architecture PTX is generated for.
	DefaultArch = "compute_20"

	// DefaultCode is the real architecture passed with -code.
	DefaultCode = "sm_30"

	// PTXExtension of the generated modules.
	PTXExtension = ".ptx"
)

// BuildError is returned when the compiler fails or doesn't produce its output.
type BuildError struct {
	// Command line executed.
	Command string

	// ExitCode of the compiler, or -1 if it exited successfully but the output is missing.
	ExitCode int

	// Stdout and Stderr captured from the compiler.
	Stdout, Stderr string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	var sb strings.Builder
	if e.ExitCode == -1 {
		fmt.Fprintf(&sb, "compilation with %q produced no output", e.Command)
	} else {
		fmt.Fprintf(&sb, "compilation with %q failed with exit code %d", e.Command, e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		sb.WriteString(":\n")
		sb.WriteString(stderr)
	}
	return sb.String()
}

// Compiler runs the kernel compiler. The zero value is not usable: create it with New and configure it
// with the With* methods.
type Compiler struct {
	binary    string
	arch      string
	code      string
	debug     bool
	bits      int
	extraArgs []string
}

// New returns a Compiler with the defaults: nvcc, 64 bits, DefaultArch and DefaultCode, no debug
// information.
func New() *Compiler {
	return &Compiler{
		binary: DefaultCompiler,
		arch:   DefaultArch,
		code:   DefaultCode,
		bits:   64,
	}
}

// WithBinary sets the compiler binary.
func (c *Compiler) WithBinary(binary string) *Compiler {
	c.binary = binary
	return c
}

// WithArch sets the -arch and -code values. Empty values are left out of the command line.
func (c *Compiler) WithArch(arch, code string) *Compiler {
	c.arch, c.code = arch, code
	return c
}

// WithDebug enables or disables device debug information (-G).
func (c *Compiler) WithDebug(debug bool) *Compiler {
	c.debug = debug
	return c
}

// WithBits sets the -m flag: 32 or 64.
func (c *Compiler) WithBits(bits int) *Compiler {
	if bits != 32 && bits != 64 {
		panic(errors.Errorf("toolchain: WithBits(%d): only 32 or 64 bits are supported", bits))
	}
	c.bits = bits
	return c
}

// WithExtraArgs appends arguments to the command line, just before the source file.
func (c *Compiler) WithExtraArgs(args ...string) *Compiler {
	c.extraArgs = append(c.extraArgs, args...)
	return c
}

// PTXPath returns the path of the module generated for source: the source with its extension replaced
// by PTXExtension.
func PTXPath(source string) string {
	return strings.TrimSuffix(source, filepath.Ext(source)) + PTXExtension
}

// Args returns the command line arguments (without the binary) to compile source to output.
func (c *Compiler) Args(source, output string) []string {
	args := []string{fmt.Sprintf("-m%d", c.bits)}
	if c.arch != "" {
		args = append(args, "-arch", c.arch)
	}
	if c.code != "" {
		args = append(args, "-code", c.code)
	}
	if c.debug {
		args = append(args, "-G")
	}
	args = append(args, c.extraArgs...)
	return append(args, "-ptx", source, "-o", output)
}

// PreparePTX returns the path of the PTX module of source, compiling it if recompile is true or if the
// module doesn't exist yet. The module is written next to the source.
//
// An existing module is used even if the source is missing, unless recompile is set. Otherwise a missing
// source is an error. If the compiler fails, or if it doesn't write the module, a *BuildError is returned.
func (c *Compiler) PreparePTX(ctx context.Context, source string, recompile bool) (string, error) {
	output := PTXPath(source)
	if !recompile {
		if _, err := os.Stat(output); err == nil {
			klog.V(1).Infof("toolchain: using existing module %q", output)
			return output, nil
		}
	}
	if _, err := os.Stat(source); err != nil {
		return "", errors.Wrapf(err, "kernel source %q", source)
	}

	args := c.Args(source, output)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	commandLine := strings.Join(append([]string{c.binary}, args...), " ")
	klog.V(1).Infof("toolchain: running %s", commandLine)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", errors.Wrapf(err, "running compiler %q", c.binary)
		}
		return "", &BuildError{
			Command:  commandLine,
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	if _, err := os.Stat(output); err != nil {
		return "", &BuildError{
			Command:  commandLine,
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	if stderr.Len() > 0 {
		klog.Warningf("toolchain: %s: %s", commandLine, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}
