// Package console sends administrative commands to the game server process
// through a console relay binary installed on the instance.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/craftd/internal/remote"
)

// colorReset is the ANSI reset sequence the relay appends to its output.
const colorReset = "\x1b[0m"

const (
	DefaultRelayPath = "/mnt/discord_mcserver/minecraft/mcrcon"
	DefaultPassword  = "localrcon"
)

// ErrEmptyCommand is returned for blank console input.
var ErrEmptyCommand = errors.New("console command is empty")

// Runner is the part of the remote executor the bridge needs.
type Runner interface {
	Exec(ctx context.Context, host, command string, opts ...remote.ExecOption) (remote.Result, error)
}

// Bridge layers the console protocol over remote command execution.
type Bridge struct {
	runner    Runner
	relayPath string
	password  string
}

// New creates a bridge. Empty relay path or password use the defaults.
func New(r Runner, relayPath, password string) *Bridge {
	if relayPath == "" {
		relayPath = DefaultRelayPath
	}
	if password == "" {
		password = DefaultPassword
	}
	return &Bridge{runner: r, relayPath: relayPath, password: password}
}

// Command builds the shell command line for text.
func (b *Bridge) Command(text string) string {
	return fmt.Sprintf("%s -p %s %s", b.relayPath, shellQuote(b.password), shellQuote(text))
}

// Send runs text on the game console of host and returns the relay output
// with color reset sequences removed.
func (b *Bridge) Send(ctx context.Context, host, text string, opts ...remote.ExecOption) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCommand
	}
	res, err := b.runner.Exec(ctx, host, b.Command(text), opts...)
	if err != nil {
		return "", fmt.Errorf("console %q: %w", text, err)
	}
	return StripColorReset(res.Stdout), nil
}

// StripColorReset removes every ESC[0m sequence from s.
func StripColorReset(s string) string {
	return strings.ReplaceAll(s, colorReset, "")
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
