package lifecycle

import (
	"slices"
	"time"
)

// InitCommand is one line of the init script. OnExit decides what a nonzero
// exit does; the zero value logs it and moves on. Transport errors always
// abort the script.
type InitCommand struct {
	Command string
	OnExit  FailureMode
}

// Commands builds a script from plain command lines. Lines listed in strict
// abort initialization on a nonzero exit.
func Commands(lines []string, strict ...string) []InitCommand {
	script := make([]InitCommand, 0, len(lines))
	for _, l := range lines {
		ic := InitCommand{Command: l, OnExit: FailureModeIgnore}
		if slices.Contains(strict, l) {
			ic.OnExit = FailureModeFail
		}
		script = append(script, ic)
	}
	return script
}

// DefaultInitCommands prepares a fresh droplet: attaches the world volume,
// installs the runtime, opens the game and web ports, and enables the services.
// Several lines fail harmlessly on a re-run (mount, useradd).
var DefaultInitCommands = []string{
	"mkdir -p /mnt/discord_mcserver",
	"mount /dev/sda /mnt/discord_mcserver",
	"apt install openjdk-11-jre-headless python3-numpy python3-dev python3-pil python3-numpy nginx -y",
	"ufw allow 25565/tcp",
	"ufw allow 25565/udp",
	"ufw allow 80/tcp",
	"/mnt/discord_mcserver/dynamic_dns.sh",
	"useradd --home-dir /mnt/discord_mcserver/minecraft --uid=10001 minecraft",
	"cp /mnt/discord_mcserver/minecraft.service /etc/systemd/system/minecraft.service",
	"cp /mnt/discord_mcserver/nginx_default /etc/nginx/sites-enabled/default",
	"systemctl daemon-reload",
	"systemctl enable --now minecraft.service",
	"systemctl enable --now nginx.service",
	"systemctl reload nginx.service",
}

// DefaultInitScript tolerates every nonzero exit.
var DefaultInitScript = Commands(DefaultInitCommands)

// Teardown holds the commands and settle delays of the stop workflow.
// Zero settles mean no pause.
type Teardown struct {
	SaveCommand     string        `mapstructure:"save_command"`
	StopCommand     string        `mapstructure:"stop_command"`
	PoweroffCommand string        `mapstructure:"poweroff_command"`
	SaveSettle      time.Duration `mapstructure:"save_settle"`
	StopSettle      time.Duration `mapstructure:"stop_settle"`
	PoweroffSettle  time.Duration `mapstructure:"poweroff_settle"`
}

// DefaultTeardown returns the production teardown.
func DefaultTeardown() Teardown {
	return Teardown{
		SaveCommand:     "save",
		StopCommand:     "systemctl stop minecraft",
		PoweroffCommand: "poweroff",
		SaveSettle:      10 * time.Second,
		StopSettle:      10 * time.Second,
		PoweroffSettle:  60 * time.Second,
	}
}

func (t Teardown) withDefaults() Teardown {
	d := DefaultTeardown()
	if t == (Teardown{}) {
		return d
	}
	if t.SaveCommand == "" {
		t.SaveCommand = d.SaveCommand
	}
	if t.StopCommand == "" {
		t.StopCommand = d.StopCommand
	}
	if t.PoweroffCommand == "" {
		t.PoweroffCommand = d.PoweroffCommand
	}
	return t
}
