// Command settingsctl is a one-shot control tool for a settings
// backend, in the style of connectctl: parse docopt usage, dispatch to
// a handler function, print and exit. It resolves whichever backend
// the process environment selects (GSETTINGS_BACKEND, or the
// priority-ordered default) rather than hardcoding one.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	settings "github.com/bringyour/settings"
	_ "github.com/bringyour/settings/filebackend"
	_ "github.com/bringyour/settings/memorybackend"
	_ "github.com/bringyour/settings/netbackend"
)

const SettingsCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Settings control.

Usage:
    settingsctl read --key=<key> [--type=<type>]
    settingsctl write --key=<key> --value=<value> [--type=<type>]
    settingsctl reset --key=<key>
    settingsctl writable --key=<key>
    settingsctl watch --dir=<dir>
    settingsctl login

Options:
    -h --help            Show this screen.
    --version            Show version.
    --key=<key>           Settings key, e.g. /app/mode.
    --value=<value>       Value to write, interpreted per --type.
    --type=<type>         One of string, int, float, bool [default: string].
    --dir=<dir>           Directory to watch, e.g. /app/.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SettingsCtlVersion)
	if err != nil {
		panic(err)
	}

	if read_, _ := opts.Bool("read"); read_ {
		read(opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		write(opts)
	} else if reset_, _ := opts.Bool("reset"); reset_ {
		reset(opts)
	} else if writable_, _ := opts.Bool("writable"); writable_ {
		writable(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watchDir(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login()
	}
}

func parseType(name string) reflect.Type {
	switch name {
	case "int":
		return reflect.TypeOf(int64(0))
	case "float":
		return reflect.TypeOf(float64(0))
	case "bool":
		return reflect.TypeOf(false)
	default:
		return reflect.TypeOf("")
	}
}

func parseValue(raw string, typeName string) (any, error) {
	switch typeName {
	case "int":
		return strconv.ParseInt(raw, 10, 64)
	case "float":
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func read(opts docopt.Opts) {
	key, _ := opts.String("--key")
	typeName, _ := opts.String("--type")

	b := settings.GetDefault()
	v, ok := settings.ReadValue(b, key, parseType(typeName), nil, false, false)
	if !ok {
		Err.Printf("%s: not set", key)
		os.Exit(1)
	}
	raw, _ := v.Raw()
	Out.Printf("%v", raw)
}

func write(opts docopt.Opts) {
	key, _ := opts.String("--key")
	valueStr, _ := opts.String("--value")
	typeName, _ := opts.String("--type")

	value, err := parseValue(valueStr, typeName)
	if err != nil {
		Err.Printf("invalid --value for --type=%s: %s", typeName, err)
		os.Exit(1)
	}

	b := settings.GetDefault()
	if !settings.Write(b, key, settings.NewValue(value), nil) {
		Err.Printf("%s: write rejected", key)
		os.Exit(1)
	}
}

func reset(opts docopt.Opts) {
	key, _ := opts.String("--key")
	b := settings.GetDefault()
	settings.Reset(b, key, nil)
}

func writable(opts docopt.Opts) {
	key, _ := opts.String("--key")
	b := settings.GetDefault()
	Out.Printf("%v", settings.GetWritable(b, key))
}

func watchDir(opts docopt.Opts) {
	dir, _ := opts.String("--dir")
	b := settings.GetDefault()

	type watchTarget struct{}
	target := &watchTarget{}

	settings.Watch(b, target, settings.Callbacks{
		Changed: func(target any, backend settings.Backend, key string, originTag any) {
			Out.Printf("changed %s", key)
		},
		KeysChanged: func(target any, backend settings.Backend, dir string, keys []string, originTag any) {
			Out.Printf("keys-changed %s %v", dir, keys)
		},
		PathChanged: func(target any, backend settings.Backend, dir string, originTag any) {
			Out.Printf("path-changed %s", dir)
		},
		WritableChanged: func(target any, backend settings.Backend, key string) {
			Out.Printf("writable-changed %s", key)
		},
		PathWritableChanged: func(target any, backend settings.Backend, dir string) {
			Out.Printf("path-writable-changed %s", dir)
		},
	}, nil)

	settings.PathChanged(b, dir, nil)

	reader := bufio.NewReader(os.Stdin)
	Out.Printf("watching %s, press enter to stop", dir)
	reader.ReadString('\n')
	settings.Unwatch(b, target)
}

// login reads the registry daemon's bearer token from the terminal
// without echoing it, the way provider/main.go reads a password, and
// prints the environment assignment the caller should export.
func login() {
	fmt.Print("token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Printf("read token: %s", err)
		os.Exit(1)
	}
	Out.Printf("export SETTINGS_NET_TOKEN=%s", string(tokenBytes))
}
