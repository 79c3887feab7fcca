package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer closes outward-facing surfaces before shutdown completes.
type Drainer interface {
	Drain() error
}

const ServiceVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"VOICEGATE\" \"\" 0 }}\nVersion: " + ServiceVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
