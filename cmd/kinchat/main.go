package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kinshipapp/kinchat/internal/app"
	"github.com/kinshipapp/kinchat/internal/config"
	"github.com/kinshipapp/kinchat/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := *profileFlag
	if name == "" {
		cfg, err := config.Load(profile.ConfigPath())
		if err == nil && cfg.DefaultProfile != "" {
			name = cfg.DefaultProfile
		} else {
			name = "main"
		}
	}
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{Profile: name}),
	).Run()
}
