package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matterline/chatmail/internal/account"
	"github.com/matterline/chatmail/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides CHATMAIL_ACCOUNT)")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := account.EnsureDir(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{AccountName: name}),
	)

	app.Run()
}
