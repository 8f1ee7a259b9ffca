package main

import (
	"errors"
	"fmt"

	"github.com/matst80/backhaul/internal/auth"
)

const tokensUsage = `usage: server -token-file FILE add-client NAME TOKEN
       server -token-file FILE remove-client NAME
       server -token-file FILE enable-client|disable-client NAME`

// manageTokens edits the token file named by -token-file and exits.
func manageTokens(args []string) error {
	if cfg.TokenFile == "" {
		return errors.New("-token-file is required\n" + tokensUsage)
	}
	tf, err := auth.LoadTokenFile(cfg.TokenFile)
	if err != nil {
		return err
	}
	switch {
	case args[0] == "add-client" && len(args) == 3:
		err = tf.AddClient(args[1], args[2])
	case args[0] == "remove-client" && len(args) == 2:
		err = tf.RemoveClient(args[1])
	case args[0] == "enable-client" && len(args) == 2:
		err = tf.SetEnabled(args[1], true)
	case args[0] == "disable-client" && len(args) == 2:
		err = tf.SetEnabled(args[1], false)
	default:
		return errors.New(tokensUsage)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: ok\n", args[0], args[1])
	return nil
}
